package gateway

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// opSchemas holds one compiled JSON Schema per POST /ops/actions/* body,
// giving a first structural pass (object shape, required fields, JSON
// types, array bounds) before the engine command applies its own semantic
// rules. Compiled once at startup the same way the teacher's
// StructuredValidator compiles a response schema.
type opSchemas struct {
	byRoute map[string]*jsonschema.Schema
}

func mustCompile(c *jsonschema.Compiler, name, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("gateway: unmarshal schema %s: %v", name, err))
	}
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("gateway: add schema resource %s: %v", name, err))
	}
	compiled, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("gateway: compile schema %s: %v", name, err))
	}
	return compiled
}

func newOpSchemas() *opSchemas {
	c := jsonschema.NewCompiler()
	s := &opSchemas{byRoute: make(map[string]*jsonschema.Schema)}

	s.byRoute["create"] = mustCompile(c, "create.json", `{
		"type": "object",
		"required": ["title", "actorGroup"],
		"properties": {
			"title": {"type": "string", "minLength": 1, "maxLength": 140},
			"description": {"type": "string"},
			"taskType": {"type": "string"},
			"priority": {"type": "string"},
			"scope": {"type": "string"},
			"productId": {"type": "string"},
			"assignedGroup": {"type": "string"},
			"executor": {"type": "string"},
			"gate": {"type": "string"},
			"dodRequired": {"type": "boolean"},
			"dodChecklist": {"type": "array", "items": {"type": "string"}},
			"actorGroup": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["transition"] = mustCompile(c, "transition.json", `{
		"type": "object",
		"required": ["taskId", "toState", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"toState": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"actorGroup": {"type": "string", "minLength": 1},
			"expectedVersion": {"type": "number"}
		}
	}`)

	s.byRoute["assign"] = mustCompile(c, "assign.json", `{
		"type": "object",
		"required": ["taskId", "assignedGroup", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"assignedGroup": {"type": "string", "minLength": 1},
			"executor": {"type": "string"},
			"actorGroup": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["approve"] = mustCompile(c, "approve.json", `{
		"type": "object",
		"required": ["taskId", "gateType", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"gateType": {"type": "string", "minLength": 1},
			"notes": {"type": "string"},
			"evidenceLink": {"type": "string", "maxLength": 2000},
			"actorGroup": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["override"] = mustCompile(c, "override.json", `{
		"type": "object",
		"required": ["taskId", "reason", "acceptedRisk", "reviewDeadlineIso", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"reason": {"type": "string", "minLength": 1},
			"acceptedRisk": {"type": "string", "minLength": 1},
			"reviewDeadlineIso": {"type": "string", "minLength": 1},
			"actorGroup": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["comment"] = mustCompile(c, "comment.json", `{
		"type": "object",
		"required": ["taskId", "text"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"text": {"type": "string", "minLength": 1, "maxLength": 4000},
			"actor": {"type": "string"}
		}
	}`)

	s.byRoute["dod"] = mustCompile(c, "dod.json", `{
		"type": "object",
		"required": ["taskId", "items", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"actorGroup": {"type": "string", "minLength": 1},
			"items": {
				"type": "array",
				"minItems": 1,
				"maxItems": 50,
				"items": {
					"type": "object",
					"required": ["text"],
					"properties": {
						"id": {"type": "string"},
						"text": {"type": "string", "minLength": 4, "maxLength": 200},
						"done": {"type": "boolean"}
					}
				}
			}
		}
	}`)

	s.byRoute["evidence"] = mustCompile(c, "evidence.json", `{
		"type": "object",
		"required": ["taskId", "link", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"link": {"type": "string", "minLength": 1, "maxLength": 2000},
			"note": {"type": "string", "maxLength": 1000},
			"actorGroup": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["evidenceBulk"] = mustCompile(c, "evidenceBulk.json", `{
		"type": "object",
		"required": ["taskId", "links", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"links": {"type": "array", "minItems": 1, "maxItems": 20, "items": {"type": "string"}},
			"note": {"type": "string", "maxLength": 1000},
			"actorGroup": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["docsUpdated"] = mustCompile(c, "docsUpdated.json", `{
		"type": "object",
		"required": ["taskId", "docsUpdated", "actorGroup"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"docsUpdated": {"type": "boolean"},
			"actorGroup": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["notificationsMarkRead"] = mustCompile(c, "notificationsMarkRead.json", `{
		"type": "object",
		"required": ["ids"],
		"properties": {
			"ids": {
				"type": "array",
				"minItems": 1,
				"maxItems": 100,
				"items": {"type": "number"}
			}
		}
	}`)

	s.byRoute["chat"] = mustCompile(c, "chat.json", `{
		"type": "object",
		"required": ["topicId", "actor", "body"],
		"properties": {
			"topicId": {"type": "string", "minLength": 1},
			"actor": {"type": "string", "minLength": 1},
			"body": {"type": "string", "minLength": 1}
		}
	}`)

	s.byRoute["topic"] = mustCompile(c, "topic.json", `{
		"type": "object",
		"required": ["groupFolder", "title"],
		"properties": {
			"groupFolder": {"type": "string", "minLength": 1},
			"title": {"type": "string", "minLength": 1},
			"groupJid": {"type": "string"}
		}
	}`)

	return s
}

// validate runs the body through its route's schema. It returns a human
// message naming the failing field/constraint, matching the substrings
// §4.6 requires ("JSON object", "array", "empty", "boolean", "number", ...).
func (s *opSchemas) validate(route string, body any) error {
	schema, ok := s.byRoute[route]
	if !ok {
		return nil
	}
	if _, isObj := body.(map[string]any); !isObj {
		return fmt.Errorf("request body must be a JSON object")
	}
	if err := schema.Validate(body); err != nil {
		return fmt.Errorf("request body failed validation: %s", err)
	}
	return nil
}

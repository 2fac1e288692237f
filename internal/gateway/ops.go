package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/basket/govctl/internal/engine"
	"github.com/basket/govctl/internal/persistence"
)

const maxBodyBytes = 1 << 20 // 1MiB

func decodeBody(r *http.Request) (map[string]any, error) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errBadRequest("failed to read request body")
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errBadRequest("request body must be valid JSON")
	}
	m, ok := body.(map[string]any)
	if !ok {
		return nil, errBadRequest("request body must be a JSON object")
	}
	return m, nil
}

func errBadRequest(msg string) error { return errors.New(msg) }

func strField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func stringsField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intPtrField(m map[string]any, key string) *int {
	v, ok := m[key].(float64)
	if !ok {
		return nil
	}
	n := int(v)
	return &n
}

// ops bundles the handlers behind every /ops/* route. It holds only the
// dependencies handlers actually call — the governance engine for commands,
// the store for reads the engine doesn't own (topics, messages,
// notifications), and the compiled request schemas.
type ops struct {
	eng     *engine.Engine
	store   *persistence.Store
	schemas *opSchemas
}

func newOps(eng *engine.Engine, store *persistence.Store) *ops {
	return &ops{eng: eng, store: store, schemas: newOpSchemas()}
}

func (o *ops) handle(route string, fn func(map[string]any, *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeBody(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := o.schemas.validate(route, body); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		result, err := fn(body, r)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeOK(w, result)
	}
}

func (o *ops) create(w http.ResponseWriter, r *http.Request) {
	o.handle("create", func(b map[string]any, r *http.Request) (any, error) {
		res, err := o.eng.Create(r.Context(), engine.CreateInput{
			Title:         strField(b, "title"),
			Description:   strField(b, "description"),
			TaskType:      strField(b, "taskType"),
			Priority:      strField(b, "priority"),
			Scope:         strField(b, "scope"),
			ProductID:     strField(b, "productId"),
			AssignedGroup: strField(b, "assignedGroup"),
			Executor:      strField(b, "executor"),
			Gate:          strField(b, "gate"),
			DodRequired:   boolField(b, "dodRequired"),
			DodChecklist:  stringsField(b, "dodChecklist"),
			ActorGroup:    strField(b, "actorGroup"),
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"taskId": res.TaskID, "state": res.State}, nil
	})(w, r)
}

func (o *ops) transition(w http.ResponseWriter, r *http.Request) {
	o.handle("transition", func(b map[string]any, r *http.Request) (any, error) {
		task, err := o.eng.Transition(r.Context(),
			strField(b, "taskId"), strField(b, "toState"), strField(b, "reason"),
			strField(b, "actorGroup"), intPtrField(b, "expectedVersion"))
		if err != nil {
			return nil, err
		}
		return taskEnvelope(task), nil
	})(w, r)
}

func (o *ops) assign(w http.ResponseWriter, r *http.Request) {
	o.handle("assign", func(b map[string]any, r *http.Request) (any, error) {
		task, err := o.eng.Assign(r.Context(),
			strField(b, "taskId"), strField(b, "assignedGroup"), strField(b, "executor"), strField(b, "actorGroup"))
		if err != nil {
			return nil, err
		}
		return taskEnvelope(task), nil
	})(w, r)
}

func (o *ops) approve(w http.ResponseWriter, r *http.Request) {
	o.handle("approve", func(b map[string]any, r *http.Request) (any, error) {
		task, err := o.eng.Approve(r.Context(),
			strField(b, "taskId"), strField(b, "gateType"), strField(b, "notes"),
			strField(b, "evidenceLink"), strField(b, "actorGroup"))
		if err != nil {
			return nil, err
		}
		return taskEnvelope(task), nil
	})(w, r)
}

func (o *ops) override(w http.ResponseWriter, r *http.Request) {
	o.handle("override", func(b map[string]any, r *http.Request) (any, error) {
		task, err := o.eng.Override(r.Context(),
			strField(b, "taskId"), strField(b, "reason"), strField(b, "acceptedRisk"),
			strField(b, "reviewDeadlineIso"), strField(b, "actorGroup"))
		if err != nil {
			return nil, err
		}
		return taskEnvelope(task), nil
	})(w, r)
}

func (o *ops) comment(w http.ResponseWriter, r *http.Request) {
	o.handle("comment", func(b map[string]any, r *http.Request) (any, error) {
		res, err := o.eng.Comment(r.Context(), strField(b, "taskId"), strField(b, "text"), strField(b, "actor"))
		if err != nil {
			return nil, err
		}
		out := taskEnvelope(res.Task)
		out["mentions"] = res.Mentions
		return out, nil
	})(w, r)
}

func (o *ops) dod(w http.ResponseWriter, r *http.Request) {
	o.handle("dod", func(b map[string]any, r *http.Request) (any, error) {
		rawItems, _ := b["items"].([]any)
		items := make([]engine.DodItemInput, 0, len(rawItems))
		for _, raw := range rawItems {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			items = append(items, engine.DodItemInput{
				ID:   strField(m, "id"),
				Text: strField(m, "text"),
				Done: boolField(m, "done"),
			})
		}
		task, err := o.eng.DodUpdate(r.Context(), strField(b, "taskId"), items, strField(b, "actorGroup"))
		if err != nil {
			return nil, err
		}
		return taskEnvelope(task), nil
	})(w, r)
}

func (o *ops) evidence(w http.ResponseWriter, r *http.Request) {
	o.handle("evidence", func(b map[string]any, r *http.Request) (any, error) {
		task, err := o.eng.Evidence(r.Context(),
			strField(b, "taskId"), strField(b, "link"), strField(b, "note"), strField(b, "actorGroup"))
		if err != nil {
			return nil, err
		}
		out := taskEnvelope(task)
		out["evidenceCount"] = len(task.Metadata.Evidence)
		return out, nil
	})(w, r)
}

func (o *ops) evidenceBulk(w http.ResponseWriter, r *http.Request) {
	o.handle("evidenceBulk", func(b map[string]any, r *http.Request) (any, error) {
		task, err := o.eng.EvidenceBulk(r.Context(),
			strField(b, "taskId"), stringsField(b, "links"), strField(b, "note"), strField(b, "actorGroup"))
		if err != nil {
			return nil, err
		}
		out := taskEnvelope(task)
		out["evidenceCount"] = len(task.Metadata.Evidence)
		return out, nil
	})(w, r)
}

func (o *ops) docsUpdated(w http.ResponseWriter, r *http.Request) {
	o.handle("docsUpdated", func(b map[string]any, r *http.Request) (any, error) {
		task, err := o.eng.DocsUpdated(r.Context(), strField(b, "taskId"), boolField(b, "docsUpdated"), strField(b, "actorGroup"))
		if err != nil {
			return nil, err
		}
		return taskEnvelope(task), nil
	})(w, r)
}

func (o *ops) notificationsMarkRead(w http.ResponseWriter, r *http.Request) {
	o.handle("notificationsMarkRead", func(b map[string]any, r *http.Request) (any, error) {
		rawIDs, _ := b["ids"].([]any)
		ids := make([]int64, 0, len(rawIDs))
		for _, v := range rawIDs {
			if f, ok := v.(float64); ok {
				ids = append(ids, int64(f))
			}
		}
		n, err := o.store.MarkNotificationsReadByIDs(r.Context(), ids)
		if err != nil {
			return nil, engine.InternalError(err)
		}
		return map[string]any{"markedCount": n}, nil
	})(w, r)
}

func (o *ops) chat(w http.ResponseWriter, r *http.Request) {
	o.handle("chat", func(b map[string]any, r *http.Request) (any, error) {
		msg, err := o.store.PostMessage(r.Context(), strField(b, "topicId"), strField(b, "actor"), strField(b, "body"))
		if err != nil {
			if err == persistence.ErrTopicNotFound {
				return nil, engine.PolicyDenyError("NOT_FOUND", "topic not found")
			}
			return nil, engine.InternalError(err)
		}
		return map[string]any{"messageId": msg.ID, "topicId": msg.TopicID}, nil
	})(w, r)
}

func (o *ops) topic(w http.ResponseWriter, r *http.Request) {
	o.handle("topic", func(b map[string]any, r *http.Request) (any, error) {
		t := persistence.Topic{
			ID:          persistence.NewTopicID(),
			GroupFolder: strField(b, "groupFolder"),
			Title:       strField(b, "title"),
			Status:      persistence.TopicActive,
			GroupJID:    strField(b, "groupJid"),
		}
		if err := o.store.CreateTopic(r.Context(), t); err != nil {
			return nil, engine.InternalError(err)
		}
		return map[string]any{"topicId": t.ID}, nil
	})(w, r)
}

func taskEnvelope(t persistence.Task) map[string]any {
	return map[string]any{
		"taskId":  t.ID,
		"state":   t.State,
		"version": t.Version,
	}
}

// --- GET read endpoints ---

func (o *ops) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := o.store.GetTask(r.Context(), id)
	if err != nil {
		if err == persistence.ErrTaskNotFound {
			writeJSONError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"task": t})
}

func (o *ops) getTaskActivities(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	activities, err := o.store.ListActivities(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"activities": activities})
}

func (o *ops) getTopics(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	topics, err := o.store.ListTopics(r.Context(), group)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"topics": topics})
}

func (o *ops) getMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	before := int64(queryInt(r, "before", 0))
	messages, groupJID, err := o.store.ListRecentMessages(r.Context(), limit, before)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var jid any
	if groupJID != "" {
		jid = groupJID
	}
	writeOK(w, map[string]any{"messages": messages, "group_jid": jid})
}

func (o *ops) getNotifications(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("target_group")
	unreadOnly := r.URL.Query().Get("unread_only") == "1"
	limit := queryInt(r, "limit", 100)
	notifications, err := o.store.ListNotifications(r.Context(), group, unreadOnly, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"notifications": notifications})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

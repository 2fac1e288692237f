package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/basket/govctl/internal/engine"
)

// errorEnvelope is the uniform failure shape every /ops/* endpoint returns,
// per spec.md §4.6/§7: `{ok:false, error, code}`.
type errorEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{OK: false, Error: message})
}

// writeEngineError maps an engine.Error's Kind to the HTTP status §7
// assigns it and echoes its message and reason code.
func writeEngineError(w http.ResponseWriter, err error) {
	ee, ok := err.(*engine.Error)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, _ := engine.HTTPStatus(ee.Kind)
	writeJSON(w, status, errorEnvelope{OK: false, Error: ee.Message, Code: ee.Code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	body := map[string]any{"ok": true}
	if m, isMap := v.(map[string]any); isMap {
		for k, val := range m {
			body[k] = val
		}
	} else {
		body["data"] = v
	}
	_ = json.NewEncoder(w).Encode(body)
}

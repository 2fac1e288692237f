package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/basket/govctl/internal/bus"
	"github.com/basket/govctl/internal/config"
	"github.com/basket/govctl/internal/engine"
	"github.com/basket/govctl/internal/persistence"
	"github.com/basket/govctl/internal/policy"
)

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "govctl.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pol := policy.NewLivePolicy(policy.Default(), "")
	eng := engine.New(store, pol)

	cfg := config.Config{
		BindAddr:            "127.0.0.1:0",
		OSHTTPSecret:        "read-secret-value-0123456789",
		WriteSecretCurrent:  "write-secret-value-0123456789",
		WriteSecretPrevious: "old-write-secret-0123456789",
		CORS:                config.CORSConfig{AllowedOrigins: []string{"*"}},
		RateLimit:           config.RateLimitConfig{RequestsPerMinute: 10000, BurstSize: 10000},
	}
	srv := New(&cfg, eng, store)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, eng, store
}

func doRequest(t *testing.T, ts *httptest.Server, method, path string, body map[string]any, withWrite bool) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-OS-SECRET", "read-secret-value-0123456789")
	if withWrite {
		req.Header.Set("X-WRITE-SECRET", "write-secret-value-0123456789")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestCreateTask_HappyPath(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, body := doRequest(t, ts, http.MethodPost, "/ops/actions/create", map[string]any{
		"title":      "Ship the thing",
		"taskType":   "FEATURE",
		"actorGroup": "main",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body)
	}
	if body["taskId"] == "" || body["taskId"] == nil {
		t.Fatalf("expected a taskId, got %v", body)
	}
}

func TestCreateTask_MissingWriteSecretRejected(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, body := doRequest(t, ts, http.MethodPost, "/ops/actions/create", map[string]any{
		"title":      "Ship the thing",
		"taskType":   "FEATURE",
		"actorGroup": "main",
	}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", resp.StatusCode, body)
	}
}

func TestCreateTask_SchemaRejectsLongTitle(t *testing.T) {
	ts, _, _ := newTestServer(t)
	longTitle := make([]byte, 200)
	for i := range longTitle {
		longTitle[i] = 'x'
	}
	resp, body := doRequest(t, ts, http.MethodPost, "/ops/actions/create", map[string]any{
		"title":      string(longTitle),
		"taskType":   "FEATURE",
		"actorGroup": "main",
	}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %v", resp.StatusCode, body)
	}
}

func TestGetTask_NotFoundMapsTo404(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, body := doRequest(t, ts, http.MethodGet, "/ops/tasks/gov-does-not-exist", nil, false)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", resp.StatusCode, body)
	}
}

func TestTransition_StaleVersionMapsTo409(t *testing.T) {
	ts, _, _ := newTestServer(t)
	_, created := doRequest(t, ts, http.MethodPost, "/ops/actions/create", map[string]any{
		"title":      "Ship the thing",
		"taskType":   "FEATURE",
		"actorGroup": "main",
	}, true)
	taskID, _ := created["taskId"].(string)

	stale := 99
	resp, body := doRequest(t, ts, http.MethodPost, "/ops/actions/transition", map[string]any{
		"taskId":          taskID,
		"toState":         "TRIAGED",
		"reason":          "moving along",
		"actorGroup":      "main",
		"expectedVersion": stale,
	}, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "STALE_VERSION" {
		t.Fatalf("expected STALE_VERSION code, got %v", body)
	}
}

func TestHealthz_SkipsAuth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTopicAndMessages_RoundTrip(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, topicBody := doRequest(t, ts, http.MethodPost, "/ops/actions/topic", map[string]any{
		"groupFolder": "main",
		"title":       "Launch planning",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, topicBody)
	}
	topicID, _ := topicBody["topicId"].(string)

	resp, chatBody := doRequest(t, ts, http.MethodPost, "/ops/actions/chat", map[string]any{
		"topicId": topicID,
		"actor":   "main",
		"body":    "kicking things off",
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, chatBody)
	}

	resp, feed := doRequest(t, ts, http.MethodGet, "/ops/messages?limit=10", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, feed)
	}
	messages, ok := feed["messages"].([]any)
	if !ok || len(messages) != 1 {
		t.Fatalf("expected one message in the feed, got %v", feed)
	}
}

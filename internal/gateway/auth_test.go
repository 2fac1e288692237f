package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_SkipsHealthzAndMetrics(t *testing.T) {
	am := NewAuthMiddleware("os-secret", "write-current", "write-previous")
	handler := am.Wrap(noopHandler())

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200 without any secret, got %d", path, rec.Code)
		}
	}
}

func TestAuthMiddleware_RejectsMissingReadSecret(t *testing.T) {
	am := NewAuthMiddleware("os-secret", "write-current", "write-previous")
	handler := am.Wrap(noopHandler())

	req := httptest.NewRequest(http.MethodGet, "/ops/tasks/gov-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_GETOnlyNeedsReadSecret(t *testing.T) {
	am := NewAuthMiddleware("os-secret", "write-current", "write-previous")
	handler := am.Wrap(noopHandler())

	req := httptest.NewRequest(http.MethodGet, "/ops/tasks/gov-1", nil)
	req.Header.Set("X-OS-SECRET", "os-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_POSTRequiresWriteSecret(t *testing.T) {
	am := NewAuthMiddleware("os-secret", "write-current", "write-previous")
	handler := am.Wrap(noopHandler())

	req := httptest.NewRequest(http.MethodPost, "/ops/actions/create", nil)
	req.Header.Set("X-OS-SECRET", "os-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without write secret, got %d", rec.Code)
	}
}

func TestAuthMiddleware_AcceptsPreviousWriteSecretDuringRotation(t *testing.T) {
	am := NewAuthMiddleware("os-secret", "write-current", "write-previous")
	handler := am.Wrap(noopHandler())

	req := httptest.NewRequest(http.MethodPost, "/ops/actions/create", nil)
	req.Header.Set("X-OS-SECRET", "os-secret")
	req.Header.Set("X-WRITE-SECRET", "write-previous")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with previous write secret, got %d", rec.Code)
	}
}

func TestAuthMiddleware_RejectsWrongWriteSecret(t *testing.T) {
	am := NewAuthMiddleware("os-secret", "write-current", "write-previous")
	handler := am.Wrap(noopHandler())

	req := httptest.NewRequest(http.MethodPost, "/ops/actions/create", nil)
	req.Header.Set("X-OS-SECRET", "os-secret")
	req.Header.Set("X-WRITE-SECRET", "not-it")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong write secret, got %d", rec.Code)
	}
}

func TestConstantTimeEquals_EmptyExpectedNeverMatches(t *testing.T) {
	if constantTimeEquals("", "") {
		t.Fatal("empty candidate against empty expected must not authenticate")
	}
	if constantTimeEquals("anything", "") {
		t.Fatal("any candidate against empty expected must not authenticate")
	}
}

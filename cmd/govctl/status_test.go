package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRunStatusCommand_HealthyServerExitsZero(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true,"status":"healthy"}`))
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	code := runStatusCommand(context.Background(), []string{"-addr", u.Host})
	if code != 0 {
		t.Fatalf("expected status to exit 0 against a healthy server, got %d", code)
	}
}

func TestRunStatusCommand_UnreachableServerExitsNonzero(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"-addr", "127.0.0.1:1"})
	if code != 1 {
		t.Fatalf("expected status to exit 1 against an unreachable address, got %d", code)
	}
}

func TestRunStatusCommand_NonOKStatusExitsNonzero(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	code := runStatusCommand(context.Background(), []string{"-addr", u.Host})
	if code != 1 {
		t.Fatalf("expected status to exit 1 against a 503 response, got %d", code)
	}
}

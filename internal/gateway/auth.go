package gateway

import (
	"crypto/subtle"
	"net/http"
)

// AuthMiddleware enforces the dual-secret scheme from spec.md §4.6/§6:
// every request needs X-OS-SECRET; mutating requests additionally need
// X-WRITE-SECRET, checked against either the current or previous write
// secret so a rotation has a grace period.
type AuthMiddleware struct {
	osSecret      string
	writeCurrent  string
	writePrevious string
}

// NewAuthMiddleware builds an AuthMiddleware from the loaded config's
// secrets.
func NewAuthMiddleware(osSecret, writeCurrent, writePrevious string) *AuthMiddleware {
	return &AuthMiddleware{
		osSecret:      osSecret,
		writeCurrent:  writeCurrent,
		writePrevious: writePrevious,
	}
}

// Wrap enforces X-OS-SECRET on every request except /healthz and /metrics,
// and X-WRITE-SECRET on any request whose method mutates state.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if !constantTimeEquals(r.Header.Get("X-OS-SECRET"), am.osSecret) {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid X-OS-SECRET")
			return
		}

		if isMutatingMethod(r.Method) {
			write := r.Header.Get("X-WRITE-SECRET")
			if write == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing X-WRITE-SECRET")
				return
			}
			if !constantTimeEquals(write, am.writeCurrent) && !constantTimeEquals(write, am.writePrevious) {
				writeJSONError(w, http.StatusUnauthorized, "invalid X-WRITE-SECRET")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func isMutatingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// constantTimeEquals compares two secrets without leaking their length
// difference through early return, short-circuiting only the trivial
// empty-expected case (an unset secret never authenticates).
func constantTimeEquals(candidate, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(expected)) == 1
}

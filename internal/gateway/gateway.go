// Package gateway implements the single-port HTTP surface §4.6 describes:
// a dual-secret authenticated, rate-limited, CORS-aware REST API over the
// governance engine and its read-side persistence queries. It replaces the
// teacher's JSON-RPC/WebSocket agent-cockpit surface entirely — this
// system has no streaming session concept, only request/response commands.
package gateway

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/govctl/internal/config"
	"github.com/basket/govctl/internal/engine"
	govotel "github.com/basket/govctl/internal/otel"
	"github.com/basket/govctl/internal/persistence"
)

// Server is the /ops/* HTTP surface: one process, one port, one mux.
type Server struct {
	httpServer *http.Server
	metrics    *govotel.Metrics
	tracer     trace.Tracer
}

// New builds the gateway's handler chain: CORS, rate limiting, dual-secret
// auth, then the ops router, each wrapping the next the way the teacher's
// middleware stack composes.
func New(cfg *config.Config, eng *engine.Engine, store *persistence.Store) *Server {
	o := newOps(eng, store)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", handleMetricsPlaceholder)

	mux.HandleFunc("POST /ops/actions/create", o.create)
	mux.HandleFunc("POST /ops/actions/transition", o.transition)
	mux.HandleFunc("POST /ops/actions/assign", o.assign)
	mux.HandleFunc("POST /ops/actions/approve", o.approve)
	mux.HandleFunc("POST /ops/actions/override", o.override)
	mux.HandleFunc("POST /ops/actions/comment", o.comment)
	mux.HandleFunc("POST /ops/actions/dod", o.dod)
	mux.HandleFunc("POST /ops/actions/evidence", o.evidence)
	mux.HandleFunc("POST /ops/actions/evidence/bulk", o.evidenceBulk)
	mux.HandleFunc("POST /ops/actions/docsUpdated", o.docsUpdated)
	mux.HandleFunc("POST /ops/actions/notifications/markRead", o.notificationsMarkRead)
	mux.HandleFunc("POST /ops/actions/chat", o.chat)
	mux.HandleFunc("POST /ops/actions/topic", o.topic)

	mux.HandleFunc("GET /ops/tasks/{id}", o.getTask)
	mux.HandleFunc("GET /ops/tasks/{id}/activities", o.getTaskActivities)
	mux.HandleFunc("GET /ops/topics", o.getTopics)
	mux.HandleFunc("GET /ops/messages", o.getMessages)
	mux.HandleFunc("GET /ops/notifications", o.getNotifications)

	auth := NewAuthMiddleware(cfg.OSHTTPSecret, cfg.WriteSecretCurrent, cfg.WriteSecretPrevious)
	rateLimit := NewRateLimitMiddleware(cfg.RateLimit)
	cors := NewCORSMiddleware(cfg.CORS)

	var handler http.Handler = mux
	handler = auth.Wrap(handler)
	handler = rateLimit.Wrap(handler)
	handler = RequestSizeLimitMiddleware(maxBodyBytes)(handler)
	handler = cors(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// WithTelemetry attaches a tracer/metrics instrument set; wraps the handler
// with a counting middleware so every request increments
// govctl.gateway.requests by route and status.
func (s *Server) WithTelemetry(tracer trace.Tracer, metrics *govotel.Metrics) *Server {
	s.tracer = tracer
	s.metrics = metrics
	if metrics != nil {
		s.httpServer.Handler = s.instrumentRequests(s.httpServer.Handler)
	}
	return s
}

func (s *Server) instrumentRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.GatewayRequests.Add(r.Context(), 1, metric.WithAttributes(
			govotel.AttrRoute.String(r.URL.Path),
		))
		if rec.status == http.StatusUnauthorized || rec.status == http.StatusTooManyRequests {
			s.metrics.GatewayRejections.Add(r.Context(), 1, metric.WithAttributes(
				govotel.AttrRoute.String(r.URL.Path),
			))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ListenAndServe blocks serving the gateway until ctx is canceled or the
// server errors out on its own.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "healthy"})
}

// handleMetricsPlaceholder answers /metrics with a minimal liveness body.
// The real Prometheus exposition is wired by whichever otel exporter
// cmd/govctl configures (§6); this endpoint only has to exist so auth and
// rate-limit middleware can recognize and skip it.
func handleMetricsPlaceholder(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("# metrics served by the configured otel exporter\n"))
}

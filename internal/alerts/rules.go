// Package alerts watches worker, dispatch, and breaker events on the event
// bus and turns them into deduplicated notifications over an injectable
// send transport, per the three rules in the governance spec: a
// worker-offline grace timer, a dispatch-failure sliding window, and an
// immediate breaker-open alert.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/govctl/internal/bus"
	govotel "github.com/basket/govctl/internal/otel"
)

// Sender delivers an alert's text body. Production wires telegram.go;
// tests inject a mock.
type Sender func(text string) error

// Config holds the alert engine's dependencies and tuning knobs.
type Config struct {
	Bus    *bus.Bus
	Logger *slog.Logger
	Send   Sender

	// WorkerOfflineGrace is how long a worker:status "offline" event sits
	// before firing, unless countered by an "online" event for the same
	// worker. Defaults to 120s.
	WorkerOfflineGrace time.Duration

	// DispatchFailThreshold is the failure count within DispatchFailWindow
	// that triggers one alert. Defaults to 5.
	DispatchFailThreshold int
	DispatchFailWindow    time.Duration // defaults to 5m

	// DedupWindow bounds repeat alerts for the same (rule, subject) pair.
	// Defaults to 10m.
	DedupWindow time.Duration

	Metrics *govotel.Metrics
}

// Engine is the running alert rule evaluator.
type Engine struct {
	bus     *bus.Bus
	send    Sender
	logger  *slog.Logger
	metrics *govotel.Metrics

	workerOfflineGrace    time.Duration
	dispatchFailThreshold int
	dispatchFailWindow    time.Duration
	dedupWindow           time.Duration

	mu            sync.Mutex
	offlineTimers map[string]*time.Timer
	dispatchFails []time.Time
	lastAlertAt   map[string]time.Time

	subs   []*bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine. Call Start to begin consuming bus events.
func New(cfg Config) *Engine {
	send := cfg.Send
	if send == nil {
		send = func(string) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.WorkerOfflineGrace
	if grace <= 0 {
		grace = 120 * time.Second
	}
	threshold := cfg.DispatchFailThreshold
	if threshold <= 0 {
		threshold = 5
	}
	window := cfg.DispatchFailWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	dedup := cfg.DedupWindow
	if dedup <= 0 {
		dedup = 10 * time.Minute
	}

	return &Engine{
		bus:                   cfg.Bus,
		send:                  send,
		logger:                logger,
		metrics:               cfg.Metrics,
		workerOfflineGrace:    grace,
		dispatchFailThreshold: threshold,
		dispatchFailWindow:    window,
		dedupWindow:           dedup,
		offlineTimers:         make(map[string]*time.Timer),
		lastAlertAt:           make(map[string]time.Time),
	}
}

// Start subscribes to the bus and evaluates rules until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	worker := e.bus.Subscribe(bus.TopicWorkerStatus)
	dispatch := e.bus.Subscribe(bus.TopicDispatchLifecycle)
	breaker := e.bus.Subscribe(bus.TopicBreakerState)
	e.subs = []*bus.Subscription{worker, dispatch, breaker}

	e.wg.Add(1)
	go e.loop(ctx, worker, dispatch, breaker)
}

// Stop cancels the run loop, waits for it to exit, unsubscribes, and stops
// any pending worker-offline timers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub)
	}

	e.mu.Lock()
	for _, t := range e.offlineTimers {
		t.Stop()
	}
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context, worker, dispatch, breaker *bus.Subscription) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-worker.Ch():
			e.handleWorkerStatus(ev)
		case ev := <-dispatch.Ch():
			e.handleDispatchLifecycle(ev)
		case ev := <-breaker.Ch():
			e.handleBreakerState(ev)
		}
	}
}

// decodePayload recovers a typed event from a bus.Event's payload, which
// has already been round-tripped through JSON by the bus's secret-scrubbing
// step and so arrives as a generic map, not the original struct.
func decodePayload(payload any, target any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

func (e *Engine) handleWorkerStatus(ev bus.Event) {
	var ws bus.WorkerStatusEvent
	if err := decodePayload(ev.Payload, &ws); err != nil || ws.WorkerID == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch ws.Status {
	case "online":
		if t, ok := e.offlineTimers[ws.WorkerID]; ok {
			t.Stop()
			delete(e.offlineTimers, ws.WorkerID)
		}
	case "offline":
		if _, ok := e.offlineTimers[ws.WorkerID]; ok {
			return
		}
		workerID := ws.WorkerID
		e.offlineTimers[workerID] = time.AfterFunc(e.workerOfflineGrace, func() {
			e.mu.Lock()
			delete(e.offlineTimers, workerID)
			e.mu.Unlock()
			e.fire("worker_offline", workerID,
				fmt.Sprintf("Worker %s has been offline for over %s", workerID, e.workerOfflineGrace))
		})
	}
}

func (e *Engine) handleDispatchLifecycle(ev bus.Event) {
	var dl bus.DispatchLifecycleEvent
	if err := decodePayload(ev.Payload, &dl); err != nil || dl.Status != "FAILED" {
		return
	}

	now := time.Now()
	e.mu.Lock()
	cutoff := now.Add(-e.dispatchFailWindow)
	kept := e.dispatchFails[:0]
	for _, t := range e.dispatchFails {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.dispatchFails = kept
	count := len(e.dispatchFails)
	e.mu.Unlock()

	if count < e.dispatchFailThreshold {
		return
	}
	e.fire("dispatch_failures", "global",
		fmt.Sprintf("%d dispatch failures in the last %s", count, e.dispatchFailWindow))
}

func (e *Engine) handleBreakerState(ev bus.Event) {
	var bse bus.BreakerStateEvent
	if err := decodePayload(ev.Payload, &bse); err != nil || bse.State != "OPEN" {
		return
	}
	e.fire("breaker_open", bse.Provider, fmt.Sprintf("Circuit breaker OPEN for provider %s", bse.Provider))
}

// fire dedups by (rule, subject) within dedupWindow, then sends and records
// metrics. Callers must not hold e.mu.
func (e *Engine) fire(rule, subject, body string) {
	key := rule + ":" + subject
	now := time.Now()

	e.mu.Lock()
	if last, ok := e.lastAlertAt[key]; ok && now.Sub(last) < e.dedupWindow {
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.AlertsDedupSkips.Add(context.Background(), 1, metric.WithAttributes(govotel.AttrAlertRule.String(rule)))
		}
		return
	}
	e.lastAlertAt[key] = now
	e.mu.Unlock()

	if err := e.send(body); err != nil {
		e.logger.Error("alerts: send failed", "rule", rule, "subject", subject, "error", err)
	}
	if e.metrics != nil {
		e.metrics.AlertsDispatched.Add(context.Background(), 1, metric.WithAttributes(govotel.AttrAlertRule.String(rule)))
	}
	e.logger.Info("alerts: fired", "rule", rule, "subject", subject)
}

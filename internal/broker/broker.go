// Package broker implements the external-access broker: the single path
// through which a group's code can reach an external provider. Every call
// passes through a fixed authorization order before anything executes, and
// every accepted or denied call leaves one audit row behind — never the
// call's raw parameters, only a keyed hash and a redacted summary.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/govctl/internal/audit"
	"github.com/basket/govctl/internal/bus"
	"github.com/basket/govctl/internal/engine"
	govotel "github.com/basket/govctl/internal/otel"
	"github.com/basket/govctl/internal/persistence"
	"github.com/basket/govctl/internal/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// defaultBackpressureLimit caps how many calls a single group may have in
// flight (authorized or processing) at once, per spec's backpressure check.
const defaultBackpressureLimit = 20

// RequiredLevel resolves the access level an (provider, action) pair
// requires. The broker ships no built-in provider table — callers wire their
// own providers in at construction time, the same way the teacher's
// `coordinator` package takes an injectable retry policy rather than
// hardcoding one.
type RequiredLevel func(provider, action string) (level int, known bool)

// Broker authorizes and records external-access calls.
type Broker struct {
	store             *persistence.Store
	hmacKey           []byte
	requiredLevel     RequiredLevel
	backpressureLimit int
	tracer            trace.Tracer
	metrics           *govotel.Metrics
}

// New constructs a Broker. hmacKey signs the canonicalized parameter bytes
// stored alongside every call; it is never itself persisted.
func New(store *persistence.Store, hmacKey []byte, requiredLevel RequiredLevel) *Broker {
	return &Broker{
		store:             store,
		hmacKey:           hmacKey,
		requiredLevel:     requiredLevel,
		backpressureLimit: defaultBackpressureLimit,
	}
}

// WithBackpressureLimit overrides the default per-group inflight-call cap.
func (b *Broker) WithBackpressureLimit(n int) *Broker {
	b.backpressureLimit = n
	return b
}

// WithTelemetry attaches a tracer and metric instruments to every call the
// broker authorizes or completes afterward.
func (b *Broker) WithTelemetry(tracer trace.Tracer, metrics *govotel.Metrics) *Broker {
	b.tracer = tracer
	b.metrics = metrics
	return b
}

// Request is one call a group wants the broker to authorize.
type Request struct {
	Group          string
	Provider       string
	Action         string
	Params         map[string]any
	TaskID         string
	IdempotencyKey string
	ActorIsMain    bool
}

// Result is what the caller gets back on a successful authorization: a
// request id to hand to Complete once the external executor finishes, or —
// for a replayed idempotent call — the prior terminal call returned in full.
type Result struct {
	RequestID string
	Replayed  bool
	Prior     *persistence.ExtCall
}

func paramsSummary(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, describeValue(params[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// describeValue names a parameter's shape without exposing its value —
// length for strings, type name for everything else — so a params_summary
// can explain what was sent without ever echoing a secret.
func describeValue(v any) string {
	switch t := v.(type) {
	case string:
		return fmt.Sprintf("string(%d)", len(t))
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return fmt.Sprintf("array(%d)", len(t))
	case map[string]any:
		return fmt.Sprintf("object(%d)", len(t))
	case nil:
		return "null"
	default:
		return "unknown"
	}
}

func canonicalJSON(params map[string]any) []byte {
	if params == nil {
		params = map[string]any{}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]struct {
		K string
		V any
	}, len(keys))
	for i, k := range keys {
		ordered[i] = struct {
			K string
			V any
		}{k, params[k]}
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, kv := range ordered {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(kv.K)
		vb, _ := json.Marshal(kv.V)
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "extcall_" + hex.EncodeToString(buf)
}

// Authorize runs the fixed authorization order from first failure: capability
// lookup, deny-wins, allowed-actions, access-level envelope, task binding,
// backpressure, idempotency replay. On success it writes one `authorized`
// ext_calls row (or returns the prior `executed` row unchanged, for an
// idempotent replay) and hands back the request id for Complete to close out.
func (b *Broker) Authorize(ctx context.Context, req Request) (result Result, err error) {
	start := time.Now()
	if b.tracer != nil {
		var span trace.Span
		ctx, span = govotel.StartClientSpan(ctx, b.tracer, "broker.Authorize",
			govotel.AttrGroup.String(req.Group), govotel.AttrProvider.String(req.Provider), govotel.AttrAction.String(req.Action))
		defer func() {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}
	defer func() {
		if b.metrics != nil {
			b.metrics.BrokerAuthorize.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(govotel.AttrProvider.String(req.Provider), govotel.AttrAction.String(req.Action)))
			if result.Replayed {
				b.metrics.BrokerReplays.Add(ctx, 1, metric.WithAttributes(govotel.AttrProvider.String(req.Provider)))
			}
		}
	}()

	if req.IdempotencyKey != "" {
		prior, err := b.store.FindExtCallByIdempotencyKey(ctx, req.Provider, req.Action, req.IdempotencyKey)
		if err == nil && prior.Status == persistence.ExtCallExecuted {
			return Result{RequestID: prior.RequestID, Replayed: true, Prior: &prior}, nil
		}
	}

	grant, err := b.store.GetCapability(ctx, req.Group, req.Provider)
	if err != nil || !grant.Active || (grant.ExpiresAt != nil && grant.ExpiresAt.Before(time.Now())) {
		return Result{}, b.deny(ctx, req, 0, "NO_CAPABILITY", "no active, unexpired capability grant for this provider")
	}

	for _, denied := range grant.DeniedActions {
		if denied == req.Action {
			return Result{}, b.deny(ctx, req, grant.AccessLevel, "DENIED_BY_POLICY", "action is explicitly denied for this group/provider")
		}
	}

	if len(grant.AllowedActions) > 0 {
		allowed := false
		for _, a := range grant.AllowedActions {
			if a == req.Action {
				allowed = true
				break
			}
		}
		if !allowed {
			return Result{}, b.deny(ctx, req, grant.AccessLevel, "NOT_ALLOWED", "action is not in the allowed-actions set")
		}
	}

	required, known := b.requiredLevel(req.Provider, req.Action)
	if !known {
		return Result{}, b.deny(ctx, req, grant.AccessLevel, "NOT_ALLOWED", "action has no registered access-level requirement")
	}
	if grant.AccessLevel < required {
		return Result{}, b.deny(ctx, req, grant.AccessLevel, "NOT_ALLOWED", "grant's access level is below what this action requires")
	}

	if req.TaskID != "" {
		task, err := b.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return Result{}, b.deny(ctx, req, grant.AccessLevel, "NOT_ALLOWED", "bound task does not exist")
		}
		if task.State != string(policy.StateDoing) && task.State != string(policy.StateApproval) {
			return Result{}, b.deny(ctx, req, grant.AccessLevel, "NOT_ALLOWED", "bound task is not in DOING or APPROVAL")
		}
		if !req.ActorIsMain && task.AssignedGroup != req.Group {
			return Result{}, b.deny(ctx, req, grant.AccessLevel, "NOT_ALLOWED", "bound task is not assigned to this group")
		}
	}

	pending, err := b.store.CountPendingExtCalls(ctx, req.Group)
	if err != nil {
		return Result{}, engine.InternalError(err)
	}
	if pending >= b.backpressureLimit {
		return Result{}, b.denyCapacity(ctx, req, grant.AccessLevel, "too many calls already in flight for this group")
	}

	requestID := newRequestID()
	hash := persistence.HashParams(b.hmacKey, canonicalJSON(req.Params))
	call := persistence.ExtCall{
		RequestID:      requestID,
		GroupFolder:    req.Group,
		Provider:       req.Provider,
		Action:         req.Action,
		AccessLevel:    grant.AccessLevel,
		ParamsHMAC:     hash,
		ParamsSummary:  paramsSummary(req.Params),
		Status:         persistence.ExtCallAuthorized,
		TaskID:         req.TaskID,
		IdempotencyKey: req.IdempotencyKey,
	}
	tx, err := b.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return Result{}, engine.InternalError(err)
	}
	if err := persistence.CreateExtCallTx(ctx, tx, call); err != nil {
		tx.Rollback()
		return Result{}, engine.InternalError(err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, engine.InternalError(err)
	}
	return Result{RequestID: requestID}, nil
}

// recordDenial writes a denied ext_calls row. Best effort: a failure to
// record the denial still leaves the caller with the denial itself, since
// the whole point of this path is to never let a denied call through even
// if its own audit write fails.
func (b *Broker) recordDenial(ctx context.Context, req Request, accessLevel int, code string) {
	requestID := newRequestID()
	hash := persistence.HashParams(b.hmacKey, canonicalJSON(req.Params))
	call := persistence.ExtCall{
		RequestID:     requestID,
		GroupFolder:   req.Group,
		Provider:      req.Provider,
		Action:        req.Action,
		AccessLevel:   accessLevel,
		ParamsHMAC:    hash,
		ParamsSummary: paramsSummary(req.Params),
		Status:        persistence.ExtCallDenied,
		DenialReason:  code,
		TaskID:        req.TaskID,
	}
	tx, err := b.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return
	}
	if err := persistence.CreateExtCallTx(ctx, tx, call); err == nil {
		tx.Commit()
	} else {
		tx.Rollback()
		return
	}
	audit.Record("deny", req.Provider+":"+req.Action, code, "", req.Group)
}

// deny records the denial and returns the policy-deny error the gateway
// maps to its 400 status, per the error taxonomy's POLICY_DENY row (invalid
// transition, incomplete DoD, gate not approved — and, here, capability/
// allowed-actions/task-binding denials).
func (b *Broker) deny(ctx context.Context, req Request, accessLevel int, code, message string) error {
	b.recordDenial(ctx, req, accessLevel, code)
	if b.metrics != nil {
		b.metrics.BrokerDenials.Add(ctx, 1, metric.WithAttributes(govotel.AttrProvider.String(req.Provider), attribute.String("code", code)))
	}
	return engine.PolicyDenyError(code, message)
}

// denyCapacity is the BACKPRESSURE carve-out: capacity exhaustion is a 429,
// not a 400, per the taxonomy's CAPACITY row.
func (b *Broker) denyCapacity(ctx context.Context, req Request, accessLevel int, message string) error {
	b.recordDenial(ctx, req, accessLevel, "BACKPRESSURE")
	if b.metrics != nil {
		b.metrics.BrokerDenials.Add(ctx, 1, metric.WithAttributes(govotel.AttrProvider.String(req.Provider), attribute.String("code", "BACKPRESSURE")))
	}
	return engine.CapacityError(message)
}

// Complete records the external executor's outcome for a previously
// authorized call. response_data is scrubbed of secret-shaped keys before it
// ever touches the database — the same forbidden-key pattern the bus applies
// to every published event.
func (b *Broker) Complete(ctx context.Context, requestID, status, resultSummary string, responseData []byte, durationMs *int64) error {
	if b.tracer != nil {
		var span trace.Span
		ctx, span = govotel.StartSpan(ctx, b.tracer, "broker.Complete")
		defer span.End()
	}
	scrubbed := bus.ScrubJSON(responseData)
	tx, err := b.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := persistence.UpdateExtCallStatusTx(ctx, tx, requestID, status, resultSummary, string(scrubbed), durationMs); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

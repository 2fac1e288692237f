// Package engine implements the governance command set: the only code path
// allowed to mutate a task, approval, or activity row. Every command opens
// exactly one transaction, validates against the policy kernel, writes its
// effects, commits, and only then publishes a bus event — so a subscriber
// never observes a state the store hasn't durably committed.
package engine

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/basket/govctl/internal/bus"
	govotel "github.com/basket/govctl/internal/otel"
	"github.com/basket/govctl/internal/notify"
	"github.com/basket/govctl/internal/persistence"
	"github.com/basket/govctl/internal/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const maxMetadataBytes = 8192

// Engine wires the policy kernel to the store. It holds no task state of
// its own — every command re-reads the row it needs inside its own
// transaction.
type Engine struct {
	store   *persistence.Store
	pol     *policy.LivePolicy
	tracer  trace.Tracer
	metrics *govotel.Metrics
}

// New builds an Engine over a store and the live policy document.
func New(store *persistence.Store, pol *policy.LivePolicy) *Engine {
	return &Engine{store: store, pol: pol}
}

// WithTelemetry attaches a tracer and metric instruments to every command
// the engine runs afterward. Passing a nil tracer leaves the engine
// uninstrumented, the same zero-overhead-when-disabled contract
// govotel.Init itself gives a disabled Provider.
func (e *Engine) WithTelemetry(tracer trace.Tracer, metrics *govotel.Metrics) *Engine {
	e.tracer = tracer
	e.metrics = metrics
	return e
}

// instrument starts a span (if a tracer is attached) for one governance
// command and returns a finish func that records its duration, marks the
// span with the outcome, and increments the error counter on failure.
func (e *Engine) instrument(ctx context.Context, command string) (context.Context, func(err error)) {
	start := time.Now()
	if e.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := govotel.StartSpan(ctx, e.tracer, "engine."+command, govotel.AttrCommand.String(command))
	return ctx, func(err error) {
		if e.metrics != nil {
			e.metrics.CommandDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(govotel.AttrCommand.String(command)))
			if err != nil {
				kind := "UNKNOWN"
				if ee, ok := err.(*Error); ok {
					kind = string(ee.Kind)
				}
				e.metrics.CommandErrors.Add(ctx, 1,
					metric.WithAttributes(govotel.AttrCommand.String(command), attribute.String("kind", kind)))
			}
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

func isMain(actorGroup string) bool {
	return strings.EqualFold(actorGroup, "main")
}

func metadataTooLarge(m persistence.Metadata) bool {
	b, err := m.MarshalJSON()
	if err != nil {
		return true
	}
	return len(b) > maxMetadataBytes
}

// CreateInput is the caller-supplied subset of a new task. Fields left at
// their zero value are filled in from the task type's template.
type CreateInput struct {
	Title         string
	Description   string
	TaskType      string
	Priority      string
	Scope         string
	ProductID     string
	AssignedGroup string
	Executor      string
	Gate          string
	DodRequired   bool
	DodChecklist  []string
	ActorGroup    string
}

// CreateResult is what Create hands back on success.
type CreateResult struct {
	TaskID string
	State  string
}

// Create writes a fresh task in INBOX. Only main may create.
func (e *Engine) Create(ctx context.Context, in CreateInput) (result CreateResult, err error) {
	ctx, finish := e.instrument(ctx, "Create")
	defer func() { finish(err) }()
	if !isMain(in.ActorGroup) {
		return CreateResult{}, forbiddenError(policy.ReasonForbidden, "only main may create tasks")
	}
	title := strings.TrimSpace(in.Title)
	if len(title) == 0 || len(title) > 140 {
		return CreateResult{}, validationError("title must be 1..140 characters")
	}

	scope := strings.ToUpper(strings.TrimSpace(in.Scope))
	if scope == "" {
		scope = "COMPANY"
	}
	productID := strings.TrimSpace(in.ProductID)
	coerced := false
	switch scope {
	case "COMPANY":
		if productID != "" {
			return CreateResult{}, validationError("scope=COMPANY must not carry a product_id")
		}
	case "PRODUCT":
		if productID == "" {
			scope = "COMPANY"
			coerced = true
		} else {
			usable, err := e.store.ProductUsable(ctx, productID)
			if err != nil {
				return CreateResult{}, internalError(err)
			}
			if !usable {
				return CreateResult{}, validationError("product is unknown or killed")
			}
		}
	default:
		return CreateResult{}, validationError("scope must be COMPANY or PRODUCT")
	}

	template := policy.TemplateFor(in.TaskType)
	gate := strings.TrimSpace(in.Gate)
	if gate == "" {
		gate = template.Gate
	}
	if gate == "" {
		gate = "None"
	}
	assignedGroup := strings.TrimSpace(in.AssignedGroup)
	if assignedGroup == "" {
		assignedGroup = template.AssignedGroup
	}
	dodChecklist := in.DodChecklist
	if len(dodChecklist) == 0 {
		dodChecklist = template.DodChecklist
	}

	priority := strings.TrimSpace(in.Priority)
	if priority == "" {
		priority = "P2"
	}

	task := persistence.Task{
		ID:            persistence.NewTaskID(),
		Title:         title,
		Description:   in.Description,
		TaskType:      strings.ToUpper(strings.TrimSpace(in.TaskType)),
		State:         "INBOX",
		Priority:      priority,
		Scope:         scope,
		ProductID:     productID,
		AssignedGroup: assignedGroup,
		Executor:      in.Executor,
		CreatedBy:     in.ActorGroup,
		Gate:          gate,
		DodRequired:   in.DodRequired,
		Metadata: persistence.Metadata{
			PolicyVersion: e.pol.Version(),
			DodChecklist:  dodChecklist,
		},
	}
	if metadataTooLarge(task.Metadata) {
		return CreateResult{}, validationError("metadata exceeds 8192 bytes")
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := persistence.CreateTaskTx(ctx, tx, task); err != nil {
		return CreateResult{}, internalError(err)
	}
	if coerced {
		if _, err := persistence.AppendActivityTx(ctx, tx, task.ID, persistence.ActionCoerceScope, "", "", "system", "missing product_id, coerced PRODUCT to COMPANY"); err != nil {
			return CreateResult{}, internalError(err)
		}
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, task.ID, persistence.ActionCreate, "", "INBOX", in.ActorGroup, ""); err != nil {
		return CreateResult{}, internalError(err)
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, internalError(err)
	}
	e.store.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: task.ID, From: "", To: "INBOX", Actor: in.ActorGroup})
	return CreateResult{TaskID: task.ID, State: "INBOX"}, nil
}

// Transition moves a task from its current state to toState.
func (e *Engine) Transition(ctx context.Context, taskID, toState, reason, actorGroup string, expectedVersion *int) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "Transition")
	defer func() { finish(err) }()
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := persistence.NoOpTaskTx(ctx, tx, taskID)
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}
	if expectedVersion != nil && *expectedVersion != current.Version {
		return persistence.Task{}, conflictError("STALE_VERSION", "task version is stale")
	}
	from := policy.TaskState(current.State)
	to := policy.TaskState(strings.ToUpper(strings.TrimSpace(toState)))

	if !isMain(actorGroup) && !strings.EqualFold(current.AssignedGroup, actorGroup) {
		return persistence.Task{}, forbiddenError(policy.ReasonForbidden, "only main or the assigned group may transition this task")
	}

	if policy.SameState(from, to) {
		if err := tx.Commit(); err != nil {
			return persistence.Task{}, internalError(err)
		}
		return current, nil
	}

	hasApproval, approvalHasLink := e.approvalState(ctx, tx, taskID, current.Gate)
	input := e.transitionInput(current, reason, hasApproval, approvalHasLink)
	validation := policy.ValidateTransition(from, to, input, e.pol.Strict())
	if !validation.OK {
		return persistence.Task{}, policyDenyError(validation.Errors[0])
	}
	if to == policy.StateDone {
		docsUpdated := current.Metadata.DocsUpdated != nil && *current.Metadata.DocsUpdated
		if dr := policy.ValidateDoneDocs(current.TaskType, docsUpdated); !dr.OK {
			return persistence.Task{}, policyDenyError(dr.Errors[0])
		}
	}

	needsSummary := from == policy.StateDoing && to == policy.StateReview
	updated, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error {
		t.State = string(to)
		return nil
	})
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionTransition, string(from), string(to), actorGroup, reason); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if needsSummary {
		if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionExecutionSummary, "", "", actorGroup, reason); err != nil {
			return persistence.Task{}, internalError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	e.store.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, From: string(from), To: string(to), Actor: actorGroup})
	return updated, nil
}

// Assign updates who a task is assigned to. Only main may assign.
func (e *Engine) Assign(ctx context.Context, taskID, assignedGroup, executor, actorGroup string) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "Assign")
	defer func() { finish(err) }()
	if !isMain(actorGroup) {
		return persistence.Task{}, forbiddenError(policy.ReasonForbidden, "only main may assign tasks")
	}
	assignedGroup = strings.TrimSpace(assignedGroup)
	if assignedGroup == "" {
		return persistence.Task{}, validationError("assigned_group is required")
	}
	if !e.pol.IsKnownGroup(assignedGroup) {
		return persistence.Task{}, validationError("assigned_group is not a known group")
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error {
		t.AssignedGroup = assignedGroup
		if executor != "" {
			t.Executor = executor
		}
		return nil
	})
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionAssign, "", "", actorGroup, "reassigned to "+assignedGroup); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	return updated, nil
}

// Approve records a gate sign-off. checkApprover and checkApproverNotExecutor
// both must pass.
func (e *Engine) Approve(ctx context.Context, taskID, gateType, notes, evidenceLink, actorGroup string) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "Approve")
	defer func() { finish(err) }()
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error { return nil })
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}

	if reason := policy.CheckApprover(gateType, actorGroup, isMain(actorGroup)); reason != "" {
		return persistence.Task{}, forbiddenError(reason, "group is not authorized to approve this gate")
	}
	if reason := policy.CheckApproverNotExecutor(actorGroup, current.Executor); reason != "" {
		return persistence.Task{}, forbiddenError(reason, "the approver may not also be the executor")
	}

	if err := persistence.RecordApprovalTx(ctx, tx, persistence.Approval{
		TaskID: taskID, GateType: gateType, ApprovedBy: actorGroup, Notes: notes, EvidenceLink: evidenceLink,
	}); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionApprove, "", "", actorGroup, "approved gate "+gateType); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	return current, nil
}

// Override records a founder exemption and, if the task currently sits in
// APPROVAL, drives it straight to DONE in the same transaction.
func (e *Engine) Override(ctx context.Context, taskID, reason, acceptedRisk, reviewDeadlineISO, actorGroup string) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "Override")
	defer func() { finish(err) }()
	if !isMain(actorGroup) {
		return persistence.Task{}, forbiddenError(policy.ReasonForbidden, "only main may override")
	}
	if strings.TrimSpace(reason) == "" || strings.TrimSpace(acceptedRisk) == "" || strings.TrimSpace(reviewDeadlineISO) == "" {
		return persistence.Task{}, validationError("override requires reason, acceptedRisk, and reviewDeadlineIso")
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	setAt := time.Now().UTC()
	wasApproval := false
	updated, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error {
		wasApproval = t.State == string(policy.StateApproval)
		t.Metadata.Override = &persistence.OverrideFields{
			By: actorGroup, Reason: reason, AcceptedRisk: acceptedRisk, ReviewDeadlineISO: reviewDeadlineISO, SetAt: setAt,
		}
		if wasApproval {
			t.State = string(policy.StateDone)
		}
		return nil
	})
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionOverride, "", "", actorGroup, reason); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if wasApproval {
		if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionTransition, string(policy.StateApproval), string(policy.StateDone), actorGroup, "override"); err != nil {
			return persistence.Task{}, internalError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if wasApproval {
		e.store.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskID, From: string(policy.StateApproval), To: string(policy.StateDone), Actor: actorGroup})
	}
	return updated, nil
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func sanitizeComment(raw string) (string, error) {
	if len(raw) > 4000 {
		return "", validationError("comment exceeds 4000 characters")
	}
	stripped := htmlTagPattern.ReplaceAllString(raw, "")
	trimmed := strings.TrimSpace(stripped)
	if trimmed == "" {
		return "", validationError("comment is empty after sanitization")
	}
	return trimmed, nil
}

// CommentResult is what Comment hands back: the notified groups, so the
// caller can report who was fanned out to.
type CommentResult struct {
	Task     persistence.Task
	Mentions []string
}

// Comment sanitizes and logs a free-text comment, then fans out a
// notification to every distinct, known @group mention it contains.
func (e *Engine) Comment(ctx context.Context, taskID, text, actor string) (result CommentResult, err error) {
	ctx, finish := e.instrument(ctx, "Comment")
	defer func() { finish(err) }()
	sanitized, err := sanitizeComment(text)
	if err != nil {
		return CommentResult{}, err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" || len(actor) > 50 {
		actor = "cockpit"
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return CommentResult{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error { return nil })
	if err != nil {
		return CommentResult{}, mapTaskMutateErr(err)
	}

	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionCommentAdded, "", "", actor, sanitized); err != nil {
		return CommentResult{}, internalError(err)
	}

	mentions := notify.ParseMentions(sanitized, e.isKnownGroupExact)
	snippet := sanitized
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	var notificationIDs []int64
	for _, group := range mentions {
		id, err := persistence.InsertNotificationTx(ctx, tx, taskID, group, actor, snippet)
		if err != nil {
			return CommentResult{}, internalError(err)
		}
		notificationIDs = append(notificationIDs, id)
	}
	if err := tx.Commit(); err != nil {
		return CommentResult{}, internalError(err)
	}
	for i, group := range mentions {
		e.store.Publish(bus.TopicNotificationAdded, bus.NotificationCreatedEvent{
			NotificationID: notificationIDs[i], TaskID: taskID, TargetGroup: group, Actor: actor, Snippet: snippet,
		})
	}
	return CommentResult{Task: current, Mentions: mentions}, nil
}

// DodItemInput is one caller-supplied checklist entry.
type DodItemInput struct {
	ID   string
	Text string
	Done bool
}

var dodIDPattern = regexp.MustCompile(`^dod-[a-z0-9]+$`)

// DodUpdate rewrites a task's Definition-of-Done checklist and status.
func (e *Engine) DodUpdate(ctx context.Context, taskID string, items []DodItemInput, actorGroup string) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "DodUpdate")
	defer func() { finish(err) }()
	if len(items) == 0 || len(items) > 50 {
		return persistence.Task{}, validationError("dod items must number 1..50")
	}
	status := make([]persistence.DodStatusItem, 0, len(items))
	checklist := make([]string, 0, len(items))
	var hashInput strings.Builder
	done := 0
	for _, it := range items {
		text := strings.TrimSpace(it.Text)
		if len(text) < 4 || len(text) > 200 {
			return persistence.Task{}, validationError("dod item text must be 4..200 characters")
		}
		id := it.ID
		if !dodIDPattern.MatchString(id) {
			id = "dod-" + randomDodSuffix()
		}
		status = append(status, persistence.DodStatusItem{ID: id, Text: text, Done: it.Done})
		checklist = append(checklist, text)
		hashInput.WriteString(text)
		if it.Done {
			done++
		}
	}
	sum := sha256.Sum256([]byte(hashInput.String()))
	shortHash := hex.EncodeToString(sum[:])[:10]

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error {
		t.Metadata.DodStatus = status
		t.Metadata.DodChecklist = checklist
		if metadataTooLarge(t.Metadata) {
			return validationError("metadata exceeds 8192 bytes")
		}
		return nil
	})
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}
	reason := fmt.Sprintf("%d/%d h:%s", done, len(items), shortHash)
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionDodUpdated, "", "", actorGroup, reason); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	return updated, nil
}

func validateEvidenceLink(link string) error {
	link = strings.TrimSpace(link)
	if link == "" || len(link) > 2000 {
		return validationError("evidence link must be 1..2000 characters")
	}
	u, err := url.Parse(link)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return validationError("evidence link must be an absolute URL")
	}
	return nil
}

// Evidence appends one evidence entry to a task.
func (e *Engine) Evidence(ctx context.Context, taskID, link, note, actorGroup string) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "Evidence")
	defer func() { finish(err) }()
	if err := validateEvidenceLink(link); err != nil {
		return persistence.Task{}, err
	}
	if len(note) > 1000 {
		return persistence.Task{}, validationError("evidence note must be ≤1000 characters")
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	addedAt := time.Now().UTC()
	updated, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error {
		t.Metadata.Evidence = append(t.Metadata.Evidence, persistence.EvidenceItem{Link: link, Note: note, AddedAt: addedAt})
		if metadataTooLarge(t.Metadata) {
			return validationError("metadata exceeds 8192 bytes")
		}
		return nil
	})
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}
	reason := link
	if note != "" {
		reason = link + " — " + note
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionEvidenceAdded, "", "", actorGroup, reason); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	return updated, nil
}

// EvidenceBulk appends 1..20 evidence entries sharing one addedAt timestamp
// in a single transaction.
func (e *Engine) EvidenceBulk(ctx context.Context, taskID string, links []string, note, actorGroup string) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "EvidenceBulk")
	defer func() { finish(err) }()
	if len(links) == 0 || len(links) > 20 {
		return persistence.Task{}, validationError("evidence_bulk requires 1..20 links")
	}
	for _, link := range links {
		if err := validateEvidenceLink(link); err != nil {
			return persistence.Task{}, err
		}
	}
	if len(note) > 1000 {
		return persistence.Task{}, validationError("evidence note must be ≤1000 characters")
	}

	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	addedAt := time.Now().UTC()
	updated, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error {
		for _, link := range links {
			t.Metadata.Evidence = append(t.Metadata.Evidence, persistence.EvidenceItem{Link: link, Note: note, AddedAt: addedAt})
		}
		if metadataTooLarge(t.Metadata) {
			return validationError("metadata exceeds 8192 bytes")
		}
		return nil
	})
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}
	reason := fmt.Sprintf("%d links", len(links))
	if note != "" {
		reason += " — " + note
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionEvidenceBulk, "", "", actorGroup, reason); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	return updated, nil
}

// DocsUpdated sets metadata.docsUpdated.
func (e *Engine) DocsUpdated(ctx context.Context, taskID string, docsUpdated bool, actorGroup string) (result persistence.Task, err error) {
	ctx, finish := e.instrument(ctx, "DocsUpdated")
	defer func() { finish(err) }()
	tx, err := e.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return persistence.Task{}, internalError(err)
	}
	defer func() { _ = tx.Rollback() }()

	updated, err := persistence.MutateTaskTx(ctx, tx, taskID, nil, func(t *persistence.Task) error {
		t.Metadata.DocsUpdated = &docsUpdated
		return nil
	})
	if err != nil {
		return persistence.Task{}, mapTaskMutateErr(err)
	}
	reason := "false"
	if docsUpdated {
		reason = "true"
	}
	if _, err := persistence.AppendActivityTx(ctx, tx, taskID, persistence.ActionDocsUpdatedSet, "", "", actorGroup, reason); err != nil {
		return persistence.Task{}, internalError(err)
	}
	if err := tx.Commit(); err != nil {
		return persistence.Task{}, internalError(err)
	}
	return updated, nil
}

// isKnownGroupExact checks mention text against the registry case-sensitively
// — unlike IsKnownGroup, which normalizes for command-field validation,
// @mentions in comment text must match a group's canonical lowercase spelling.
func (e *Engine) isKnownGroupExact(group string) bool {
	for _, g := range e.pol.Snapshot().Groups {
		if g == group {
			return true
		}
	}
	return false
}

func (e *Engine) approvalState(ctx context.Context, tx *sql.Tx, taskID, gate string) (hasApproval, hasLink bool) {
	if gate == "" || gate == "None" {
		return false, false
	}
	a, err := persistence.GetApprovalTx(ctx, tx, taskID, gate)
	if err != nil {
		return false, false
	}
	return true, a.EvidenceLink != ""
}

func (e *Engine) transitionInput(t persistence.Task, reason string, hasApproval, approvalHasLink bool) *policy.TransitionInput {
	dodStatus := make([]policy.DodItem, len(t.Metadata.DodStatus))
	for i, it := range t.Metadata.DodStatus {
		dodStatus[i] = policy.DodItem{ID: it.ID, Text: it.Text, Done: it.Done}
	}
	var override *policy.OverrideInput
	if t.Metadata.Override != nil {
		override = &policy.OverrideInput{
			By: t.Metadata.Override.By, Reason: t.Metadata.Override.Reason,
			AcceptedRisk: t.Metadata.Override.AcceptedRisk, ReviewDeadlineISO: t.Metadata.Override.ReviewDeadlineISO,
		}
	}
	return &policy.TransitionInput{
		Priority:         t.Priority,
		Owner:            t.Executor,
		DodChecklist:     t.Metadata.DodChecklist,
		DodStatus:        dodStatus,
		EvidenceRequired: t.Metadata.EvidenceRequired,
		AuditLink:        t.Metadata.AuditLink,
		ReviewSummary:    reason,
		TaskType:         t.TaskType,
		Gate:             t.Gate,
		HasApproval:      hasApproval,
		ApprovalHasLink:  approvalHasLink,
		Override:         override,
	}
}

func mapTaskMutateErr(err error) error {
	switch err {
	case persistence.ErrTaskNotFound:
		return notFoundError("task not found")
	case persistence.ErrStaleVersion:
		return conflictError("STALE_VERSION", "task version is stale")
	default:
		if engineErr, ok := err.(*Error); ok {
			return engineErr
		}
		return internalError(err)
	}
}

func internalError(err error) *Error {
	return newError(KindInternal, "", err.Error())
}

const dodSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomDodSuffix() string {
	buf := make([]byte, 8)
	for i := range buf {
		n, _ := cryptorand.Int(cryptorand.Reader, big.NewInt(int64(len(dodSuffixAlphabet))))
		buf[i] = dodSuffixAlphabet[n.Int64()]
	}
	return string(buf)
}

package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/govctl/internal/bus"
	"github.com/basket/govctl/internal/persistence"
	"github.com/basket/govctl/internal/policy"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "govctl.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pol := policy.NewLivePolicy(policy.Default(), "")
	return New(store, pol)
}

func mustCreate(t *testing.T, e *Engine, in CreateInput) CreateResult {
	t.Helper()
	if in.ActorGroup == "" {
		in.ActorGroup = "main"
	}
	if in.Title == "" {
		in.Title = "Ship the thing"
	}
	if in.TaskType == "" {
		in.TaskType = "FEATURE"
	}
	res, err := e.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res
}

func TestCreate_RejectsNonMainActor(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), CreateInput{Title: "x", TaskType: "BUG", ActorGroup: "developer"})
	engErr, ok := err.(*Error)
	if !ok || engErr.Kind != KindForbidden {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}

func TestCreate_CoercesProductScopeWithoutID(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{TaskType: "FEATURE", Scope: "PRODUCT"})
	task, err := e.store.GetTask(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Scope != "COMPANY" {
		t.Fatalf("expected coerced scope COMPANY, got %q", task.Scope)
	}
	activities, err := e.store.ListActivities(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	if len(activities) != 2 || activities[0].Action != persistence.ActionCoerceScope {
		t.Fatalf("expected coerce_scope then create, got %+v", activities)
	}
}

func TestCreate_RejectsCompanyScopeWithProductID(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Create(context.Background(), CreateInput{Title: "x", TaskType: "BUG", Scope: "COMPANY", ProductID: "widget", ActorGroup: "main"})
	if err == nil {
		t.Fatal("expected rejection")
	}
}

func TestCreate_AppliesTypeTemplateDefaults(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{TaskType: "SECURITY"})
	task, err := e.store.GetTask(context.Background(), res.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Gate != "Security" || task.AssignedGroup != "security" {
		t.Fatalf("expected SECURITY template applied, got gate=%q group=%q", task.Gate, task.AssignedGroup)
	}
	if len(task.Metadata.DodChecklist) == 0 {
		t.Fatal("expected template dod checklist applied")
	}
}

func TestTransition_SameStateIsNoOpAndDoesNotBumpVersion(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	before, _ := e.store.GetTask(context.Background(), res.TaskID)

	updated, err := e.Transition(context.Background(), res.TaskID, "INBOX", "", "main", nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.Version != before.Version {
		t.Fatalf("expected version unchanged on same-state no-op, got %d -> %d", before.Version, updated.Version)
	}
	activities, _ := e.store.ListActivities(context.Background(), res.TaskID)
	if len(activities) != 1 {
		t.Fatalf("expected no new activity from same-state no-op, got %+v", activities)
	}
}

func TestTransition_RejectsInvalidEdge(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	_, err := e.Transition(context.Background(), res.TaskID, "DONE", "", "main", nil)
	engErr, ok := err.(*Error)
	if !ok || engErr.Kind != KindPolicyDeny {
		t.Fatalf("expected policy deny, got %v", err)
	}
}

func TestTransition_StaleVersionRejectedWithNoWrite(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	stale := 99
	_, err := e.Transition(context.Background(), res.TaskID, "TRIAGED", "", "main", &stale)
	engErr, ok := err.(*Error)
	if !ok || engErr.Kind != KindConflict {
		t.Fatalf("expected conflict error, got %v", err)
	}
	task, _ := e.store.GetTask(context.Background(), res.TaskID)
	if task.State != "INBOX" {
		t.Fatalf("expected no state change after stale rejection, got %q", task.State)
	}
}

func TestTransition_OnlyMainOrAssignedGroupMayMove(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{TaskType: "FEATURE"}) // assigned_group=developer via template
	_, err := e.Transition(context.Background(), res.TaskID, "TRIAGED", "", "revops", nil)
	engErr, ok := err.(*Error)
	if !ok || engErr.Kind != KindForbidden {
		t.Fatalf("expected forbidden for unrelated group, got %v", err)
	}
	if _, err := e.Transition(context.Background(), res.TaskID, "TRIAGED", "", "developer", nil); err != nil {
		t.Fatalf("expected assigned group to transition successfully, got %v", err)
	}
}

func TestAssign_OnlyMain(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	_, err := e.Assign(context.Background(), res.TaskID, "security", "", "developer")
	engErr, ok := err.(*Error)
	if !ok || engErr.Kind != KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	updated, err := e.Assign(context.Background(), res.TaskID, "security", "bob", "main")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if updated.AssignedGroup != "security" || updated.Executor != "bob" {
		t.Fatalf("unexpected task after assign: %+v", updated)
	}
}

func TestApprove_EnforcesGateMapping(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{TaskType: "REVOPS"}) // gate=RevOps, approver=main

	if _, err := e.Approve(context.Background(), res.TaskID, "RevOps", "", "", "developer"); err == nil {
		t.Fatal("expected forbidden: developer may not approve RevOps")
	}
	if _, err := e.Approve(context.Background(), res.TaskID, "RevOps", "looks fine", "", "main"); err != nil {
		t.Fatalf("expected main to approve RevOps gate, got %v", err)
	}
}

func TestApprove_RejectsApproverThatIsAlsoExecutor(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{TaskType: "REVOPS"}) // gate=RevOps, approver=main
	if _, err := e.Assign(context.Background(), res.TaskID, "revops", "main", "main"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := e.Approve(context.Background(), res.TaskID, "RevOps", "", "", "main")
	engErr, ok := err.(*Error)
	if !ok || engErr.Code != policy.ReasonForbiddenExecutor {
		t.Fatalf("expected forbidden_executor, got %v", err)
	}
}

func TestOverride_TransitionsApprovalToDoneInSameTransaction(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{TaskType: "REVOPS"})
	task, _ := e.store.GetTask(context.Background(), res.TaskID)

	tx, _ := e.store.DB().BeginTx(context.Background(), nil)
	_, err := persistence.MutateTaskTx(context.Background(), tx, task.ID, nil, func(t *persistence.Task) error {
		t.State = "APPROVAL"
		return nil
	})
	if err != nil {
		t.Fatalf("force state: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	updated, err := e.Override(context.Background(), res.TaskID, "launch anyway", "low", "2026-09-01T00:00:00Z", "main")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if updated.State != "DONE" {
		t.Fatalf("expected DONE after override from APPROVAL, got %q", updated.State)
	}
	activities, _ := e.store.ListActivities(context.Background(), res.TaskID)
	last := activities[len(activities)-1]
	if last.Action != persistence.ActionTransition || last.ToState != "DONE" {
		t.Fatalf("expected trailing transition activity to DONE, got %+v", last)
	}
}

func TestOverride_RejectsPartialFields(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	_, err := e.Override(context.Background(), res.TaskID, "reason only", "", "", "main")
	if err == nil {
		t.Fatal("expected rejection for partially populated override")
	}
}

func TestComment_SanitizesAndFansOutKnownMentions(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})

	result, err := e.Comment(context.Background(), res.TaskID, "  <b>please</b> loop in @security and @not-a-group  ", "")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if result.Mentions[0] != "security" || len(result.Mentions) != 1 {
		t.Fatalf("expected only @security to resolve, got %v", result.Mentions)
	}

	notifications, err := e.store.ListNotifications(context.Background(), "security", false, 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifications))
	}
	if strings.Contains(notifications[0].Snippet, "<b>") {
		t.Fatalf("expected sanitized snippet, got %q", notifications[0].Snippet)
	}
}

func TestComment_RejectsEmptyAfterSanitization(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	_, err := e.Comment(context.Background(), res.TaskID, "   <div></div>   ", "cockpit")
	if err == nil {
		t.Fatal("expected rejection for comment empty after sanitization")
	}
}

func TestComment_OversizedActorFallsBackToCockpit(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	longActor := strings.Repeat("x", 51)
	result, err := e.Comment(context.Background(), res.TaskID, "hello", longActor)
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	activities, _ := e.store.ListActivities(context.Background(), res.TaskID)
	last := activities[len(activities)-1]
	if last.Actor != "cockpit" {
		t.Fatalf("expected fallback actor cockpit, got %q", last.Actor)
	}
	_ = result
}

func TestDodUpdate_PreservesValidIDsAndAssignsNewOnes(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	updated, err := e.DodUpdate(context.Background(), res.TaskID, []DodItemInput{
		{ID: "dod-keep1", Text: "Write the design doc", Done: true},
		{ID: "bad id", Text: "Get it reviewed", Done: false},
		{Text: "Ship it", Done: false},
	}, "main")
	if err != nil {
		t.Fatalf("dod update: %v", err)
	}
	if len(updated.Metadata.DodStatus) != 3 {
		t.Fatalf("expected 3 dod status entries, got %d", len(updated.Metadata.DodStatus))
	}
	if updated.Metadata.DodStatus[0].ID != "dod-keep1" {
		t.Fatalf("expected first id preserved, got %q", updated.Metadata.DodStatus[0].ID)
	}
	if !dodIDPattern.MatchString(updated.Metadata.DodStatus[1].ID) || !dodIDPattern.MatchString(updated.Metadata.DodStatus[2].ID) {
		t.Fatalf("expected replaced ids to match dod- pattern, got %+v", updated.Metadata.DodStatus)
	}
	activities, _ := e.store.ListActivities(context.Background(), res.TaskID)
	last := activities[len(activities)-1]
	if !strings.HasPrefix(last.Reason, "1/3 h:") {
		t.Fatalf("expected reason to report done/total and hash, got %q", last.Reason)
	}
}

func TestDodUpdate_RejectsOutOfRangeItemCount(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	_, err := e.DodUpdate(context.Background(), res.TaskID, nil, "main")
	if err == nil {
		t.Fatal("expected rejection for zero items")
	}
}

func TestEvidence_AppendsAndRejectsOversizedLink(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	updated, err := e.Evidence(context.Background(), res.TaskID, "https://example.com/proof", "looks good", "main")
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if len(updated.Metadata.Evidence) != 1 {
		t.Fatalf("expected one evidence entry, got %d", len(updated.Metadata.Evidence))
	}
	if _, err := e.Evidence(context.Background(), res.TaskID, "not-a-url", "", "main"); err == nil {
		t.Fatal("expected rejection for non-absolute url")
	}
}

func TestEvidenceBulk_AppendsAllWithSharedTimestampAndOmitsLinksFromReason(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{})
	updated, err := e.EvidenceBulk(context.Background(), res.TaskID, []string{
		"https://example.com/a", "https://example.com/b",
	}, "batch", "main")
	if err != nil {
		t.Fatalf("evidence bulk: %v", err)
	}
	if len(updated.Metadata.Evidence) != 2 {
		t.Fatalf("expected 2 evidence entries, got %d", len(updated.Metadata.Evidence))
	}
	if updated.Metadata.Evidence[0].AddedAt != updated.Metadata.Evidence[1].AddedAt {
		t.Fatal("expected shared addedAt across bulk entries")
	}
	activities, _ := e.store.ListActivities(context.Background(), res.TaskID)
	last := activities[len(activities)-1]
	if strings.Contains(last.Reason, "example.com") {
		t.Fatalf("expected bulk activity reason to omit raw urls, got %q", last.Reason)
	}
}

func TestDocsUpdated_SetsFlagAndLogsAction(t *testing.T) {
	e := newTestEngine(t)
	res := mustCreate(t, e, CreateInput{TaskType: "SECURITY"})
	updated, err := e.DocsUpdated(context.Background(), res.TaskID, true, "security")
	if err != nil {
		t.Fatalf("docs updated: %v", err)
	}
	if updated.Metadata.DocsUpdated == nil || !*updated.Metadata.DocsUpdated {
		t.Fatal("expected docsUpdated=true persisted")
	}
	activities, _ := e.store.ListActivities(context.Background(), res.TaskID)
	last := activities[len(activities)-1]
	if last.Action != persistence.ActionDocsUpdatedSet || last.Reason != "true" {
		t.Fatalf("unexpected activity: %+v", last)
	}
}

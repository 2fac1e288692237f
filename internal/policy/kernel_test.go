package policy_test

import (
	"testing"

	"github.com/basket/govctl/internal/policy"
)

func TestValidateTransition_KnownEdges(t *testing.T) {
	cases := []struct {
		from, to policy.TaskState
		ok       bool
	}{
		{policy.StateInbox, policy.StateTriaged, true},
		{policy.StateInbox, policy.StateDoing, false},
		{policy.StateDoing, policy.StateReview, true},
		{policy.StateReview, policy.StateApproval, true},
		{policy.StateApproval, policy.StateDone, true},
		{policy.StateApproval, policy.StateReview, true},
		{policy.StateDone, policy.StateInbox, false},
		{policy.StateBlocked, policy.StateDoing, true},
		{policy.StateBlocked, policy.StateReview, false},
	}
	for _, tc := range cases {
		res := policy.ValidateTransition(tc.from, tc.to, nil, false)
		if res.OK != tc.ok {
			t.Errorf("%s -> %s: ok = %v, want %v (errors: %v)", tc.from, tc.to, res.OK, tc.ok, res.Errors)
		}
	}
}

func TestValidateTransition_SameStateIsNoOpSuccess(t *testing.T) {
	res := policy.ValidateTransition(policy.StateDoing, policy.StateDoing, nil, true)
	if !res.OK {
		t.Fatalf("expected same-state transition to succeed, got errors: %v", res.Errors)
	}
}

func TestValidateTransition_UnknownSource(t *testing.T) {
	res := policy.ValidateTransition(policy.TaskState("NOPE"), policy.StateInbox, nil, false)
	if res.OK {
		t.Fatal("expected unknown source state to be rejected")
	}
	if res.Errors[0] != policy.ReasonUnknownState {
		t.Fatalf("errors = %v, want %s", res.Errors, policy.ReasonUnknownState)
	}
}

func TestValidateTransition_StrictRequiresPriorityAndOwner(t *testing.T) {
	res := policy.ValidateTransition(policy.StateInbox, policy.StateTriaged, &policy.TransitionInput{}, true)
	if res.OK {
		t.Fatal("expected missing priority/owner to fail strict validation")
	}
	if !containsReason(res.Errors, policy.ReasonMissingPriority) || !containsReason(res.Errors, policy.ReasonMissingOwner) {
		t.Fatalf("errors = %v, want both MISSING_PRIORITY and MISSING_OWNER", res.Errors)
	}
}

func TestValidateTransition_StrictEnteringDoingRequiresDodAndEvidenceFlag(t *testing.T) {
	in := &policy.TransitionInput{Priority: "P1", Owner: "developer"}
	res := policy.ValidateTransition(policy.StateReady, policy.StateDoing, in, true)
	if res.OK {
		t.Fatal("expected missing dodChecklist/evidenceRequired to fail")
	}
	if !containsReason(res.Errors, policy.ReasonMissingDodChecklist) {
		t.Errorf("errors = %v, want MISSING_DOD_CHECKLIST", res.Errors)
	}
	if !containsReason(res.Errors, policy.ReasonMissingEvidenceReq) {
		t.Errorf("errors = %v, want MISSING_EVIDENCE_REQUIRED", res.Errors)
	}

	req := true
	in2 := &policy.TransitionInput{Priority: "P1", Owner: "developer", DodChecklist: []string{"a"}, EvidenceRequired: &req}
	res2 := policy.ValidateTransition(policy.StateReady, policy.StateDoing, in2, true)
	if !res2.OK {
		t.Fatalf("expected valid DOING entry to pass, got %v", res2.Errors)
	}
}

func TestValidateTransition_StrictDoingToReviewRequiresSummary(t *testing.T) {
	in := &policy.TransitionInput{Priority: "P1", Owner: "developer"}
	res := policy.ValidateTransition(policy.StateDoing, policy.StateReview, in, true)
	if containsReason(res.Errors, policy.ReasonMissingReviewSummary) == false {
		t.Fatalf("errors = %v, want MISSING_REVIEW_SUMMARY", res.Errors)
	}

	in.ReviewSummary = "Done implementing"
	res2 := policy.ValidateTransition(policy.StateDoing, policy.StateReview, in, true)
	if !res2.OK {
		t.Fatalf("expected populated summary to pass, got %v", res2.Errors)
	}
}

func TestValidateTransition_StrictDoneRequiresCompleteDodAndGate(t *testing.T) {
	req := true
	in := &policy.TransitionInput{
		Priority: "P1", Owner: "main",
		EvidenceRequired: &req,
		DodStatus:        []policy.DodItem{{ID: "dod-1", Text: "x", Done: false}},
		Gate:             "Security",
	}
	res := policy.ValidateTransition(policy.StateApproval, policy.StateDone, in, true)
	if !containsReason(res.Errors, policy.ReasonDodIncomplete) {
		t.Errorf("errors = %v, want DOD_INCOMPLETE", res.Errors)
	}
	if !containsReason(res.Errors, policy.ReasonGateNotApproved) {
		t.Errorf("errors = %v, want GATE_NOT_APPROVED", res.Errors)
	}

	in.DodStatus = []policy.DodItem{{ID: "dod-1", Text: "x", Done: true}}
	in.HasApproval = true
	res2 := policy.ValidateTransition(policy.StateApproval, policy.StateDone, in, true)
	if !res2.OK {
		t.Fatalf("expected complete dod + approval to pass, got %v", res2.Errors)
	}
}

func TestValidateDoneDocs_SecurityRequiresDocsUpdated(t *testing.T) {
	if policy.ValidateDoneDocs("SECURITY", false).OK {
		t.Fatal("expected SECURITY without docsUpdated to fail")
	}
	if !policy.ValidateDoneDocs("SECURITY", true).OK {
		t.Fatal("expected SECURITY with docsUpdated to pass")
	}
	if !policy.ValidateDoneDocs("FEATURE", false).OK {
		t.Fatal("expected non-SECURITY task type to be exempt")
	}
}

func TestCheckApprover_GateMapping(t *testing.T) {
	if reason := policy.CheckApprover("Security", "security", false); reason != "" {
		t.Fatalf("expected security to approve Security gate, got %q", reason)
	}
	if reason := policy.CheckApprover("Security", "developer", false); reason != policy.ReasonForbidden {
		t.Fatalf("expected developer to be forbidden from Security gate, got %q", reason)
	}
	if reason := policy.CheckApprover("RevOps", "main", false); reason != "" {
		t.Fatalf("expected main to approve RevOps gate, got %q", reason)
	}
	if reason := policy.CheckApprover("Security", "revops", true); reason != "" {
		t.Fatalf("expected isMain to approve any gate, got %q", reason)
	}
}

func TestCheckApproverNotExecutor(t *testing.T) {
	if reason := policy.CheckApproverNotExecutor("security", "security"); reason != policy.ReasonForbiddenExecutor {
		t.Fatalf("expected approver==executor to be forbidden, got %q", reason)
	}
	if reason := policy.CheckApproverNotExecutor("main", "main"); reason != policy.ReasonForbiddenExecutor {
		t.Fatalf("expected main==executor to still be forbidden, got %q", reason)
	}
	if reason := policy.CheckApproverNotExecutor("main", "security"); reason != "" {
		t.Fatalf("expected main approving for a different executor to pass, got %q", reason)
	}
}

func TestTemplateFor_KnownAndUnknownTypes(t *testing.T) {
	tpl := policy.TemplateFor("security")
	if tpl.Gate != "Security" || tpl.AssignedGroup != "security" || len(tpl.DodChecklist) == 0 {
		t.Fatalf("unexpected SECURITY template: %+v", tpl)
	}
	empty := policy.TemplateFor("NOT_A_TYPE")
	if empty.Gate != "" || empty.AssignedGroup != "" || empty.DodChecklist != nil {
		t.Fatalf("expected zero-value template for unknown type, got %+v", empty)
	}
}

func containsReason(errs []string, reason string) bool {
	for _, e := range errs {
		if e == reason {
			return true
		}
	}
	return false
}

package agentgateway

import (
	"testing"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

func newRegistryState(t *testing.T) (*ToolRegistry, *loopstate.LoopState) {
	t.Helper()
	r := NewToolRegistry()
	calls := 0
	if err := RegisterDefaultTools(r, func() string {
		calls++
		return "generated-id"
	}); err != nil {
		t.Fatalf("RegisterDefaultTools: %v", err)
	}
	return r, loopstate.NewLoopState("sprint-1")
}

func TestCreateTask_AssignsGeneratedIDWhenOmitted(t *testing.T) {
	r, s := newRegistryState(t)
	res := r.ExecuteCall(s, ToolCallArgs("c1", "create_task", map[string]any{
		"description": "do the thing",
	}))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	if _, ok := s.Tasks["generated-id"]; !ok {
		t.Fatalf("expected task with generated id, got %+v", s.Tasks)
	}
}

func TestCreateTask_RejectsOversizedDescription(t *testing.T) {
	r, s := newRegistryState(t)
	desc := make([]byte, loopstate.MaxDescriptionChars+1)
	for i := range desc {
		desc[i] = 'x'
	}
	res := r.ExecuteCall(s, ToolCallArgs("c1", "create_task", map[string]any{
		"id":          "t1",
		"description": string(desc),
	}))
	if !res.IsError {
		t.Fatal("expected schema validation to reject oversized description")
	}
}

func TestReportVRC_AppendsSnapshot(t *testing.T) {
	r, s := newRegistryState(t)
	res := r.ExecuteCall(s, ToolCallArgs("c1", "report_vrc", map[string]any{
		"value_score":           0.75,
		"deliverables_total":    4,
		"deliverables_verified": 3,
		"recommendation":        "CONTINUE",
		"summary":               "on track",
		"gaps": []any{
			map[string]any{"id": "g1", "severity": "degraded"},
		},
	}))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	if len(s.VRCHistory) != 1 {
		t.Fatalf("expected 1 VRC snapshot, got %d", len(s.VRCHistory))
	}
	snap := s.VRCHistory[0]
	if snap.Recommendation != loopstate.VRCContinue || snap.DeliverablesVerified != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.Gaps) != 1 || snap.Gaps[0].Severity != loopstate.GapDegraded {
		t.Fatalf("unexpected gaps: %+v", snap.Gaps)
	}
	if snap.Mode != "" {
		t.Fatalf("expected no mode hint set, got %q", snap.Mode)
	}
	if snap.Iteration != s.Iteration {
		t.Fatalf("expected snapshot iteration to mirror state, got %d want %d", snap.Iteration, s.Iteration)
	}
}

// TestReportVRC_ModeComesFromEngineNotAgent asserts the Mode/Iteration
// threading the gateway relies on: the model's report_vrc arguments never
// carry a mode, so only SetVRCMode (engine truth) can produce a snapshot
// readyToExit's full-VRC-SHIP_READY rule will accept.
func TestReportVRC_ModeComesFromEngineNotAgent(t *testing.T) {
	r, s := newRegistryState(t)
	s.Iteration = 7

	r.SetVRCMode("full")
	res := r.ExecuteCall(s, ToolCallArgs("c1", "report_vrc", map[string]any{
		"value_score":        1.0,
		"deliverables_total": 2,
		"recommendation":     "SHIP_READY",
	}))
	r.SetVRCMode("")
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}

	snap := s.VRCHistory[0]
	if snap.Mode != "full" {
		t.Fatalf("expected mode full, got %q", snap.Mode)
	}
	if snap.Iteration != 7 {
		t.Fatalf("expected iteration 7, got %d", snap.Iteration)
	}

	// A second call after the hint is cleared must not retroactively carry
	// "full" from the prior call.
	res2 := r.ExecuteCall(s, ToolCallArgs("c2", "report_vrc", map[string]any{
		"value_score":        1.0,
		"deliverables_total": 2,
		"recommendation":     "SHIP_READY",
	}))
	if res2.IsError {
		t.Fatalf("unexpected error: %s", res2.Output)
	}
	if s.VRCHistory[1].Mode != "" {
		t.Fatalf("expected cleared mode hint, got %q", s.VRCHistory[1].Mode)
	}
}

func TestReportCourseCorrection_RecordsContext(t *testing.T) {
	r, s := newRegistryState(t)
	res := r.ExecuteCall(s, ToolCallArgs("c1", "report_course_correction", map[string]any{
		"action": "rollback",
		"reason": "regression in checkout flow",
	}))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	cc, ok := s.Context.Values["course_correction"].(map[string]any)
	if !ok {
		t.Fatalf("expected course_correction in context values, got %+v", s.Context.Values)
	}
	if cc["action"] != "rollback" {
		t.Fatalf("expected action rollback, got %+v", cc)
	}
}

func TestReportCoherence_AppendsReport(t *testing.T) {
	r, s := newRegistryState(t)
	res := r.ExecuteCall(s, ToolCallArgs("c1", "report_coherence", map[string]any{
		"mode":    "quick",
		"overall": "WARNING",
		"dimensions": []any{
			map[string]any{"name": "tests", "status": "WARNING", "findings": []any{"flaky suite"}},
		},
	}))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	if len(s.CoherenceHistory) != 1 || s.CoherenceHistory[0].Overall != loopstate.HealthWarning {
		t.Fatalf("unexpected coherence history: %+v", s.CoherenceHistory)
	}
}

func TestCompleteAndBlockTask(t *testing.T) {
	r, s := newRegistryState(t)
	_ = s.AddTask(&loopstate.Task{ID: "t1"})
	_ = s.StartTask("t1")

	res := r.ExecuteCall(s, ToolCallArgs("c1", "complete_task", map[string]any{"id": "t1"}))
	if res.IsError {
		t.Fatalf("complete_task: %s", res.Output)
	}
	if s.Tasks["t1"].Status != loopstate.TaskDone {
		t.Fatalf("expected task done, got %s", s.Tasks["t1"].Status)
	}

	_ = s.AddTask(&loopstate.Task{ID: "t2"})
	res = r.ExecuteCall(s, ToolCallArgs("c2", "block_task", map[string]any{"id": "t2", "reason": "missing credentials"}))
	if res.IsError {
		t.Fatalf("block_task: %s", res.Output)
	}
	if s.Tasks["t2"].Status != loopstate.TaskBlocked || s.Tasks["t2"].BlockedReason == "" {
		t.Fatalf("expected task blocked with reason, got %+v", s.Tasks["t2"])
	}
}

func TestCreateVerification_LinksCoveredTasks(t *testing.T) {
	r, s := newRegistryState(t)
	_ = s.AddTask(&loopstate.Task{ID: "t1"})

	res := r.ExecuteCall(s, ToolCallArgs("c1", "create_verification", map[string]any{
		"id":          "v1",
		"script_path": "verifications/v1.sh",
		"category":    "unit",
		"covers":      []any{"t1"},
	}))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	v, ok := s.Verifications["v1"]
	if !ok {
		t.Fatal("expected verification v1 to be created")
	}
	if v.Status != loopstate.VerificationPending || len(v.Covers) != 1 || v.Covers[0] != "t1" {
		t.Fatalf("unexpected verification: %+v", v)
	}
}

func TestReportResearch_WritesContextValue(t *testing.T) {
	r, s := newRegistryState(t)
	res := r.ExecuteCall(s, ToolCallArgs("c1", "report_research", map[string]any{
		"topic":    "pricing-api",
		"findings": "uses a 3rd-party rate card, no auth required",
	}))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Output)
	}
	v, ok := s.Context.Values["research:pricing-api"]
	if !ok || v == "" {
		t.Fatalf("expected research:pricing-api to be set, got %+v", s.Context.Values)
	}
}

func TestUpdateTask_EnforcesCaps(t *testing.T) {
	r, s := newRegistryState(t)
	_ = s.AddTask(&loopstate.Task{ID: "t1", Description: "orig"})

	res := r.ExecuteCall(s, ToolCallArgs("c1", "update_task", map[string]any{
		"id":             "t1",
		"files_expected": []any{"a", "b", "c", "d", "e", "f"},
	}))
	if !res.IsError {
		t.Fatal("expected schema validation to reject too many files_expected entries")
	}
}

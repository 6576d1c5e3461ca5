package decisionengine

import (
	"testing"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

func TestDecide_Rule1_PauseWins(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	s.RequestPause("need a human", "pick an option")
	d := Decide(s, DefaultConfig())
	if d.Action != ActionInteractivePause || d.Rule != 1 {
		t.Fatalf("expected INTERACTIVE_PAUSE/rule1, got %+v", d)
	}
}

func TestDecide_Rule2_CriticalBudgetForcesExitGate(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "t1"})
	s.TotalTokensUsed = 960
	cfg := DefaultConfig()
	cfg.TokenBudget = 1000
	d := Decide(s, cfg)
	if d.Action != ActionExitGate || d.Rule != 2 {
		t.Fatalf("expected EXIT_GATE/rule2 at critical budget, got %+v", d)
	}
}

func TestDecide_Rule2_PermitsFixAtCriticalBudget(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationFailed, Attempts: 0}
	s.TotalTokensUsed = 960
	cfg := DefaultConfig()
	cfg.TokenBudget = 1000
	d := Decide(s, cfg)
	if d.Action != ActionFix {
		t.Fatalf("expected FIX to pass through critical-budget gate, got %+v", d)
	}
}

func TestDecide_Rule3_CoherenceCritical(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	s.CoherenceCriticalPending = true
	d := Decide(s, DefaultConfig())
	if d.Action != ActionCourseCorrect || d.Rule != 3 {
		t.Fatalf("expected COURSE_CORRECT/rule3, got %+v", d)
	}
}

func TestDecide_Rule4_FailedVerificationWithinFixBudget(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationFailed, Attempts: 1}
	cfg := DefaultConfig()
	cfg.MaxFixAttempts = 3
	d := Decide(s, cfg)
	if d.Action != ActionFix || d.Rule != 4 {
		t.Fatalf("expected FIX/rule4, got %+v", d)
	}
}

func TestDecide_Rule4_ExhaustedFixBudgetFallsThrough(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationFailed, Attempts: 3}
	cfg := DefaultConfig()
	cfg.MaxFixAttempts = 3
	d := Decide(s, cfg)
	if d.Action == ActionFix {
		t.Fatalf("expected rule4 not to match once fix attempts exhausted, got %+v", d)
	}
}

func TestDecide_Rule5_UnhealthyService(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	s.Context.Services["api"] = loopstate.ServiceHealth{Healthy: false}
	d := Decide(s, DefaultConfig())
	if d.Action != ActionServiceFix || d.Rule != 5 {
		t.Fatalf("expected SERVICE_FIX/rule5, got %+v", d)
	}
}

func TestDecide_Rule6_UnmetResearchDependency(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "t1", Dependencies: []string{"research:pricing-api"}})
	d := Decide(s, DefaultConfig())
	if d.Action != ActionResearch || d.Rule != 6 {
		t.Fatalf("expected RESEARCH/rule6, got %+v", d)
	}

	s.Context.Values["research:pricing-api"] = "done"
	d = Decide(s, DefaultConfig())
	if d.Action == ActionResearch {
		t.Fatalf("expected research dependency to clear once noted, got %+v", d)
	}
}

func TestDecide_Rule7_ExecuteOrderedBySourceThenInsertion(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "exit-task", Source: loopstate.SourceExitGate})
	_ = s.AddTask(&loopstate.Task{ID: "plan-task", Source: loopstate.SourcePlan})
	d := Decide(s, DefaultConfig())
	if d.Action != ActionExecute || d.Rule != 7 {
		t.Fatalf("expected EXECUTE/rule7, got %+v", d)
	}
	if got := d.Reason; got != "task plan-task is executable" {
		t.Fatalf("expected plan-task picked first by source precedence, got reason %q", got)
	}
}

func TestDecide_Rule7_DependencyCycleSynthesizesCourseCorrect(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "a", Dependencies: []string{"b"}})
	_ = s.AddTask(&loopstate.Task{ID: "b", Dependencies: []string{"a"}})
	d := Decide(s, DefaultConfig())
	if d.Action != ActionCourseCorrect || d.Reason != "dependency cycle" {
		t.Fatalf("expected synthesized COURSE_CORRECT for cycle, got %+v", d)
	}
}

func TestDecide_Rule8_GenerateQCWhenCoverageLags(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	for _, id := range []string{"t1", "t2", "t3"} {
		_ = s.AddTask(&loopstate.Task{ID: id})
		_ = s.StartTask(id)
		_ = s.CompleteTask(id)
	}
	cfg := DefaultConfig()
	cfg.QCGenerationThreshold = 3
	d := Decide(s, cfg)
	if d.Action != ActionGenerateQC || d.Rule != 8 {
		t.Fatalf("expected GENERATE_QC/rule8, got %+v", d)
	}
}

func TestDecide_Rule9_RunQCForPendingVerification(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "t1"})
	_ = s.StartTask("t1")
	_ = s.CompleteTask("t1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationPending, Covers: []string{"t1"}}
	d := Decide(s, DefaultConfig())
	if d.Action != ActionRunQC || d.Rule != 9 {
		t.Fatalf("expected RUN_QC/rule9, got %+v", d)
	}
}

func TestDecide_Rule10_ExitGateWhenShipReady(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "t1"})
	_ = s.StartTask("t1")
	_ = s.CompleteTask("t1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationPassed, Covers: []string{"t1"}}
	s.AppendVRC(loopstate.VRCSnapshot{Mode: "full", Recommendation: loopstate.VRCShipReady})
	d := Decide(s, DefaultConfig())
	if d.Action != ActionExitGate || d.Rule != 10 {
		t.Fatalf("expected EXIT_GATE/rule10, got %+v", d)
	}
}

func TestDecide_Rule11_StuckTriggersCourseCorrect(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "t1"})
	_ = s.StartTask("t1")
	_ = s.CompleteTask("t1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationPassed, Covers: []string{"t1"}}
	cfg := DefaultConfig()
	cfg.StuckThreshold = 3
	s.IterationsWithoutProgress = 3
	d := Decide(s, cfg)
	if d.Action != ActionCourseCorrect || d.Rule != 11 {
		t.Fatalf("expected COURSE_CORRECT/rule11, got %+v", d)
	}
}

func TestDecide_Rule12_FallbackToExitGate(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "t1"})
	_ = s.StartTask("t1")
	_ = s.CompleteTask("t1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationPassed, Covers: []string{"t1"}}
	// No full SHIP_READY VRC yet, not stuck: falls through every rule to 12.
	d := Decide(s, DefaultConfig())
	if d.Action != ActionExitGate || d.Rule != 12 {
		t.Fatalf("expected EXIT_GATE/rule12 fallback, got %+v", d)
	}
}

func TestDecide_IsPure(t *testing.T) {
	s := loopstate.NewLoopState("s1")
	_ = s.AddTask(&loopstate.Task{ID: "t1", Source: loopstate.SourcePlan})
	_ = s.AddTask(&loopstate.Task{ID: "t2", Source: loopstate.SourceMidLoop})
	cfg := DefaultConfig()

	first := Decide(s, cfg)
	second := Decide(s, cfg)
	if first != second {
		t.Fatalf("expected identical decisions from identical state, got %+v vs %+v", first, second)
	}
}

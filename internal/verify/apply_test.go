package verify

import (
	"errors"
	"testing"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

func TestScriptsFor_SelectsPendingAndInvalidated(t *testing.T) {
	s := loopstate.NewLoopState("sprint-1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", ScriptPath: "v1.sh", Status: loopstate.VerificationPending}
	s.Verifications["v2"] = &loopstate.Verification{ID: "v2", ScriptPath: "v2.sh", Status: loopstate.VerificationInvalidated}
	s.Verifications["v3"] = &loopstate.Verification{ID: "v3", ScriptPath: "v3.sh", Status: loopstate.VerificationPassed}

	scripts := ScriptsFor(s, "/proj")
	if len(scripts) != 2 {
		t.Fatalf("expected 2 scripts, got %d: %+v", len(scripts), scripts)
	}
}

func TestApply_PassClearsLastError(t *testing.T) {
	s := loopstate.NewLoopState("sprint-1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationFailed, Attempts: 1, LastError: "old"}

	Apply(s, Result{ID: "v1", Passed: true})

	v := s.Verifications["v1"]
	if v.Status != loopstate.VerificationPassed || v.LastError != "" {
		t.Fatalf("expected passed with cleared error, got %+v", v)
	}
	if v.Attempts != 1 {
		t.Fatalf("expected attempts unchanged on pass, got %d", v.Attempts)
	}
}

func TestApply_FailureIncrementsAttempts(t *testing.T) {
	s := loopstate.NewLoopState("sprint-1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationPending}

	Apply(s, Result{ID: "v1", Passed: false, ExitCode: 1, Err: errors.New("exit 1")})

	v := s.Verifications["v1"]
	if v.Status != loopstate.VerificationFailed || v.Attempts != 1 || v.LastError == "" {
		t.Fatalf("expected failed with incremented attempts, got %+v", v)
	}
}

func TestApplyAll_FoldsEveryResult(t *testing.T) {
	s := loopstate.NewLoopState("sprint-1")
	s.Verifications["v1"] = &loopstate.Verification{ID: "v1", Status: loopstate.VerificationPending}
	s.Verifications["v2"] = &loopstate.Verification{ID: "v2", Status: loopstate.VerificationPending}

	ApplyAll(s, []Result{
		{ID: "v1", Passed: true},
		{ID: "v2", Passed: false, Err: errors.New("boom")},
	})

	if s.Verifications["v1"].Status != loopstate.VerificationPassed {
		t.Fatalf("expected v1 passed, got %s", s.Verifications["v1"].Status)
	}
	if s.Verifications["v2"].Status != loopstate.VerificationFailed {
		t.Fatalf("expected v2 failed, got %s", s.Verifications["v2"].Status)
	}
}

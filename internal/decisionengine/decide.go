package decisionengine

import (
	"sort"
	"strings"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// researchDepPrefix marks a task dependency as a research note rather than
// another task: a dependency "research:topic" is satisfied once
// state.Context.Values["research:topic"] exists (RESEARCH attaches the note
// there under that exact key), not by any Task reaching status done.
const researchDepPrefix = "research:"

// Decide is the pure classifier: a fixed, ordered rule table where the
// first matching rule wins. It never mutates state and never performs I/O
// beyond what callers already resolved into state.Context.Services.
func Decide(state *loopstate.LoopState, cfg Config) Decision {
	// Rule 1: pause forces INTERACTIVE_PAUSE unconditionally.
	if state.Pause != nil {
		return Decision{Action: ActionInteractivePause, Rule: 1, Reason: "pause requested"}
	}

	candidate := decideUnbudgeted(state, cfg)

	// Rule 2: budget gating wraps whatever rules 3-12 would otherwise pick.
	frac := cfg.BudgetFraction(state.TotalTokensUsed)
	if frac >= cfg.BudgetCriticalFraction {
		switch candidate.Action {
		case ActionFix, ActionRunQC, ActionExitGate, ActionInteractivePause:
			return candidate
		default:
			return Decision{Action: ActionExitGate, Rule: 2, Reason: "token budget >= critical threshold"}
		}
	}

	return candidate
}

// decideUnbudgeted evaluates rules 3-12, assuming rule 1 and rule 2 have
// already been ruled out or will be applied by the caller as a wrapper.
func decideUnbudgeted(state *loopstate.LoopState, cfg Config) Decision {
	// Rule 3: coherence critical.
	if state.CoherenceCriticalPending {
		return Decision{Action: ActionCourseCorrect, Rule: 3, Reason: "coherence critical"}
	}

	// Rule 4: a failed verification still within its fix budget.
	if v := firstFixableFailedVerification(state, cfg); v != nil {
		return Decision{Action: ActionFix, Rule: 4, Reason: "verification " + v.ID + " failed, fix budget remains"}
	}

	// Rule 5: unhealthy service.
	if name, ok := firstUnhealthyService(state); ok {
		return Decision{Action: ActionServiceFix, Rule: 5, Reason: "service " + name + " unhealthy"}
	}

	// Rule 6: pending task blocked on an unmet research dependency.
	if t := firstTaskNeedingResearch(state); t != nil {
		return Decision{Action: ActionResearch, Rule: 6, Reason: "task " + t.ID + " has unmet research dependency"}
	}

	// Rule 7 (with cycle short-circuit): executable pending tasks.
	if state.HasDependencyCycle() {
		return Decision{Action: ActionCourseCorrect, Rule: 7, Reason: "dependency cycle"}
	}
	if executable := state.PendingExecutable(); len(executable) > 0 {
		return Decision{Action: ActionExecute, Rule: 7, Reason: "task " + executable[0].ID + " is executable"}
	}

	// Rule 8: enough completed tasks lack verification coverage.
	if needsQCGeneration(state, cfg) {
		return Decision{Action: ActionGenerateQC, Rule: 8, Reason: "completed tasks lack verification coverage"}
	}

	// Rule 9: a verification hasn't run since its covering task last changed.
	if v := firstStaleVerification(state); v != nil {
		return Decision{Action: ActionRunQC, Rule: 9, Reason: "verification " + v.ID + " not yet (re-)run"}
	}

	// Rule 10: everything terminal, everything passed, a full VRC shipped.
	if readyToExit(state) {
		return Decision{Action: ActionExitGate, Rule: 10, Reason: "all terminal, all verified, SHIP_READY seen"}
	}

	// Rule 11: stuck.
	if state.IterationsWithoutProgress >= cfg.StuckThreshold {
		return Decision{Action: ActionCourseCorrect, Rule: 11, Reason: "stuck threshold reached"}
	}

	// Rule 12: fallback.
	return Decision{Action: ActionExitGate, Rule: 12, Reason: "no other rule matched"}
}

func firstFixableFailedVerification(state *loopstate.LoopState, cfg Config) *loopstate.Verification {
	ids := sortedVerificationIDs(state)
	for _, id := range ids {
		v := state.Verifications[id]
		if v.Status == loopstate.VerificationFailed && v.Attempts < cfg.MaxFixAttempts {
			return v
		}
	}
	return nil
}

func firstUnhealthyService(state *loopstate.LoopState) (string, bool) {
	names := make([]string, 0, len(state.Context.Services))
	for name := range state.Context.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !state.Context.Services[name].Healthy {
			return name, true
		}
	}
	return "", false
}

func firstTaskNeedingResearch(state *loopstate.LoopState) *loopstate.Task {
	ids := sortedTaskIDs(state)
	for _, id := range ids {
		t := state.Tasks[id]
		if t.Status != loopstate.TaskPending {
			continue
		}
		for _, dep := range t.Dependencies {
			if !strings.HasPrefix(dep, researchDepPrefix) {
				continue
			}
			if _, done := state.Context.Values[dep]; !done {
				return t
			}
		}
	}
	return nil
}

func needsQCGeneration(state *loopstate.LoopState, cfg Config) bool {
	scoped := 0
	done := 0
	for _, t := range state.Tasks {
		if t.Status == loopstate.TaskDescoped {
			continue
		}
		scoped++
		if t.Status == loopstate.TaskDone {
			done++
		}
	}
	threshold := cfg.QCGenerationThreshold
	if scoped < threshold {
		threshold = scoped
	}
	if threshold == 0 || done < threshold {
		return false
	}
	covered := map[string]bool{}
	for _, v := range state.Verifications {
		for _, id := range v.Covers {
			covered[id] = true
		}
	}
	for _, t := range state.Tasks {
		if t.Status == loopstate.TaskDone && !covered[t.ID] {
			return true
		}
	}
	return false
}

func firstStaleVerification(state *loopstate.LoopState) *loopstate.Verification {
	ids := sortedVerificationIDs(state)
	for _, id := range ids {
		v := state.Verifications[id]
		if v.Status == loopstate.VerificationPending || v.Status == loopstate.VerificationInvalidated {
			return v
		}
	}
	return nil
}

func readyToExit(state *loopstate.LoopState) bool {
	if !state.AllTasksTerminal() {
		return false
	}
	if !state.AllVerificationsPassed() {
		return false
	}
	for i := len(state.VRCHistory) - 1; i >= 0; i-- {
		v := state.VRCHistory[i]
		if v.Mode == "full" && v.Recommendation == loopstate.VRCShipReady {
			return true
		}
	}
	return false
}

func sortedTaskIDs(state *loopstate.LoopState) []string {
	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedVerificationIDs(state *loopstate.LoopState) []string {
	ids := make([]string, 0, len(state.Verifications))
	for id := range state.Verifications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package loop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/memyselfmike/telic-loop/internal/agentgateway"
	"github.com/memyselfmike/telic-loop/internal/decisionengine"
	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// taskStatusHash digests {task_id: status} for every task, used by the VRC
// heartbeat's skip-on-no-task-change optimization.
func taskStatusHash(state *loopstate.LoopState) string {
	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := blake3.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s=%s;", id, state.Tasks[id].Status)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// vrcMode selects full vs. quick mode: the first N iterations and every
// Nth iteration thereafter run full, everything else runs quick.
func vrcMode(state *loopstate.LoopState, cfg Config, forcedFull bool) string {
	if forcedFull {
		return "full"
	}
	if state.Iteration <= cfg.VRCFullFirstN {
		return "full"
	}
	if cfg.VRCFullEveryN > 0 && state.Iteration%cfg.VRCFullEveryN == 0 {
		return "full"
	}
	return "quick"
}

func vrcRoleFor(mode string, cfg Config, state *loopstate.LoopState) agentgateway.Role {
	if mode == "full" && cfg.Decision.BudgetFraction(state.TotalTokensUsed) < cfg.Decision.BudgetWarnFraction {
		return agentgateway.RoleReasoner
	}
	return agentgateway.RoleClassifier
}

// runVRCHeartbeat runs after every non-terminal, non-paused action. It
// applies the skip optimizations, selects a mode, calls the gateway, and
// falls back to a synthesized snapshot if the agent never emits a
// structured report_vrc.
func (e *Engine) runVRCHeartbeat(ctx context.Context, state *loopstate.LoopState, decision decisionengine.Decision, lastProgress bool) {
	e.maybeRunVRC(ctx, state, decision.Action == decisionengine.ActionCriticalEval || decision.Action == decisionengine.ActionCourseCorrect, lastProgress)
}

func (e *Engine) maybeRunVRC(ctx context.Context, state *loopstate.LoopState, forcedFull bool, lastProgress bool) {
	if !lastProgress && !forcedFull {
		return
	}
	hash := taskStatusHash(state)
	if hash == e.lastVRCStatusHash && !forcedFull {
		return
	}
	minInterval := time.Duration(e.Config.Decision.VRCMinIntervalSec) * time.Second
	if !e.lastVRCAt.IsZero() && time.Since(e.lastVRCAt) < minInterval && !forcedFull {
		return
	}

	mode := vrcMode(state, e.Config, forcedFull)
	if e.Config.Decision.BudgetFraction(state.TotalTokensUsed) >= e.Config.Decision.BudgetWarnFraction {
		mode = "quick"
	}

	before := len(state.VRCHistory)
	role := vrcRoleFor(mode, e.Config, state)
	prompt := vrcPrompt(state, mode)
	e.Gateway.SetVRCMode(mode)
	_, err := e.Gateway.Run(ctx, state, role, prompt)
	e.Gateway.SetVRCMode("")
	if err != nil {
		e.Warn("vrc heartbeat: " + err.Error())
	}

	if len(state.VRCHistory) == before {
		state.AppendVRC(synthesizeVRC(state, mode))
	} else {
		enforceShipReadyGuard(state)
	}

	e.lastVRCStatusHash = hash
	e.lastVRCAt = time.Now().UTC()
}

func vrcPrompt(state *loopstate.LoopState, mode string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "vision reality check (%s mode), iteration %d\n", mode, state.Iteration)
	done, total := countDoneTasks(state)
	fmt.Fprintf(&b, "tasks done: %d/%d\n", done, total)
	return b.String()
}

func countDoneTasks(state *loopstate.LoopState) (done, total int) {
	for _, t := range state.Tasks {
		if t.Status == loopstate.TaskDescoped {
			continue
		}
		total++
		if t.Status == loopstate.TaskDone {
			done++
		}
	}
	return done, total
}

// synthesizeVRC is the fallback when the agent never emits report_vrc: a
// deliberately conservative snapshot that never recommends SHIP_READY on
// its own.
func synthesizeVRC(state *loopstate.LoopState, mode string) loopstate.VRCSnapshot {
	done, total := countDoneTasks(state)
	score := 0.0
	if total > 0 {
		score = float64(done) / float64(total)
	}
	return loopstate.VRCSnapshot{
		Iteration:            state.Iteration,
		Timestamp:            time.Now().UTC(),
		DeliverablesTotal:    total,
		DeliverablesVerified: done,
		ValueScore:           score,
		Recommendation:       loopstate.VRCContinue,
		Summary:              "synthesized: agent did not report a structured VRC",
		Mode:                 mode,
		Synthesized:          true,
	}
}

// enforceShipReadyGuard demotes an agent-reported SHIP_READY recommendation
// when gaps of disqualifying severity remain, and synthesizes exit_gate-
// sourced tasks for critical/blocking gaps.
func enforceShipReadyGuard(state *loopstate.LoopState) {
	v := state.LatestVRC()
	if v == nil {
		return
	}
	disqualifying := false
	for _, g := range v.Gaps {
		if g.Severity == loopstate.GapCritical || g.Severity == loopstate.GapBlocking || g.Severity == loopstate.GapDegraded {
			disqualifying = true
		}
		if g.Severity == loopstate.GapCritical || g.Severity == loopstate.GapBlocking {
			taskFromGap(state, g)
		}
	}
	if v.Recommendation == loopstate.VRCShipReady && disqualifying {
		v.Recommendation = loopstate.VRCCourseCorrect
	}
}

func taskFromGap(state *loopstate.LoopState, g loopstate.Gap) {
	id := "gap-" + g.ID
	if _, exists := state.Tasks[id]; exists {
		return
	}
	desc := g.SuggestedTask
	if desc == "" {
		desc = "address gap " + g.ID
	}
	_ = state.AddTask(&loopstate.Task{
		ID:          id,
		Source:      loopstate.SourceExitGate,
		Description: desc,
	})
}

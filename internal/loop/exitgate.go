package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/memyselfmike/telic-loop/internal/agentgateway"
	"github.com/memyselfmike/telic-loop/internal/gitsafety"
	"github.com/memyselfmike/telic-loop/internal/loopstate"
	"github.com/memyselfmike/telic-loop/internal/verify"
)

// runExitGate runs the fresh-context fail-fast sequence: coherence, full
// regression sweep, forced-full VRC, critical evaluation, code health, and
// finally a checkpoint + commit. It returns true only when every step
// passes; otherwise it inserts gap tasks and returns false so the loop
// continues. The safety valve caps total attempts per sprint.
func (e *Engine) runExitGate(ctx context.Context, state *loopstate.LoopState) (bool, error) {
	state.ExitGateAttempts++

	if state.ExitGateAttempts > e.Config.Decision.MaxExitGateAttempts {
		e.Warn(fmt.Sprintf("exit gate safety valve tripped after %d attempts", state.ExitGateAttempts-1))
		return true, nil
	}

	wallClock := time.Duration(e.Config.ExitGateWallClockSec) * time.Second
	gateCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	// Step 1: full coherence scan (a zero counter selects full mode). Only a
	// CRITICAL result fails the gate; WARNING findings such as monolithic
	// files are handled by step 5.
	state.TasksSinceLastCoherence = 0
	report := RunCoherenceScan(e.ProjectDir, state, e.Config)
	state.AppendCoherence(report)
	if report.Overall == loopstate.HealthCritical {
		e.Warn("exit gate: coherence scan reported " + string(report.Overall))
		return false, nil
	}

	// Step 2: full regression sweep of every verification, not only
	// pending/invalidated ones.
	passed, err := e.runFullRegression(gateCtx, state)
	if err != nil {
		return false, err
	}
	if !passed {
		return false, nil
	}

	// Step 3: fresh-context VRC, forced full.
	e.maybeRunVRC(gateCtx, state, true, true)
	latest := state.LatestVRC()
	if latest == nil || latest.Recommendation != loopstate.VRCShipReady {
		e.Warn("exit gate: VRC did not recommend SHIP_READY")
		return false, nil
	}

	// Step 4: critical evaluation, only when the deliverable has a
	// user-visible surface (recorded by EVALUATOR via context values).
	if hasUserVisibleSurface(state) {
		before := len(state.Tasks)
		if _, err := e.Gateway.Run(gateCtx, state, agentgateway.RoleEvaluator, criticalEvalPrompt(state, true)); err != nil {
			return false, fmt.Errorf("loop: exit gate critical eval: %w", err)
		}
		if len(state.Tasks) > before {
			e.Warn("exit gate: critical evaluation produced new tasks")
			return false, nil
		}
	}

	// Step 5: code-health enforcement (monolithic-file guard).
	if e.Config.CodeHealthEnabled {
		created := e.enforceCodeHealth(state, report)
		if created {
			return false, nil
		}
	}

	// Step 6: full pass. Checkpoint and commit.
	label := fmt.Sprintf("exit-gate-%d", state.ExitGateAttempts)
	cp, err := e.Git.Checkpoint(label, completedTaskIDs(state), passingVerificationIDs(state), latest.ValueScore, gitsafety.CommitOptions{})
	if err != nil {
		return false, fmt.Errorf("loop: exit gate checkpoint: %w", err)
	}
	if err := state.AppendCheckpoint(cp); err != nil {
		return false, fmt.Errorf("loop: exit gate record checkpoint: %w", err)
	}
	return true, nil
}

// runFullRegression re-runs every verification regardless of status, the
// exit gate's stronger check than RUN_QC's pending/invalidated-only sweep.
func (e *Engine) runFullRegression(ctx context.Context, state *loopstate.LoopState) (bool, error) {
	var scripts []verify.Script
	for id, v := range state.Verifications {
		scripts = append(scripts, verify.Script{ID: id, Path: v.ScriptPath, ProjectDir: e.ProjectDir})
	}
	if len(scripts) == 0 {
		return true, nil
	}

	results := e.Verifier.Run(ctx, scripts)
	verify.ApplyAll(state, results)

	allPassed := true
	for _, r := range results {
		if !r.Passed {
			allPassed = false
			e.Warn("exit gate regression: " + r.ID + " failed")
		}
	}
	return allPassed, nil
}

// criticalEvalPrompt builds the EVALUATOR prompt shared by the normal
// CRITICAL_EVAL action and the exit gate's forced evaluation step.
func criticalEvalPrompt(state *loopstate.LoopState, exitGate bool) string {
	done, total := countDoneTasks(state)
	if exitGate {
		return fmt.Sprintf("final critical evaluation before ship: %d/%d tasks done, verify the user-visible surface end to end", done, total)
	}
	return fmt.Sprintf("critical evaluation: %d/%d tasks done, look for gaps a user would notice", done, total)
}

func hasUserVisibleSurface(state *loopstate.LoopState) bool {
	v, ok := state.Context.Values["user_visible_surface"].(bool)
	return ok && v
}

// enforceCodeHealth re-derives the monolithic-file dimension from the
// report already computed this attempt and synthesizes a REFACTOR-* task
// per offending file the first time it's flagged.
func (e *Engine) enforceCodeHealth(state *loopstate.LoopState, report loopstate.CoherenceReport) bool {
	created := false
	for _, dim := range report.Dimensions {
		if dim.Name != "monolithic_files" || dim.Status == loopstate.HealthHealthy {
			continue
		}
		for i, finding := range dim.Findings {
			id := fmt.Sprintf("REFACTOR-%d-%d", state.ExitGateAttempts, i)
			if _, exists := state.Tasks[id]; exists {
				continue
			}
			_ = state.AddTask(&loopstate.Task{
				ID:          id,
				Source:      loopstate.SourceExitGate,
				Description: "split up " + finding,
			})
			created = true
		}
	}
	return created
}

func completedTaskIDs(state *loopstate.LoopState) []string {
	var ids []string
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskDone {
			ids = append(ids, id)
		}
	}
	return ids
}

func passingVerificationIDs(state *loopstate.LoopState) []string {
	var ids []string
	for id, v := range state.Verifications {
		if v.Status == loopstate.VerificationPassed {
			ids = append(ids, id)
		}
	}
	return ids
}

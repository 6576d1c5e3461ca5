package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/memyselfmike/telic-loop/internal/agentgateway"
	"github.com/memyselfmike/telic-loop/internal/decisionengine"
	"github.com/memyselfmike/telic-loop/internal/gitsafety"
	"github.com/memyselfmike/telic-loop/internal/loopstate"
	"github.com/memyselfmike/telic-loop/internal/verify"
)

// defaultHandlers wires one Handler per Action the decision engine can
// emit, except EXIT_GATE (see dispatch in engine.go).
func defaultHandlers() map[decisionengine.Action]Handler {
	return map[decisionengine.Action]Handler{
		decisionengine.ActionExecute:          handleExecute,
		decisionengine.ActionGenerateQC:       handleGenerateQC,
		decisionengine.ActionRunQC:            handleRunQC,
		decisionengine.ActionFix:              handleFix,
		decisionengine.ActionServiceFix:       handleServiceFix,
		decisionengine.ActionCriticalEval:     handleCriticalEval,
		decisionengine.ActionCourseCorrect:    handleCourseCorrect,
		decisionengine.ActionResearch:         handleResearch,
		decisionengine.ActionInteractivePause: handleInteractivePause,
	}
}

// handleExecute runs the next executable pending task through BUILDER.
// Completion (the agent calling complete_task) is read back off state;
// anything else is treated as a transient failure and reopened for retry.
func handleExecute(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	executable := state.PendingExecutable()
	if len(executable) == 0 {
		return false, nil
	}
	t := executable[0]
	if err := state.StartTask(t.ID); err != nil {
		return false, fmt.Errorf("handleExecute: %w", err)
	}

	prompt := fmt.Sprintf("implement task %s: %s", t.ID, t.Description)
	if _, err := e.Gateway.Run(ctx, state, agentgateway.RoleBuilder, prompt); err != nil {
		_ = state.ReopenTask(t.ID, e.Config.Decision.MaxTaskRetries)
		return false, nil
	}

	if state.Tasks[t.ID].Status == loopstate.TaskDone {
		e.writeDiffPatch(t.ID)
		if _, err := e.Git.CommitTask(t.ID, t.Description, commitOptionsFor(t)); err != nil {
			e.Warn("commit task " + t.ID + ": " + err.Error())
		}
		return true, nil
	}

	if err := state.ReopenTask(t.ID, e.Config.Decision.MaxTaskRetries); err != nil {
		return false, fmt.Errorf("handleExecute: reopen %s: %w", t.ID, err)
	}
	return false, nil
}

func commitOptionsFor(t *loopstate.Task) gitsafety.CommitOptions {
	return gitsafety.CommitOptions{Paths: t.FilesExpected}
}

// handleGenerateQC asks QC to cover every done task that no verification
// yet covers.
func handleGenerateQC(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	uncovered := uncoveredDoneTasks(state)
	if len(uncovered) == 0 {
		return false, nil
	}
	before := len(state.Verifications)
	prompt := "write verification scripts covering: " + joinTaskIDs(uncovered)
	if _, err := e.Gateway.Run(ctx, state, agentgateway.RoleQC, prompt); err != nil {
		return false, fmt.Errorf("handleGenerateQC: %w", err)
	}
	return len(state.Verifications) > before, nil
}

func uncoveredDoneTasks(state *loopstate.LoopState) []string {
	covered := map[string]bool{}
	for _, v := range state.Verifications {
		for _, id := range v.Covers {
			covered[id] = true
		}
	}
	var ids []string
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskDone && !covered[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func joinTaskIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

// handleRunQC executes every pending/invalidated verification script and
// folds results back into state.
func handleRunQC(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	scripts := verify.ScriptsFor(state, e.ProjectDir)
	if len(scripts) == 0 {
		return false, nil
	}
	results := e.Verifier.Run(ctx, scripts)
	verify.ApplyAll(state, results)
	for _, r := range results {
		if !r.Passed {
			e.Warn("verification " + r.ID + " failed")
		}
	}
	return true, nil
}

// handleFix sends the first fixable failed verification to FIXER, then
// re-runs just that verification.
func handleFix(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	v := firstFixableVerification(state, e.Config.Decision.MaxFixAttempts)
	if v == nil {
		return false, nil
	}
	prompt := fmt.Sprintf("fix verification %s (attempt %d): %s", v.ID, v.Attempts+1, v.LastError)
	if _, err := e.Gateway.Run(ctx, state, agentgateway.RoleFixer, prompt); err != nil {
		return false, fmt.Errorf("handleFix: %w", err)
	}
	e.writeDiffPatch("fix-" + v.ID)
	if _, err := e.Git.CommitCheckpoint("fix-"+v.ID, gitsafety.CommitOptions{}); err != nil {
		e.Warn("commit fix " + v.ID + ": " + err.Error())
	}
	results := e.Verifier.Run(ctx, []verify.Script{{ID: v.ID, Path: v.ScriptPath, ProjectDir: e.ProjectDir}})
	verify.ApplyAll(state, results)
	return true, nil
}

func firstFixableVerification(state *loopstate.LoopState, maxFixAttempts int) *loopstate.Verification {
	ids := make([]string, 0, len(state.Verifications))
	for id := range state.Verifications {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := state.Verifications[id]
		if v.Status == loopstate.VerificationFailed && v.Attempts < maxFixAttempts {
			return v
		}
	}
	return nil
}

// handleServiceFix classifies an unhealthy service as either an
// architecture gap (BUILDER can fix it in-repo) or an external blocker
// (nothing in-repo can fix it, so the dependent work is blocked).
func handleServiceFix(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	name, detail := firstUnhealthyServiceDetail(state)
	if name == "" {
		return false, nil
	}
	if isExternalBlocker(detail) {
		blockTasksDependingOnService(state, name, detail)
		e.Warn("service " + name + " reported an external blocker: " + detail)
		return true, nil
	}

	prompt := fmt.Sprintf("service %s is unhealthy (%s); fix the in-repo integration", name, detail)
	if _, err := e.Gateway.Run(ctx, state, agentgateway.RoleBuilder, prompt); err != nil {
		return false, fmt.Errorf("handleServiceFix: %w", err)
	}
	return true, nil
}

func firstUnhealthyServiceDetail(state *loopstate.LoopState) (string, string) {
	names := make([]string, 0, len(state.Context.Services))
	for name := range state.Context.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if h := state.Context.Services[name]; !h.Healthy {
			return name, h.Detail
		}
	}
	return "", ""
}

// isExternalBlocker is a conservative heuristic: anything naming an outage,
// credential, or quota problem is outside this repo's ability to fix.
func isExternalBlocker(detail string) bool {
	lower := strings.ToLower(detail)
	for _, marker := range []string{"outage", "credential", "quota", "rate limit", "unauthorized", "expired"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func blockTasksDependingOnService(state *loopstate.LoopState, service, detail string) {
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskPending || t.Status == loopstate.TaskInProgress {
			for _, dep := range t.Dependencies {
				if dep == "service:"+service {
					_ = state.BlockTask(id, "external blocker on "+service+": "+detail)
				}
			}
		}
	}
}

// handleCriticalEval asks EVALUATOR to look for user-visible gaps; any
// critical_eval-sourced task it creates is progress.
func handleCriticalEval(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	before := len(state.Tasks)
	if _, err := e.Gateway.Run(ctx, state, agentgateway.RoleEvaluator, criticalEvalPrompt(state, false)); err != nil {
		return false, fmt.Errorf("handleCriticalEval: %w", err)
	}
	return len(state.Tasks) > before, nil
}

// handleResearch asks RESEARCHER to resolve the first pending task's unmet
// research dependency and attach the answer to context values.
func handleResearch(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	topic, ok := firstUnmetResearchTopic(state)
	if !ok {
		return false, nil
	}
	prompt := "research: " + topic
	if _, err := e.Gateway.Run(ctx, state, agentgateway.RoleResearcher, prompt); err != nil {
		return false, fmt.Errorf("handleResearch: %w", err)
	}
	if _, done := state.Context.Values["research:"+topic]; !done {
		// Agent didn't attach a note; record a placeholder so the dependency
		// resolves and the loop doesn't spin on the same research forever.
		state.Context.Values["research:"+topic] = "no findings reported"
	}
	return true, nil
}

func firstUnmetResearchTopic(state *loopstate.LoopState) (string, bool) {
	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := state.Tasks[id]
		if t.Status != loopstate.TaskPending {
			continue
		}
		for _, dep := range t.Dependencies {
			const prefix = "research:"
			if len(dep) > len(prefix) && dep[:len(prefix)] == prefix {
				if _, done := state.Context.Values[dep]; !done {
					return dep[len(prefix):], true
				}
			}
		}
	}
	return "", false
}

// handleInteractivePause asks the Interviewer whether the pause resolves
// this tick. AutoApproveInterviewer resolves immediately; a real operator
// session blocks inside Confirm until answered. INTERACTIVE_PAUSE never
// counts as progress, resolved or not: it reflects an operator answering a
// question, not the loop itself advancing, so it must not reset the stuck
// counter.
func handleInteractivePause(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	if state.Pause == nil {
		return false, nil
	}
	if e.Interviewer.Confirm(state.Pause.Reason, state.Pause.Instructions) {
		state.ResolvePause()
	}
	return false, nil
}

// handleCourseCorrect delegates to the CourseCorrector.
func handleCourseCorrect(ctx context.Context, e *Engine, state *loopstate.LoopState) (bool, error) {
	cc := NewCourseCorrector(e)
	return cc.Run(ctx, state)
}

// writeDiffPatch captures the working tree's uncommitted diff against HEAD
// and saves it under .loop/diffs/<label>.patch, a postmortem artifact
// alongside each EXECUTE/FIX commit. Failure here is non-fatal: the commit
// itself is still the source of truth.
func (e *Engine) writeDiffPatch(label string) {
	patch, err := gitsafety.DiffPatch(e.ProjectDir, "HEAD")
	if err != nil || strings.TrimSpace(patch) == "" {
		return
	}
	dir := filepath.Join(e.ProjectDir, ".loop", "diffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.Warn("create diffs dir: " + err.Error())
		return
	}
	path := filepath.Join(dir, label+".patch")
	if err := os.WriteFile(path, []byte(patch), 0o644); err != nil {
		e.Warn("write diff patch " + label + ": " + err.Error())
	}
}

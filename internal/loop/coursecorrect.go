package loop

import (
	"context"
	"fmt"
	"sort"

	"github.com/memyselfmike/telic-loop/internal/agentgateway"
	"github.com/memyselfmike/telic-loop/internal/gitsafety"
	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// CourseCorrector is invoked whenever the decision engine emits
// COURSE_CORRECT: it packages state into a context bundle, asks the agent
// for exactly one of six verbs, and applies that verb's effect.
type CourseCorrector struct {
	e *Engine
}

func NewCourseCorrector(e *Engine) *CourseCorrector {
	return &CourseCorrector{e: e}
}

// Run sends the stuck-reason bundle to REASONER and applies whichever verb
// comes back via report_course_correction. If the agent never reports one,
// it falls back to descoping the stuck task so the loop cannot wedge.
func (c *CourseCorrector) Run(ctx context.Context, state *loopstate.LoopState) (bool, error) {
	prompt := courseCorrectionPrompt(state)
	if _, err := c.e.Gateway.Run(ctx, state, agentgateway.RoleReasoner, prompt); err != nil {
		return false, fmt.Errorf("course correct: %w", err)
	}

	raw, ok := state.Context.Values["course_correction"].(map[string]any)
	delete(state.Context.Values, "course_correction")
	if !ok {
		return c.fallbackDescope(state)
	}

	verb, _ := raw["action"].(string)
	reason, _ := raw["reason"].(string)
	if reason == "" {
		return false, fmt.Errorf("course correct: verb %q missing reason", verb)
	}

	switch verb {
	case "restructure":
		return c.restructure(state, raw, reason)
	case "descope":
		return c.descope(state, raw, reason)
	case "new_tasks":
		return c.newTasks(ctx, state, reason)
	case "rollback":
		return c.rollback(state, raw, reason)
	case "regenerate_tests":
		return c.regenerateTests(state, reason)
	case "escalate":
		return c.escalate(state, reason)
	default:
		return false, fmt.Errorf("course correct: unknown verb %q", verb)
	}
}

func courseCorrectionPrompt(state *loopstate.LoopState) string {
	return fmt.Sprintf(
		"stuck after %d iterations without progress; %d tasks, %d verifications, %d checkpoints; decide one course-correction verb",
		state.IterationsWithoutProgress, len(state.Tasks), len(state.Verifications), len(state.Checkpoints),
	)
}

func (c *CourseCorrector) fallbackDescope(state *loopstate.LoopState) (bool, error) {
	id := stuckTaskID(state)
	if id == "" {
		state.RequestPause("course correction stalled", "agent reported no verb and no task is clearly stuck; operator input needed")
		return true, nil
	}
	if err := state.DescopeTask(id); err != nil {
		return false, fmt.Errorf("course correct fallback descope %s: %w", id, err)
	}
	state.IterationsWithoutProgress = 0
	return true, nil
}

func stuckTaskID(state *loopstate.LoopState) string {
	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if t := state.Tasks[id]; t.Status == loopstate.TaskPending || t.Status == loopstate.TaskBlocked {
			return id
		}
	}
	return ""
}

func (c *CourseCorrector) restructure(state *loopstate.LoopState, raw map[string]any, reason string) (bool, error) {
	state.IterationsWithoutProgress = 0
	for _, v := range stringSlice(raw["tasks_to_restructure"]) {
		invalidateVerificationsCovering(state, v)
	}
	c.e.Warn("restructure: " + reason)
	if _, err := c.e.Git.CommitCheckpoint("restructure", gitsafety.CommitOptions{}); err != nil {
		c.e.Warn("restructure commit: " + err.Error())
	}
	return true, nil
}

func (c *CourseCorrector) descope(state *loopstate.LoopState, raw map[string]any, reason string) (bool, error) {
	descoped := false
	for _, id := range stringSlice(raw["tasks_to_restructure"]) {
		if err := state.DescopeTask(id); err == nil {
			descoped = true
		}
	}
	if !descoped {
		if id := stuckTaskID(state); id != "" {
			if err := state.DescopeTask(id); err == nil {
				descoped = true
			}
		}
	}
	if descoped {
		state.IterationsWithoutProgress = 0
	}
	c.e.Warn("descope: " + reason)
	if _, err := c.e.Git.CommitCheckpoint("descope", gitsafety.CommitOptions{}); err != nil {
		c.e.Warn("descope commit: " + err.Error())
	}
	return descoped, nil
}

// newTasks asks BUILDER-adjacent tooling (create_task calls, already
// wired through the gateway) to insert follow-on work; the verb itself
// just records the reason and commits whatever create_task calls landed.
func (c *CourseCorrector) newTasks(ctx context.Context, state *loopstate.LoopState, reason string) (bool, error) {
	before := len(state.Tasks)
	c.e.Warn("new_tasks: " + reason)
	if _, err := c.e.Git.CommitCheckpoint("new-tasks", gitsafety.CommitOptions{}); err != nil {
		c.e.Warn("new_tasks commit: " + err.Error())
	}
	return len(state.Tasks) > before, nil
}

func (c *CourseCorrector) rollback(state *loopstate.LoopState, raw map[string]any, reason string) (bool, error) {
	if state.RollbacksSoFar >= c.e.Config.Decision.MaxRollbacksPerSprint {
		state.RequestPause("rollback budget exhausted", reason)
		return true, nil
	}
	label, _ := raw["rollback_to_checkpoint"].(string)
	if label == "" {
		return false, fmt.Errorf("course correct: rollback missing rollback_to_checkpoint")
	}
	cp, ok := state.CheckpointByLabel(label)
	if !ok {
		return false, fmt.Errorf("course correct: unknown checkpoint %s", label)
	}
	if err := c.e.Git.Rollback(*cp); err != nil {
		return false, fmt.Errorf("course correct rollback: %w", err)
	}

	completedAtCheckpoint := map[string]bool{}
	for _, id := range cp.TasksCompleted {
		completedAtCheckpoint[id] = true
	}
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskDone && !completedAtCheckpoint[id] {
			if err := state.ReopenTask(id, c.e.Config.Decision.MaxTaskRetries); err != nil {
				return false, fmt.Errorf("course correct rollback reopen %s: %w", id, err)
			}
		}
	}
	// A rollback can revert the exact code change that made a service
	// integration unhealthy (or, just as easily, revert a fix that made it
	// healthy); stale entries from before the rollback no longer describe
	// the working tree that's now checked out. Clearing forces Rule 5 to
	// treat every service as unprobed until the boundary collaborator that
	// owns health checks reports in again.
	state.Context.Services = map[string]loopstate.ServiceHealth{}

	state.RollbacksSoFar++
	state.IterationsWithoutProgress = 0
	c.e.Warn("rollback to " + label + ": " + reason)
	return true, nil
}

func (c *CourseCorrector) regenerateTests(state *loopstate.LoopState, reason string) (bool, error) {
	invalidated := false
	for _, v := range state.Verifications {
		if v.Status == loopstate.VerificationPassed || v.Status == loopstate.VerificationFailed {
			v.Status = loopstate.VerificationInvalidated
			invalidated = true
		}
	}
	c.e.Warn("regenerate_tests: " + reason)
	return invalidated, nil
}

func (c *CourseCorrector) escalate(state *loopstate.LoopState, reason string) (bool, error) {
	state.RequestPause("escalated by course correction", reason)
	return true, nil
}

func invalidateVerificationsCovering(state *loopstate.LoopState, taskID string) {
	for _, v := range state.Verifications {
		for _, covered := range v.Covers {
			if covered == taskID {
				v.Status = loopstate.VerificationInvalidated
			}
		}
	}
}

func stringSlice(raw any) []string {
	s, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s))
	for _, v := range s {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

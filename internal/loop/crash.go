package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// crashBackoff is the linear backoff schedule between restarts used when
// Config.CrashBackoffSec is empty: 10s, 20s, 30s, then holding at 30s for
// any further attempt.
func crashBackoff(attempt int) time.Duration {
	secs := 10 * attempt
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// RunWithCrashSupervisor is the third and outermost crash-resilience layer:
// it wraps Engine.Run and, if the run itself terminates with an error
// rather than returning a clean Outcome (a panic escaping runHandlerContained,
// or any other unclassified failure the inner layers didn't catch), resets
// the in-progress task, saves state, sleeps the linear backoff, and restarts
// from the persisted state rather than losing the sprint. It gives up once
// RestartsSoFar exceeds max_crash_restarts and returns the last error.
func RunWithCrashSupervisor(ctx context.Context, e *Engine, state *loopstate.LoopState) (outcome Outcome, err error) {
	for {
		outcome, err = runContained(ctx, e, state)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return outcome, err
		}

		state.ResetInProgress()
		state.RestartsSoFar++
		e.Warn(fmt.Sprintf("crash supervisor restart %d: %v", state.RestartsSoFar, err))
		if saveErr := e.Store.Save(state); saveErr != nil {
			return Outcome{}, fmt.Errorf("loop: crash supervisor save: %w", saveErr)
		}

		if state.RestartsSoFar > e.Config.Decision.MaxCrashRestarts {
			return Outcome{Partial: true, Iterations: state.Iteration}, fmt.Errorf("loop: exceeded max_crash_restarts (%d): %w", e.Config.Decision.MaxCrashRestarts, err)
		}

		backoff := crashBackoff(state.RestartsSoFar)
		if steps := e.Config.CrashBackoffSec; len(steps) > 0 {
			i := state.RestartsSoFar - 1
			if i >= len(steps) {
				i = len(steps) - 1
			}
			backoff = time.Duration(steps[i]) * time.Second
		}
		if e.Backoff != nil {
			backoff = e.Backoff(state.RestartsSoFar)
		}
		select {
		case <-ctx.Done():
			return Outcome{Partial: true, Iterations: state.Iteration}, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// runContained isolates the panic-recovery boundary itself from
// RunWithCrashSupervisor's restart bookkeeping: a panic that somehow
// escapes runHandlerContained (e.g. inside step's own dispatch plumbing,
// not a handler body) is turned into an error here instead of taking the
// whole process down.
func runContained(ctx context.Context, e *Engine, state *loopstate.LoopState) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop: unrecovered panic: %v", r)
		}
	}()
	return e.Run(ctx, state)
}

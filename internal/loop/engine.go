// Package loop wires every other package into the value-loop scheduler:
// DecisionEngine -> Action -> Handler -> StateStore -> CoherenceMonitor ->
// VRCHeartbeat -> save, repeated until the decision engine and ExitGate
// agree the sprint is over, wrapped in three layers of crash resilience.
package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/memyselfmike/telic-loop/internal/agentgateway"
	"github.com/memyselfmike/telic-loop/internal/decisionengine"
	"github.com/memyselfmike/telic-loop/internal/gitsafety"
	"github.com/memyselfmike/telic-loop/internal/loopstate"
	"github.com/memyselfmike/telic-loop/internal/verify"
)

// Handler is an action handler's full contract: all mutations flow through
// state; the returned bool reports whether the iteration made progress,
// consumed by stuck-detection.
type Handler func(ctx context.Context, eng *Engine, state *loopstate.LoopState) (progress bool, err error)

// Engine owns every collaborator the scheduler needs for one sprint run.
type Engine struct {
	Config     Config
	ProjectDir string

	Store       *loopstate.StateStore
	Gateway     *agentgateway.Gateway
	Git         *gitsafety.Net
	Verifier    *verify.Runner
	Interviewer Interviewer

	handlers map[decisionengine.Action]Handler

	warningsMu sync.Mutex
	Warnings   []string

	lastVRCStatusHash string
	lastVRCAt         time.Time

	// Backoff overrides the crash supervisor's restart delay; nil uses
	// Config.CrashBackoffSec (the linear 10s/20s/30s schedule by default).
	// Tests set this to skip real sleeps.
	Backoff func(attempt int) time.Duration
}

// NewEngine wires the default handler registry for every Action the
// decision engine can emit.
func NewEngine(cfg Config, projectDir string, store *loopstate.StateStore, gw *agentgateway.Gateway, git *gitsafety.Net, verifier *verify.Runner) *Engine {
	e := &Engine{
		Config:      cfg,
		ProjectDir:  projectDir,
		Store:       store,
		Gateway:     gw,
		Git:         git,
		Verifier:    verifier,
		Interviewer: AutoApproveInterviewer{},
	}
	e.handlers = defaultHandlers()
	return e
}

// Warn records a non-fatal warning surfaced in the delivery report, an
// accumulator used in place of a logging framework.
func (e *Engine) Warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.Warnings = append(e.Warnings, msg)
	e.warningsMu.Unlock()
}

// WarningsCopy returns a snapshot of accumulated warnings.
func (e *Engine) WarningsCopy() []string {
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.Warnings...)
}

// Outcome is what Run returns when the loop terminates.
type Outcome struct {
	Shipped  bool
	Partial  bool
	Iterations int
}

// Run drives the scheduler until a step reports the sprint finished or
// returns an error. It is the single entry point RunWithCrashSupervisor
// wraps with process-level auto-restart and the max_crash_restarts ceiling.
func (e *Engine) Run(ctx context.Context, state *loopstate.LoopState) (Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			if err := e.Store.Save(state); err != nil {
				return Outcome{}, fmt.Errorf("loop: save on cancellation: %w", err)
			}
			return Outcome{Partial: true, Iterations: state.Iteration}, ctx.Err()
		default:
		}

		done, shipped, err := e.step(ctx, state)
		if err != nil {
			return Outcome{}, err
		}
		if done {
			return Outcome{Shipped: shipped, Partial: !shipped, Iterations: state.Iteration}, nil
		}
	}
}

// step runs exactly one scheduler iteration, in a fixed order:
// decide -> dispatch (handlers make their own commits) -> progress entry ->
// coherence -> VRC -> save, then the exit gate when EXIT_GATE was chosen.
// An action with no registered handler is returned as an error rather than
// recorded as no_progress, so it reaches the crash supervisor.
func (e *Engine) step(ctx context.Context, state *loopstate.LoopState) (bool, bool, error) {
	decision := decisionengine.Decide(state, e.Config.Decision)
	if _, ok := e.handlers[decision.Action]; !ok && decision.Action != decisionengine.ActionExitGate {
		return false, false, fmt.Errorf("loop: no handler registered for action %s", decision.Action)
	}

	tokensBefore := state.TotalTokensUsed
	started := time.Now()
	progress, herr := e.dispatch(ctx, state, decision)
	elapsed := time.Since(started)

	result := loopstate.ResultProgress
	detail := decision.Reason
	if !progress {
		result = loopstate.ResultNoProgress
	}
	if herr != nil {
		detail = herr.Error()
		result = loopstate.ResultNoProgress
	}

	// Handlers call the gateway directly, so the input/output split isn't
	// visible here; the combined delta is recorded as OutputTokens so the
	// per-phase report still totals correctly.
	spent := state.TotalTokensUsed - tokensBefore
	state.AppendProgress(loopstate.ProgressEntry{
		Action:       string(decision.Action),
		Result:       result,
		Detail:       detail,
		OutputTokens: int(spent),
		DurationSec:  elapsed.Seconds(),
	})

	if decision.Action != decisionengine.ActionInteractivePause {
		state.TasksSinceLastCoherence++
		if e.shouldRunCoherence(state) {
			report := RunCoherenceScan(e.ProjectDir, state, e.Config)
			state.AppendCoherence(report)
		}
		// EXIT_GATE forces its own fresh-context VRC in step 3 of
		// runExitGate; running the heartbeat here too would spend a second
		// forced-full gateway round-trip on the same tick for nothing.
		if decision.Action != decisionengine.ActionExitGate {
			e.runVRCHeartbeat(ctx, state, decision, progress)
		}
	}

	if saveErr := e.Store.Save(state); saveErr != nil {
		return false, false, fmt.Errorf("loop: save after iteration: %w", saveErr)
	}

	if decision.Action == decisionengine.ActionExitGate {
		shipped, gateErr := e.runExitGate(ctx, state)
		if saveErr := e.Store.Save(state); saveErr != nil {
			return false, false, fmt.Errorf("loop: save after exit gate: %w", saveErr)
		}
		if gateErr != nil {
			return false, false, gateErr
		}
		if shipped {
			return true, true, nil
		}
		if state.ExitGateAttempts > e.Config.Decision.MaxExitGateAttempts {
			return true, false, nil
		}
	}

	return false, false, nil
}

func (e *Engine) shouldRunCoherence(state *loopstate.LoopState) bool {
	return state.TasksSinceLastCoherence >= 3 || state.CoherenceCriticalPending
}

// dispatch routes every action except EXIT_GATE through its handler. EXIT_GATE
// has no handler entry: step runs its fail-fast sequence directly via
// runExitGate once dispatch/coherence/VRC/save have completed for this tick,
// since its three-way outcome (shipped / gap-tasks-inserted / safety-valve)
// doesn't fit the handler's single progress bool.
func (e *Engine) dispatch(ctx context.Context, state *loopstate.LoopState, decision decisionengine.Decision) (progress bool, err error) {
	if decision.Action == decisionengine.ActionExitGate {
		return true, nil
	}
	h, ok := e.handlers[decision.Action]
	if !ok {
		return false, fmt.Errorf("loop: no handler registered for action %s", decision.Action)
	}
	return e.runHandlerContained(ctx, state, h)
}

// runHandlerContained is the second crash-resilience layer: a handler
// panic is caught, the in-progress task reset to pending, and the
// scheduler advances instead of crashing the process.
func (e *Engine) runHandlerContained(ctx context.Context, state *loopstate.LoopState, h Handler) (progress bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			state.ResetInProgress()
			e.Warn(fmt.Sprintf("handler panic recovered: %v", r))
			progress = false
			err = nil
		}
	}()
	return h(ctx, e, state)
}

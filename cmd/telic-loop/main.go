// Command telic-loop runs one sprint of the value-loop scheduler end to end:
// it loads the sprint's Vision/PRD, seeds an initial plan, drives the
// scheduler under three layers of crash resilience, and writes
// DELIVERY_REPORT.md before exiting.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/memyselfmike/telic-loop/internal/agentgateway"
	"github.com/memyselfmike/telic-loop/internal/discovery"
	"github.com/memyselfmike/telic-loop/internal/gitsafety"
	"github.com/memyselfmike/telic-loop/internal/loop"
	"github.com/memyselfmike/telic-loop/internal/loopstate"
	"github.com/memyselfmike/telic-loop/internal/report"
	"github.com/memyselfmike/telic-loop/internal/verify"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: telic-loop <sprint-dir> [--project-dir PATH] [--config PATH]")
}

// run contains everything main would otherwise do inline, so tests can
// drive it without an os.Exit.
func run(args []string) int {
	sprintDir, projectDir, configPath, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "telic-loop:", err)
		usage()
		return 1
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	outcome, runErr := runSprint(ctx, sprintDir, projectDir, configPath, agentgateway.NewSimulatedSession())
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "telic-loop:", runErr)
	}
	switch {
	case outcome.Shipped:
		return 0
	case runErr != nil && !outcome.Partial:
		return 1
	default:
		return 2
	}
}

func parseArgs(args []string) (sprintDir, projectDir, configPath string, err error) {
	if len(args) < 1 || args[0] == "" {
		return "", "", "", fmt.Errorf("missing <sprint-dir>")
	}
	sprintDir = args[0]
	projectDir = sprintDir

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--project-dir":
			i++
			if i >= len(args) {
				return "", "", "", fmt.Errorf("--project-dir requires a value")
			}
			projectDir = args[i]
		case "--config":
			i++
			if i >= len(args) {
				return "", "", "", fmt.Errorf("--config requires a value")
			}
			configPath = args[i]
		default:
			return "", "", "", fmt.Errorf("unrecognized argument %q", args[i])
		}
	}
	return sprintDir, projectDir, configPath, nil
}

// signalCancelContext derives a cancellable context that SIGINT/SIGTERM
// trip, so a persisted-partial-report shutdown is the normal path for an
// interrupted run rather than an abrupt kill.
func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

// runSprint wires every collaborator for one sprint: lock, feature branch,
// state store, gateway, engine, crash supervisor, delivery report. open
// builds the agent session backend; tests substitute a scripted Opener in
// place of the CLI's default SimulatedAgentSession.
func runSprint(ctx context.Context, sprintDir, projectDir, configPath string, open agentgateway.Opener) (loop.Outcome, error) {
	sprint := filepath.Base(filepath.Clean(sprintDir))
	loopDir := filepath.Join(sprintDir, ".loop")

	lock := gitsafety.NewLock(filepath.Join(loopDir, ".loop.lock"))
	if err := os.MkdirAll(loopDir, 0o755); err != nil {
		return loop.Outcome{}, fmt.Errorf("create .loop dir: %w", err)
	}
	if err := lock.Acquire(); err != nil {
		return loop.Outcome{}, err
	}
	defer lock.Release()

	if err := os.MkdirAll(filepath.Join(loopDir, "checkpoints"), 0o755); err != nil {
		return loop.Outcome{}, fmt.Errorf("create checkpoints dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(loopDir, "verifications"), 0o755); err != nil {
		return loop.Outcome{}, fmt.Errorf("create verifications dir: %w", err)
	}

	git, err := gitsafety.EnsureFeatureBranch(projectDir, sprint, time.Now())
	if err != nil {
		return loop.Outcome{}, err
	}

	cfg, err := loop.LoadConfig(configPath)
	if err != nil {
		return loop.Outcome{}, err
	}

	store := loopstate.NewStateStore(filepath.Join(loopDir, "state.json"))
	state, resumed, err := loadOrInitState(store, sprint)
	if err != nil {
		return loop.Outcome{}, err
	}

	registry := agentgateway.NewToolRegistry()
	if err := agentgateway.RegisterDefaultTools(registry, nil); err != nil {
		return loop.Outcome{}, fmt.Errorf("register tools: %w", err)
	}
	gateway := agentgateway.NewGateway(open, registry)

	if !resumed {
		if err := bootstrapPlan(ctx, gateway, state, sprintDir); err != nil {
			return loop.Outcome{}, fmt.Errorf("bootstrap plan: %w", err)
		}
	}

	engine := loop.NewEngine(cfg, projectDir, store, gateway, git, verify.NewRunner())

	outcome, runErr := loop.RunWithCrashSupervisor(ctx, engine, state)

	repOutcome := report.Outcome{
		Shipped:  outcome.Shipped,
		Partial:  outcome.Partial,
		Warnings: engine.WarningsCopy(),
	}
	if path, repErr := report.Write(loopDir, state, repOutcome); repErr != nil {
		engine.Warn(fmt.Sprintf("failed to write delivery report: %v", repErr))
	} else {
		fmt.Println("wrote", path)
	}

	return outcome, runErr
}

func loadOrInitState(store *loopstate.StateStore, sprint string) (*loopstate.LoopState, bool, error) {
	if store.Exists() {
		state, err := store.Load()
		if err != nil {
			return nil, false, fmt.Errorf("load state: %w", err)
		}
		return state, true, nil
	}
	state := loopstate.NewLoopState(sprint)
	if err := store.Save(state); err != nil {
		return nil, false, fmt.Errorf("initialize state: %w", err)
	}
	return state, false, nil
}

// bootstrapPlan runs the one discovery turn a fresh sprint needs before the
// scheduler's main loop starts: it reads the sprint's human-authored
// documents, probes the environment, and asks the reasoner role to seed an
// initial task plan via create_task tool calls.
func bootstrapPlan(ctx context.Context, gateway *agentgateway.Gateway, state *loopstate.LoopState, sprintDir string) error {
	vision, err := readRequiredDoc(sprintDir, "VISION.md")
	if err != nil {
		return err
	}
	prd, err := readRequiredDoc(sprintDir, "PRD.md")
	if err != nil {
		return err
	}
	architecture := readOptionalDoc(sprintDir, "ARCHITECTURE.md")

	env := discovery.Probe(ctx, sprintDir)
	prompt := discovery.RenderDiscoveryPrompt(discovery.Inputs{
		Sprint:       state.Sprint,
		Vision:       vision,
		PRD:          prd,
		Architecture: architecture,
	}, env)

	_, err = gateway.Run(ctx, state, agentgateway.RoleReasoner, prompt)
	return err
}

func readRequiredDoc(sprintDir, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(sprintDir, name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(b), nil
}

func readOptionalDoc(sprintDir, name string) string {
	b, err := os.ReadFile(filepath.Join(sprintDir, name))
	if err != nil {
		return ""
	}
	return string(b)
}

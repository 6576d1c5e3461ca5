package loop

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/memyselfmike/telic-loop/internal/agentgateway"
	"github.com/memyselfmike/telic-loop/internal/gitsafety"
	"github.com/memyselfmike/telic-loop/internal/loopstate"
	"github.com/memyselfmike/telic-loop/internal/verify"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.name", "test")
	run("config", "user.email", "test@test")
	if err := os.WriteFile(filepath.Join(dir, "initial.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

// newTestEngine wires a real gitsafety.Net against a throwaway repo, a
// SimulatedAgentSession scripted with the given results, and an in-memory
// StateStore path, giving handler tests a fully-functional Engine.
func newTestEngine(t *testing.T, scripts ...agentgateway.SendResult) (*Engine, *loopstate.LoopState) {
	t.Helper()
	dir := initTestRepo(t)
	net, err := gitsafety.EnsureFeatureBranch(dir, "sprint-1", time.Now())
	if err != nil {
		t.Fatalf("EnsureFeatureBranch: %v", err)
	}

	registry := agentgateway.NewToolRegistry()
	if err := agentgateway.RegisterDefaultTools(registry, nil); err != nil {
		t.Fatalf("RegisterDefaultTools: %v", err)
	}
	gw := agentgateway.NewGateway(agentgateway.NewSimulatedSession(scripts...), registry)

	store := loopstate.NewStateStore(filepath.Join(dir, "state.json"))
	state := loopstate.NewLoopState("sprint-1")

	e := NewEngine(DefaultConfig(), dir, store, gw, net, verify.NewRunner())
	return e, state
}

package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunner_Run_PassAndFail(t *testing.T) {
	dir := t.TempDir()
	pass := writeScript(t, dir, "pass.sh", "#!/bin/sh\nexit 0\n")
	fail := writeScript(t, dir, "fail.sh", "#!/bin/sh\necho boom 1>&2\nexit 1\n")

	r := NewRunner()
	results := r.Run(context.Background(), []Script{
		{ID: "v1", Path: pass, ProjectDir: dir},
		{ID: "v2", Path: fail, ProjectDir: dir},
	})

	byID := map[string]Result{}
	for _, res := range results {
		byID[res.ID] = res
	}

	if !byID["v1"].Passed {
		t.Fatalf("expected v1 to pass, got %+v", byID["v1"])
	}
	if byID["v2"].Passed || byID["v2"].ExitCode != 1 {
		t.Fatalf("expected v2 to fail with exit 1, got %+v", byID["v2"])
	}
	if byID["v2"].Stderr == "" {
		t.Fatal("expected stderr captured")
	}
}

func TestRunner_Run_RespectsPerScriptTimeout(t *testing.T) {
	dir := t.TempDir()
	slow := writeScript(t, dir, "slow.sh", "#!/bin/sh\nsleep 5\nexit 0\n")

	r := &Runner{PerScriptTimeout: 100 * time.Millisecond, TotalWallClock: time.Second, MaxParallel: 1}
	results := r.Run(context.Background(), []Script{{ID: "v1", Path: slow, ProjectDir: dir}})

	if results[0].Passed {
		t.Fatal("expected timeout to fail the script")
	}
}

func TestRunner_Run_BoundsParallelism(t *testing.T) {
	dir := t.TempDir()
	quick := writeScript(t, dir, "quick.sh", "#!/bin/sh\nexit 0\n")

	scripts := make([]Script, 0, 8)
	for i := 0; i < 8; i++ {
		scripts = append(scripts, Script{ID: string(rune('a' + i)), Path: quick, ProjectDir: dir})
	}

	r := &Runner{PerScriptTimeout: time.Second, TotalWallClock: 5 * time.Second, MaxParallel: 2}
	results := r.Run(context.Background(), scripts)
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	for _, res := range results {
		if !res.Passed {
			t.Fatalf("expected all quick scripts to pass, got %+v", res)
		}
	}
}

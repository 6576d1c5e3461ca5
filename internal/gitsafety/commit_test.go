package gitsafety

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCommitTask_WritesExpectedMessage(t *testing.T) {
	dir := initTestRepo(t)
	net, err := EnsureFeatureBranch(dir, "sprint-1", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("EnsureFeatureBranch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, err := net.CommitTask("T1", "add login endpoint", CommitOptions{})
	if err != nil {
		t.Fatalf("CommitTask: %v", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty commit hash")
	}

	out, _, err := runGit(dir, "log", "-1", "--format=%B")
	if err != nil {
		t.Fatalf("git log: %v", err)
	}
	if !strings.Contains(out, "telic-loop(sprint-1): T1 — add login endpoint") {
		t.Fatalf("commit message missing expected header, got: %s", out)
	}
	if !strings.Contains(out, "Telic-Loop") {
		t.Fatalf("commit message missing coauthor trailer, got: %s", out)
	}
}

func TestCommitTask_RefusesSensitiveFile(t *testing.T) {
	dir := initTestRepo(t)
	net, err := EnsureFeatureBranch(dir, "sprint-1", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("EnsureFeatureBranch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = net.CommitTask("T1", "oops", CommitOptions{})
	if err == nil {
		t.Fatal("expected CommitTask to refuse when a sensitive file is staged")
	}
}

func TestCommitTask_RefusesOnProtectedBranch(t *testing.T) {
	dir := initTestRepo(t)
	net := &Net{Dir: dir, Sprint: "sprint-1", Branch: "main"}
	_, err := net.CommitTask("T1", "whoops", CommitOptions{})
	if err == nil {
		t.Fatal("expected CommitTask to refuse on protected branch")
	}
}

func TestCheckpointAndRollback(t *testing.T) {
	dir := initTestRepo(t)
	net, err := EnsureFeatureBranch(dir, "sprint-1", time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("EnsureFeatureBranch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "v1.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}
	cp, err := net.Checkpoint("cp-1", []string{"T1"}, []string{"V1"}, 0.5, CommitOptions{})
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if cp.Label != "cp-1" || cp.CommitHash == "" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	if err := os.WriteFile(filepath.Join(dir, "v2.go"), []byte("package main // corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := net.CommitCheckpoint("cp-2", CommitOptions{}); err != nil {
		t.Fatalf("CommitCheckpoint: %v", err)
	}

	if err := net.Rollback(cp); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	head, err := HeadSHA(dir)
	if err != nil {
		t.Fatalf("HeadSHA: %v", err)
	}
	if head != cp.CommitHash {
		t.Fatalf("expected HEAD to match checkpoint hash after rollback, got %s want %s", head, cp.CommitHash)
	}
	if _, err := os.Stat(filepath.Join(dir, "v2.go")); !os.IsNotExist(err) {
		t.Fatal("expected v2.go to be removed by rollback")
	}
}

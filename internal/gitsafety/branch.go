package gitsafety

import (
	"fmt"
	"time"
)

// protectedBranches may never receive a direct commit from the loop.
var protectedBranches = map[string]bool{
	"main":    true,
	"master":  true,
	"develop": true,
}

func IsProtected(branch string) bool {
	return protectedBranches[branch]
}

// FeatureBranchName builds the standard telic-loop/<sprint>-<timestamp> name.
func FeatureBranchName(sprint string, now time.Time) string {
	return fmt.Sprintf("telic-loop/%s-%d", sprint, now.Unix())
}

// Net bundles a project directory with the sprint's feature branch,
// refusing any operation that would touch a protected branch.
type Net struct {
	Dir    string
	Sprint string
	Branch string
}

// EnsureFeatureBranch creates (or reuses, on resume) the sprint's feature
// branch off the current HEAD and checks it out. It refuses to proceed if
// the working tree is dirty or HEAD is already a protected branch with
// uncommitted changes that would be clobbered.
func EnsureFeatureBranch(dir, sprint string, now time.Time) (*Net, error) {
	if !IsRepo(dir) {
		return nil, fmt.Errorf("gitsafety: %s is not a git repository", dir)
	}
	clean, err := IsClean(dir)
	if err != nil {
		return nil, fmt.Errorf("gitsafety: check working tree: %w", err)
	}
	if !clean {
		return nil, fmt.Errorf("gitsafety: working tree is dirty, refusing to start sprint %s", sprint)
	}

	current, err := CurrentBranch(dir)
	if err != nil {
		return nil, fmt.Errorf("gitsafety: resolve current branch: %w", err)
	}

	// Resume: if a feature branch for this sprint is already checked out,
	// reuse it rather than minting a second one.
	if hasFeatureBranchPrefix(current, sprint) {
		return &Net{Dir: dir, Sprint: sprint, Branch: current}, nil
	}

	head, err := HeadSHA(dir)
	if err != nil {
		return nil, fmt.Errorf("gitsafety: resolve HEAD: %w", err)
	}
	branch := FeatureBranchName(sprint, now)
	if !BranchExists(dir, branch) {
		if err := CreateBranch(dir, branch, head); err != nil {
			return nil, fmt.Errorf("gitsafety: create feature branch: %w", err)
		}
	}
	if err := CheckoutBranch(dir, branch); err != nil {
		return nil, fmt.Errorf("gitsafety: checkout feature branch: %w", err)
	}
	return &Net{Dir: dir, Sprint: sprint, Branch: branch}, nil
}

func hasFeatureBranchPrefix(branch, sprint string) bool {
	prefix := "telic-loop/" + sprint + "-"
	if len(branch) < len(prefix) {
		return false
	}
	return branch[:len(prefix)] == prefix
}

// guardProtected refuses any mutating operation while HEAD is a protected
// branch; every commit/reset entry point in this package calls it first.
func (n *Net) guardProtected() error {
	if IsProtected(n.Branch) {
		return fmt.Errorf("gitsafety: refusing to operate on protected branch %q", n.Branch)
	}
	current, err := CurrentBranch(n.Dir)
	if err != nil {
		return fmt.Errorf("gitsafety: resolve current branch: %w", err)
	}
	if IsProtected(current) {
		return fmt.Errorf("gitsafety: working tree has switched to protected branch %q", current)
	}
	if current != n.Branch {
		return fmt.Errorf("gitsafety: working tree is on %q, expected feature branch %q", current, n.Branch)
	}
	return nil
}

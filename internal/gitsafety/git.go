// Package gitsafety wraps the feature-branch lifecycle, per-task commits,
// labeled checkpoints, bounded rollback, a sensitive-file guard, and the
// sprint's advisory lock — the "never lose work, never leak a secret, never
// run two loops on one sprint" net around the scheduler.
package gitsafety

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError wraps a failed git invocation with its captured output.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func runGit(dir string, args ...string) (string, string, error) {
	// Disable background auto-maintenance so checkpoint commits taken every
	// few seconds during a run don't race a concurrent gc.
	base := []string{"-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr, errStr := stdout.String(), stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// StagedFiles returns the paths currently staged for the next commit.
func StagedFiles(dir string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", "--cached")
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

func BranchExists(dir, branch string) bool {
	_, _, err := runGit(dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func CreateBranch(dir, branch, baseSHA string) error {
	_, _, err := runGit(dir, "branch", branch, baseSHA)
	return err
}

func CheckoutBranch(dir, branch string) error {
	_, _, err := runGit(dir, "switch", branch)
	return err
}

func ResetHard(dir, sha string) error {
	_, _, err := runGit(dir, "reset", "--hard", sha)
	return err
}

func AddAll(dir string) error {
	_, _, err := runGit(dir, "add", "-A")
	return err
}

func AddPaths(dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add"}, paths...)
	_, _, err := runGit(dir, args...)
	return err
}

func ResetPaths(dir string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"reset", "HEAD", "--"}, paths...)
	_, _, err := runGit(dir, args...)
	return err
}

// CommitAllowEmpty commits whatever is currently staged (or nothing, via
// --allow-empty) with the given message, retrying once with an explicit
// fallback identity if the repo has none configured.
func CommitAllowEmpty(dir, message string) (string, error) {
	_, _, err := runGit(dir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		if identityMissing(err) {
			_, _, err = runGit(dir,
				"-c", "user.name=telic-loop",
				"-c", "user.email=telic-loop@local",
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

func identityMissing(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Author identity unknown") ||
		strings.Contains(msg, "Please tell me who you are") ||
		strings.Contains(msg, "unable to auto-detect email address")
}

func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	return splitNonEmptyLines(out), nil
}

func DiffPatch(dir, baseRef string) (string, error) {
	out, _, err := runGit(dir, "diff", baseRef)
	if err != nil {
		return "", err
	}
	return out, nil
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

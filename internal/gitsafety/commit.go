package gitsafety

import (
	"fmt"
	"strings"
	"time"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

const coauthorTrailer = "Co-authored-by: Telic-Loop <telic-loop@local>"

// CommitOptions configures one commit through the safety net.
type CommitOptions struct {
	// Paths restricts staging to these paths; empty means stage everything
	// changed in the working tree (used by EXECUTE/FIX which expect a
	// scope-fenced diff already).
	Paths []string
	Guard *SensitiveGuard
}

// CommitTask stages the task's diff and commits it with the standard
// message format "telic-loop(<sprint>): <task_id> — <description_head>",
// plus a coauthor trailer. It runs the sensitive-file guard before
// committing and refuses to commit to a protected branch.
func (n *Net) CommitTask(taskID, descriptionHead string, opts CommitOptions) (string, error) {
	if err := n.guardProtected(); err != nil {
		return "", err
	}
	if err := n.stage(opts); err != nil {
		return "", err
	}
	if opts.Guard == nil {
		opts.Guard = NewSensitiveGuard(nil)
	}
	flagged, err := opts.Guard.Enforce(n.Dir)
	if err != nil {
		return "", err
	}
	if len(flagged) > 0 {
		return "", fmt.Errorf("gitsafety: refusing commit, sensitive files staged: %s", strings.Join(flagged, ", "))
	}

	message := fmt.Sprintf("telic-loop(%s): %s — %s\n\n%s", n.Sprint, taskID, descriptionHead, coauthorTrailer)
	return CommitAllowEmpty(n.Dir, message)
}

// CommitCheckpoint commits any remaining staged changes under a checkpoint
// label (used by GENERATE_QC/RUN_QC/EXIT_GATE passes that aren't tied to a
// single task id).
func (n *Net) CommitCheckpoint(label string, opts CommitOptions) (string, error) {
	if err := n.guardProtected(); err != nil {
		return "", err
	}
	if err := n.stage(opts); err != nil {
		return "", err
	}
	if opts.Guard == nil {
		opts.Guard = NewSensitiveGuard(nil)
	}
	flagged, err := opts.Guard.Enforce(n.Dir)
	if err != nil {
		return "", err
	}
	if len(flagged) > 0 {
		return "", fmt.Errorf("gitsafety: refusing checkpoint commit, sensitive files staged: %s", strings.Join(flagged, ", "))
	}
	message := fmt.Sprintf("telic-loop(%s): checkpoint %s\n\n%s", n.Sprint, label, coauthorTrailer)
	return CommitAllowEmpty(n.Dir, message)
}

func (n *Net) stage(opts CommitOptions) error {
	if len(opts.Paths) > 0 {
		return AddPaths(n.Dir, opts.Paths)
	}
	return AddAll(n.Dir)
}

// Checkpoint commits (if needed) and records a labeled GitCheckpoint,
// enforcing invariant 6 (unique label) via the caller's
// LoopState.AppendCheckpoint.
func (n *Net) Checkpoint(label string, completedTasks, passingVerifications []string, valueScore float64, opts CommitOptions) (loopstate.GitCheckpoint, error) {
	hash, err := n.CommitCheckpoint(label, opts)
	if err != nil {
		return loopstate.GitCheckpoint{}, err
	}
	return loopstate.GitCheckpoint{
		Label:                label,
		CommitHash:           hash,
		Timestamp:            time.Now().UTC(),
		TasksCompleted:       completedTasks,
		VerificationsPassing: passingVerifications,
		ValueScore:           valueScore,
	}, nil
}

// Rollback resets the working tree to the checkpoint's commit hash. Caller
// is responsible for reconciling LoopState (resetting tasks completed after
// the checkpoint, invalidating dependent verifications) per
// CourseCorrector's "rollback" verb.
func (n *Net) Rollback(cp loopstate.GitCheckpoint) error {
	if err := n.guardProtected(); err != nil {
		return err
	}
	return ResetHard(n.Dir, cp.CommitHash)
}

// Package report assembles DELIVERY_REPORT.md at sprint termination: a
// final summary artifact written once, regardless of whether the run
// shipped or stopped partial.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// Outcome describes how the sprint ended, independent of loopstate so the
// writer can be called from both a normal finish and a crash-supervisor
// abort.
type Outcome struct {
	Shipped  bool
	Partial  bool
	Warnings []string
}

// PhaseUsage is one action's aggregated token/time spend across the sprint.
type PhaseUsage struct {
	Action      string
	Iterations  int
	Tokens      int64
	DurationSec float64
}

// Write renders state into a markdown delivery report and saves it to
// <dir>/DELIVERY_REPORT.md.
func Write(dir string, state *loopstate.LoopState, outcome Outcome) (string, error) {
	path := filepath.Join(dir, "DELIVERY_REPORT.md")
	body := Render(state, outcome)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("report: write %s: %w", path, err)
	}
	return path, nil
}

// Render builds the markdown body without touching the filesystem, so
// tests can assert on content directly.
func Render(state *loopstate.LoopState, outcome Outcome) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Delivery Report: %s\n\n", state.Sprint)
	fmt.Fprintf(&b, "Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))

	status := "PARTIAL"
	switch {
	case outcome.Shipped:
		status = "SHIPPED"
	case outcome.Partial:
		status = "PARTIAL"
	default:
		status = "INCOMPLETE"
	}
	fmt.Fprintf(&b, "**Status:** %s\n\n", status)

	valueScore := 0.0
	if v := state.LatestVRC(); v != nil {
		valueScore = v.ValueScore
	}
	fmt.Fprintf(&b, "**Value score:** %.2f\n\n", valueScore)

	b.WriteString("## Tasks\n\n")
	delivered, descoped, blocked, other := taskCounts(state)
	fmt.Fprintf(&b, "- Delivered: %d\n", delivered)
	fmt.Fprintf(&b, "- Descoped: %d\n", descoped)
	fmt.Fprintf(&b, "- Blocked: %d\n", blocked)
	if other > 0 {
		fmt.Fprintf(&b, "- Still pending or in progress: %d\n", other)
	}
	b.WriteString("\n")

	b.WriteString("## Run statistics\n\n")
	fmt.Fprintf(&b, "- Iterations: %d\n", state.Iteration)
	fmt.Fprintf(&b, "- Exit gate attempts: %d\n", state.ExitGateAttempts)
	fmt.Fprintf(&b, "- Rollbacks: %d\n", state.RollbacksSoFar)
	fmt.Fprintf(&b, "- Process restarts: %d\n", state.RestartsSoFar)
	fmt.Fprintf(&b, "- Total tokens used: %d\n", state.TotalTokensUsed)
	b.WriteString("\n")

	b.WriteString("## Per-phase breakdown\n\n")
	b.WriteString("| Action | Iterations | Tokens | Duration (s) |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, p := range PhaseBreakdown(state) {
		fmt.Fprintf(&b, "| %s | %d | %d | %.1f |\n", p.Action, p.Iterations, p.Tokens, p.DurationSec)
	}
	b.WriteString("\n")

	blockers := blockedTaskList(state)
	b.WriteString("## Blockers\n\n")
	if len(blockers) == 0 {
		b.WriteString("None.\n\n")
	} else {
		for _, line := range blockers {
			fmt.Fprintf(&b, "- %s\n", line)
		}
		b.WriteString("\n")
	}

	if len(outcome.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range outcome.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func taskCounts(state *loopstate.LoopState) (delivered, descoped, blocked, other int) {
	for _, t := range state.Tasks {
		switch t.Status {
		case loopstate.TaskDone:
			delivered++
		case loopstate.TaskDescoped:
			descoped++
		case loopstate.TaskBlocked:
			blocked++
		default:
			other++
		}
	}
	return
}

func blockedTaskList(state *loopstate.LoopState) []string {
	ids := make([]string, 0)
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskBlocked {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		t := state.Tasks[id]
		reason := t.BlockedReason
		if reason == "" {
			reason = "no reason recorded"
		}
		out = append(out, fmt.Sprintf("%s: %s", id, reason))
	}
	return out
}

// PhaseBreakdown aggregates the progress log by action, in first-seen order.
func PhaseBreakdown(state *loopstate.LoopState) []PhaseUsage {
	order := make([]string, 0)
	totals := make(map[string]*PhaseUsage)
	for _, e := range state.ProgressLog {
		p, ok := totals[e.Action]
		if !ok {
			p = &PhaseUsage{Action: e.Action}
			totals[e.Action] = p
			order = append(order, e.Action)
		}
		p.Iterations++
		p.Tokens += int64(e.InputTokens + e.OutputTokens)
		p.DurationSec += e.DurationSec
	}
	out := make([]PhaseUsage, 0, len(order))
	for _, action := range order {
		out = append(out, *totals[action])
	}
	return out
}

package loop

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// coherenceRule is one independent structural check, aggregated into a
// CoherenceReport: each rule inspects what it owns and returns its dimension.
type coherenceRule func(projectDir string, state *loopstate.LoopState, mode string) loopstate.CoherenceDimension

// RunCoherenceScan runs the deterministic structural scan over state and the
// project tree: dependency cycles, monolithic files, and (full mode only)
// orphaned tasks. It never calls an agent; every dimension is computed
// directly from state or the filesystem.
func RunCoherenceScan(projectDir string, state *loopstate.LoopState, cfg Config) loopstate.CoherenceReport {
	mode := "quick"
	if state.TasksSinceLastCoherence == 0 {
		mode = "full"
	}

	monolithLimit := cfg.MonolithicFileLines
	if monolithLimit <= 0 {
		monolithLimit = DefaultConfig().MonolithicFileLines
	}

	rules := []coherenceRule{
		lintDependencyCycles,
		func(projectDir string, state *loopstate.LoopState, mode string) loopstate.CoherenceDimension {
			return lintMonolithicFiles(projectDir, monolithLimit)
		},
	}
	if mode == "full" {
		rules = append(rules, lintOrphanTasks)
	}

	dims := make([]loopstate.CoherenceDimension, 0, len(rules))
	overall := loopstate.HealthHealthy
	for _, rule := range rules {
		d := rule(projectDir, state, mode)
		dims = append(dims, d)
		overall = worseHealth(overall, d.Status)
	}

	return loopstate.CoherenceReport{
		Iteration:  state.Iteration,
		Mode:       mode,
		Dimensions: dims,
		Overall:    overall,
		Timestamp:  time.Now().UTC(),
	}
}

func worseHealth(a, b loopstate.HealthStatus) loopstate.HealthStatus {
	rank := map[loopstate.HealthStatus]int{
		loopstate.HealthHealthy:  0,
		loopstate.HealthWarning:  1,
		loopstate.HealthCritical: 2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func lintDependencyCycles(_ string, state *loopstate.LoopState, _ string) loopstate.CoherenceDimension {
	d := loopstate.CoherenceDimension{Name: "dependency_cycles", Status: loopstate.HealthHealthy}
	if state.HasDependencyCycle() {
		d.Status = loopstate.HealthCritical
		d.Findings = append(d.Findings, "dependency graph contains a cycle")
	}
	return d
}

// lintMonolithicFiles walks projectDir counting lines per source file,
// flagging anything over Config.MonolithicFileLines. It skips vendored and
// hidden directories the same way a human review would ignore them.
func lintMonolithicFiles(projectDir string, limit int) loopstate.CoherenceDimension {
	d := loopstate.CoherenceDimension{Name: "monolithic_files", Status: loopstate.HealthHealthy}
	if projectDir == "" {
		return d
	}
	_ = filepath.WalkDir(projectDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			name := entry.Name()
			if name == ".git" || name == "vendor" || name == "node_modules" || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isSourceFile(path) {
			return nil
		}
		lines, ferr := countLines(path)
		if ferr != nil {
			return nil
		}
		if lines > limit {
			rel, relErr := filepath.Rel(projectDir, path)
			if relErr != nil {
				rel = path
			}
			d.Status = loopstate.HealthWarning
			d.Findings = append(d.Findings, rel+" has "+strconv.Itoa(lines)+" lines")
		}
		return nil
	})
	return d
}

func isSourceFile(path string) bool {
	switch filepath.Ext(path) {
	case ".go", ".py", ".ts", ".tsx", ".js", ".jsx", ".java", ".rb", ".rs":
		return true
	default:
		return false
	}
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

// lintOrphanTasks (full mode only) flags done tasks with no covering
// verification, the structural signal feeding GENERATE_QC's precedence rule.
func lintOrphanTasks(_ string, state *loopstate.LoopState, _ string) loopstate.CoherenceDimension {
	d := loopstate.CoherenceDimension{Name: "orphan_tasks", Status: loopstate.HealthHealthy}
	covered := make(map[string]bool)
	for _, v := range state.Verifications {
		for _, taskID := range v.Covers {
			covered[taskID] = true
		}
	}
	for id, t := range state.Tasks {
		if t.Status == loopstate.TaskDone && !covered[id] {
			d.Status = loopstate.HealthWarning
			d.Findings = append(d.Findings, "task "+id+" has no covering verification")
		}
	}
	return d
}

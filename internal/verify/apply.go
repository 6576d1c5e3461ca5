package verify

import (
	"time"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// ScriptsFor builds the Script list for every verification in state whose
// status is pending or invalidated: the RUN_QC candidate set.
func ScriptsFor(state *loopstate.LoopState, projectDir string) []Script {
	var scripts []Script
	for id, v := range state.Verifications {
		if v.Status != loopstate.VerificationPending && v.Status != loopstate.VerificationInvalidated {
			continue
		}
		scripts = append(scripts, Script{ID: id, Path: v.ScriptPath, ProjectDir: projectDir})
	}
	return scripts
}

// Apply folds one Result back into its Verification: exit zero passes and
// leaves the attempts counter alone (it only ever increases, feeding the
// max_fix_attempts gate), exit non-zero fails and increments attempts and
// records the last error.
func Apply(state *loopstate.LoopState, res Result) {
	v, ok := state.Verifications[res.ID]
	if !ok {
		return
	}
	v.UpdatedAt = time.Now().UTC()
	if res.Passed {
		v.Status = loopstate.VerificationPassed
		v.LastError = ""
		return
	}
	v.Status = loopstate.VerificationFailed
	v.Attempts++
	if res.Err != nil {
		v.LastError = res.Err.Error()
	} else {
		v.LastError = "verification failed"
	}
}

// ApplyAll folds every result back into state in order.
func ApplyAll(state *loopstate.LoopState, results []Result) {
	for _, res := range results {
		Apply(state, res)
	}
}

// Package decisionengine implements the loop's pure state-to-action
// classifier: decide(state, config) -> Action, with the strict precedence
// rules that make the scheduler's behavior deterministic and replayable.
package decisionengine

// Action is one of the scheduler's ~10 dispatchable actions.
type Action string

const (
	ActionExecute           Action = "EXECUTE"
	ActionGenerateQC        Action = "GENERATE_QC"
	ActionRunQC             Action = "RUN_QC"
	ActionFix               Action = "FIX"
	ActionCriticalEval      Action = "CRITICAL_EVAL"
	ActionCourseCorrect     Action = "COURSE_CORRECT"
	ActionServiceFix        Action = "SERVICE_FIX"
	ActionResearch          Action = "RESEARCH"
	ActionInteractivePause  Action = "INTERACTIVE_PAUSE"
	ActionExitGate          Action = "EXIT_GATE"
)

// Decision is the classifier's full output: the chosen action, which
// precedence rule fired, and — for COURSE_CORRECT synthesized by the
// engine itself rather than by stuck-detection — a reason string carried
// through to the course-correction context package.
type Decision struct {
	Action Action
	Rule   int
	Reason string
}

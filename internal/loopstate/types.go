// Package loopstate defines the single authoritative state object the value
// loop scheduler mutates each iteration, plus the store that persists it.
package loopstate

import "time"

// TaskSource records where a task originated, used by the decision engine's
// EXECUTE precedence tie-break (plan < mid_loop < regression < critical_eval < exit_gate).
type TaskSource string

const (
	SourcePlan         TaskSource = "plan"
	SourceMidLoop      TaskSource = "mid_loop"
	SourceCriticalEval TaskSource = "critical_eval"
	SourceExitGate     TaskSource = "exit_gate"
	SourceRegression   TaskSource = "regression"
	SourceRefactor     TaskSource = "refactor"
)

// sourceRank gives the EXECUTE tie-break order across task sources.
var sourceRank = map[TaskSource]int{
	SourcePlan:         0,
	SourceMidLoop:      1,
	SourceRegression:   2,
	SourceCriticalEval: 3,
	SourceExitGate:     4,
	SourceRefactor:     5,
}

// Rank returns the tie-break precedence for this source; unknown sources sort last.
func (s TaskSource) Rank() int {
	if r, ok := sourceRank[s]; ok {
		return r
	}
	return len(sourceRank)
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskBlocked    TaskStatus = "blocked"
	TaskDescoped   TaskStatus = "descoped"
)

// MaxDescriptionChars and MaxFilesExpected are the granularity caps the
// gateway enforces on task-mutation tool calls; AddTask enforces them
// again as the authoritative backstop.
const MaxDescriptionChars = 600
const MaxFilesExpected = 5

// Task is a unit of planned or mid-loop work.
type Task struct {
	ID             string     `json:"id"`
	Source         TaskSource `json:"source"`
	Description    string     `json:"description"`
	Value          string     `json:"value,omitempty"`
	Acceptance     string     `json:"acceptance,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	FilesExpected  []string   `json:"files_expected,omitempty"`
	Status         TaskStatus `json:"status"`
	RetryCount     int        `json:"retry_count"`
	HealthChecked  bool       `json:"health_checked"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	BlockedReason  string     `json:"blocked_reason,omitempty"`

	// Seq is a monotonic creation-order counter, used as the final tie-break
	// within a source tier: intra-category order is insertion order.
	Seq int `json:"seq"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) dependenciesSatisfied(byID map[string]*Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != TaskDone {
			return false
		}
	}
	return true
}

type VerificationCategory string

const (
	VerificationUnit        VerificationCategory = "unit"
	VerificationIntegration VerificationCategory = "integration"
	VerificationValue       VerificationCategory = "value"
)

type VerificationStatus string

const (
	VerificationPending     VerificationStatus = "pending"
	VerificationPassed      VerificationStatus = "passed"
	VerificationFailed      VerificationStatus = "failed"
	VerificationInvalidated VerificationStatus = "invalidated"
)

// Verification is an executable check covering one or more tasks.
type Verification struct {
	ID         string                `json:"id"`
	ScriptPath string                `json:"script_path"`
	Category   VerificationCategory  `json:"category"`
	Status     VerificationStatus    `json:"status"`
	Attempts   int                   `json:"attempts"`
	LastError  string                `json:"last_error,omitempty"`
	Covers     []string              `json:"covers,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

type GapSeverity string

const (
	GapCritical GapSeverity = "critical"
	GapBlocking GapSeverity = "blocking"
	GapDegraded GapSeverity = "degraded"
	GapPolish   GapSeverity = "polish"
)

type Gap struct {
	ID             string      `json:"id"`
	Severity       GapSeverity `json:"severity"`
	SuggestedTask  string      `json:"suggested_task,omitempty"`
}

type VRCRecommendation string

const (
	VRCContinue       VRCRecommendation = "CONTINUE"
	VRCCourseCorrect  VRCRecommendation = "COURSE_CORRECT"
	VRCDescope        VRCRecommendation = "DESCOPE"
	VRCShipReady      VRCRecommendation = "SHIP_READY"
)

// VRCSnapshot is one Vision Reality Check result, appended to history.
type VRCSnapshot struct {
	Iteration             int               `json:"iteration"`
	Timestamp             time.Time         `json:"timestamp"`
	DeliverablesTotal     int               `json:"deliverables_total"`
	DeliverablesVerified  int               `json:"deliverables_verified"`
	DeliverablesBlocked   int               `json:"deliverables_blocked"`
	ValueScore            float64           `json:"value_score"`
	Gaps                  []Gap             `json:"gaps,omitempty"`
	Recommendation        VRCRecommendation `json:"recommendation"`
	Summary                string           `json:"summary,omitempty"`
	Mode                   string           `json:"mode"` // "full" | "quick"
	Synthesized            bool             `json:"synthesized,omitempty"`
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

type CoherenceDimension struct {
	Name     string       `json:"name"`
	Status   HealthStatus `json:"status"`
	Findings []string     `json:"findings,omitempty"`
}

// CoherenceReport is one structural-health scan, appended to history.
type CoherenceReport struct {
	Iteration  int                   `json:"iteration"`
	Mode       string                `json:"mode"` // "quick" | "full"
	Dimensions []CoherenceDimension  `json:"dimensions"`
	Overall    HealthStatus          `json:"overall"`
	Timestamp  time.Time             `json:"timestamp"`
}

// GitCheckpoint is a labeled commit plus metadata for bounded rollback.
type GitCheckpoint struct {
	Label                string    `json:"label"`
	CommitHash           string    `json:"commit_hash"`
	Timestamp            time.Time `json:"timestamp"`
	TasksCompleted       []string  `json:"tasks_completed,omitempty"`
	VerificationsPassing []string  `json:"verifications_passing,omitempty"`
	ValueScore           float64   `json:"value_score"`
}

// PauseState, when non-nil, forces the decision engine to emit INTERACTIVE_PAUSE.
type PauseState struct {
	Reason       string     `json:"reason"`
	Instructions string     `json:"instructions"`
	RequestedAt  time.Time  `json:"requested_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

type ProgressResult string

const (
	ResultProgress   ProgressResult = "progress"
	ResultNoProgress ProgressResult = "no_progress"
)

// ProgressEntry is one append-only audit-log row.
type ProgressEntry struct {
	Iteration     int            `json:"iteration"`
	Action        string         `json:"action"`
	Result        ProgressResult `json:"result"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	DurationSec   float64        `json:"duration_sec"`
	Timestamp     time.Time      `json:"timestamp"`
	Detail        string         `json:"detail,omitempty"`
}

// AgentResult is the transient inbox for structured tool-call outputs,
// keyed by tool name (e.g. "course_correction", "vrc"). It is not
// persisted across iterations; handlers drain it after each gateway call.
type AgentResult map[string]any

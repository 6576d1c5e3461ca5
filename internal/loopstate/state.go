package loopstate

import (
	"fmt"
	"sort"
	"time"
)

// ServiceHealth is the boundary-consumed health flag for one external
// service the sprint depends on: the scheduler only consumes a bool per
// service, never infers health from HTTP status alone.
type ServiceHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Context is the grab-bag of sprint-scoped facts handlers read and write:
// service health, plan/vision snapshots, blocker documents. Kept generic
// (map-backed) because its shape is a collaborator boundary outside
// scheduler concerns — only the `services` sub-map has scheduler-meaningful
// structure.
type Context struct {
	Services map[string]ServiceHealth `json:"services,omitempty"`
	Values   map[string]any           `json:"values,omitempty"`
}

// LoopState is the single authoritative, fully-serializable root. All
// mutation flows through the methods on this type so its invariants are
// preserved; StateStore owns persistence after every mutation.
type LoopState struct {
	Sprint string `json:"sprint"`

	Tasks         map[string]*Task         `json:"tasks"`
	Verifications map[string]*Verification `json:"verifications"`

	VRCHistory        []VRCSnapshot      `json:"vrc_history"`
	CoherenceHistory  []CoherenceReport  `json:"coherence_history"`
	Checkpoints       []GitCheckpoint    `json:"checkpoints"`
	ProgressLog       []ProgressEntry    `json:"progress_log"`

	Pause *PauseState `json:"pause,omitempty"`

	Context Context `json:"context"`

	Iteration                 int     `json:"iteration"`
	IterationsWithoutProgress int     `json:"iterations_without_progress"`
	TotalTokensUsed           int64   `json:"total_tokens_used"`
	ExitGateAttempts          int     `json:"exit_gate_attempts"`
	MidLoopTasksSinceHealth   int     `json:"mid_loop_tasks_since_health_check"`
	TasksSinceLastCoherence   int     `json:"tasks_since_last_coherence"`
	CoherenceCriticalPending  bool    `json:"coherence_critical_pending"`
	RollbacksSoFar            int     `json:"rollbacks_so_far"`
	RestartsSoFar             int     `json:"restarts_so_far"`

	nextSeq int
}

// NewLoopState returns an empty, invariant-satisfying state for a fresh sprint.
func NewLoopState(sprint string) *LoopState {
	return &LoopState{
		Sprint:        sprint,
		Tasks:         map[string]*Task{},
		Verifications: map[string]*Verification{},
		Context: Context{
			Services: map[string]ServiceHealth{},
			Values:   map[string]any{},
		},
	}
}

// --- Task mutation (invariant 1: at most one in_progress) ---

func (s *LoopState) InProgressTask() *Task {
	for _, t := range s.Tasks {
		if t.Status == TaskInProgress {
			return t
		}
	}
	return nil
}

// AddTask inserts a new task, assigning it the next insertion-order sequence.
func (s *LoopState) AddTask(t *Task) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("task must have a non-empty id")
	}
	if _, exists := s.Tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	if len(t.Description) > MaxDescriptionChars {
		return fmt.Errorf("task %s description exceeds %d chars", t.ID, MaxDescriptionChars)
	}
	if len(t.FilesExpected) > MaxFilesExpected {
		return fmt.Errorf("task %s files_expected exceeds %d entries", t.ID, MaxFilesExpected)
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Seq = s.nextSeq
	s.nextSeq++
	s.Tasks[t.ID] = t
	return nil
}

// StartTask transitions pending -> in_progress, enforcing invariant 1.
func (s *LoopState) StartTask(id string) error {
	if cur := s.InProgressTask(); cur != nil && cur.ID != id {
		return fmt.Errorf("task %s already in_progress", cur.ID)
	}
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status != TaskPending {
		return fmt.Errorf("task %s not pending (status=%s)", id, t.Status)
	}
	t.Status = TaskInProgress
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetInProgress resets the currently in_progress task back to pending;
// used by crash recovery and agent-call timeout cancellation.
func (s *LoopState) ResetInProgress() {
	if t := s.InProgressTask(); t != nil {
		t.Status = TaskPending
		t.UpdatedAt = time.Now().UTC()
	}
}

// CompleteTask transitions in_progress -> done.
func (s *LoopState) CompleteTask(id string) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	t.Status = TaskDone
	t.UpdatedAt = time.Now().UTC()
	return s.invalidateCoveringVerifications(id, false)
}

// ReopenTask transitions done -> pending (regression or rollback),
// incrementing retry_count and invalidating verifications that covered it
// (invariant 3), then applying the retry-exhaustion invariant (invariant 2).
func (s *LoopState) ReopenTask(id string, maxTaskRetries int) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	t.Status = TaskPending
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()
	if err := s.invalidateCoveringVerifications(id, true); err != nil {
		return err
	}
	if t.RetryCount >= maxTaskRetries && t.ResolutionNote == "" {
		t.Status = TaskDescoped
	}
	return nil
}

// BlockTask transitions any non-terminal status -> blocked.
func (s *LoopState) BlockTask(id, reason string) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	t.Status = TaskBlocked
	t.BlockedReason = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// DescopeTask transitions any non-done status -> descoped.
func (s *LoopState) DescopeTask(id string) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %s", id)
	}
	if t.Status == TaskDone {
		return fmt.Errorf("cannot descope completed task %s", id)
	}
	t.Status = TaskDescoped
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *LoopState) invalidateCoveringVerifications(taskID string, regressed bool) error {
	if !regressed {
		return nil
	}
	for _, v := range s.Verifications {
		for _, covered := range v.Covers {
			if covered == taskID && v.Status == VerificationPassed {
				v.Status = VerificationInvalidated
				v.UpdatedAt = time.Now().UTC()
			}
		}
	}
	return nil
}

// AddVerification inserts a new verification, defaulting its status to
// pending (GENERATE_QC's contract: "every produced Verification starts
// status=pending and links to covered tasks").
func (s *LoopState) AddVerification(v *Verification) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("verification must have a non-empty id")
	}
	if _, exists := s.Verifications[v.ID]; exists {
		return fmt.Errorf("verification %s already exists", v.ID)
	}
	if v.Status == "" {
		v.Status = VerificationPending
	}
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now
	s.Verifications[v.ID] = v
	return nil
}

// PendingExecutable returns pending tasks whose dependencies are all done,
// ordered by source precedence then insertion order.
func (s *LoopState) PendingExecutable() []*Task {
	var out []*Task
	for _, t := range s.Tasks {
		if t.Status == TaskPending && t.dependenciesSatisfied(s.Tasks) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Source.Rank() != out[j].Source.Rank() {
			return out[i].Source.Rank() < out[j].Source.Rank()
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// HasDependencyCycle detects a cycle among non-terminal tasks via DFS.
func (s *LoopState) HasDependencyCycle() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		if t, ok := s.Tasks[id]; ok {
			for _, dep := range t.Dependencies {
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for id := range s.Tasks {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// AllTasksTerminal reports whether every task is done, descoped, or blocked.
func (s *LoopState) AllTasksTerminal() bool {
	for _, t := range s.Tasks {
		switch t.Status {
		case TaskDone, TaskDescoped, TaskBlocked:
			continue
		default:
			return false
		}
	}
	return true
}

// AllVerificationsPassed reports whether every verification is passed.
func (s *LoopState) AllVerificationsPassed() bool {
	for _, v := range s.Verifications {
		if v.Status != VerificationPassed {
			return false
		}
	}
	return true
}

// LatestVRC returns the most recent VRC snapshot, or nil if none exist.
func (s *LoopState) LatestVRC() *VRCSnapshot {
	if len(s.VRCHistory) == 0 {
		return nil
	}
	return &s.VRCHistory[len(s.VRCHistory)-1]
}

// AppendVRC appends a VRC snapshot to history.
func (s *LoopState) AppendVRC(v VRCSnapshot) {
	s.VRCHistory = append(s.VRCHistory, v)
}

// AppendCoherence appends a coherence report to history and updates the
// CoherenceCriticalPending flag consumed by the decision engine.
func (s *LoopState) AppendCoherence(r CoherenceReport) {
	s.CoherenceHistory = append(s.CoherenceHistory, r)
	s.CoherenceCriticalPending = r.Overall == HealthCritical
	s.TasksSinceLastCoherence = 0
}

// AppendCheckpoint appends a labeled checkpoint; label must be unique
// (invariant 6).
func (s *LoopState) AppendCheckpoint(cp GitCheckpoint) error {
	for _, existing := range s.Checkpoints {
		if existing.Label == cp.Label {
			return fmt.Errorf("checkpoint label %q already used", cp.Label)
		}
	}
	s.Checkpoints = append(s.Checkpoints, cp)
	return nil
}

// CheckpointByLabel looks up a checkpoint by its unique label.
func (s *LoopState) CheckpointByLabel(label string) (*GitCheckpoint, bool) {
	for i := range s.Checkpoints {
		if s.Checkpoints[i].Label == label {
			return &s.Checkpoints[i], true
		}
	}
	return nil, false
}

// AppendProgress appends one audit-log row and updates
// iterations_without_progress (invariant 4: iteration strictly increases).
func (s *LoopState) AppendProgress(e ProgressEntry) {
	s.Iteration++
	e.Iteration = s.Iteration
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.ProgressLog = append(s.ProgressLog, e)
	if e.Result == ResultNoProgress {
		s.IterationsWithoutProgress++
	} else {
		s.IterationsWithoutProgress = 0
	}
}

// AddTokens advances total_tokens_used monotonically (invariant 4).
func (s *LoopState) AddTokens(input, output int) {
	if input < 0 {
		input = 0
	}
	if output < 0 {
		output = 0
	}
	s.TotalTokensUsed += int64(input + output)
}

// RequestPause sets PauseState (invariant 7 is enforced by the decision engine).
func (s *LoopState) RequestPause(reason, instructions string) {
	s.Pause = &PauseState{
		Reason:       reason,
		Instructions: instructions,
		RequestedAt:  time.Now().UTC(),
	}
}

// ResolvePause clears PauseState.
func (s *LoopState) ResolvePause() {
	if s.Pause == nil {
		return
	}
	now := time.Now().UTC()
	s.Pause.ResolvedAt = &now
	s.Pause = nil
}

package loopstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StateStore persists a LoopState to a single JSON file, using a
// write-temp-then-rename pattern so state.json is always either the
// previous or the current valid state, never a partial write.
type StateStore struct {
	path string
}

// NewStateStore returns a store backed by the given state.json path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the backing file path.
func (s *StateStore) Path() string {
	return s.path
}

// Exists reports whether a state file is already present.
func (s *StateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and decodes the state file. A missing file is reported via
// errors.Is(err, os.ErrNotExist) so callers can distinguish "no prior run"
// from "corrupt state".
func (s *StateStore) Load() (*LoopState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st LoopState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", s.path, err)
	}
	st.nextSeq = maxSeq(&st) + 1
	return &st, nil
}

func maxSeq(st *LoopState) int {
	max := -1
	for _, t := range st.Tasks {
		if t.Seq > max {
			max = t.Seq
		}
	}
	return max
}

// Save atomically persists the state: marshal, write to a temp file in the
// same directory, fsync, then rename over the target path. Renames within a
// single filesystem are atomic, so a crash mid-write leaves the previous
// state.json intact rather than a half-written file.
func (s *StateStore) Save(st *LoopState) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp state file into place: %w", err)
	}
	return nil
}

// Snapshot returns a deep-enough copy of the state for rollback restoration:
// it round-trips through JSON, which is sufficient since LoopState is itself
// the serialization unit and contains no unexported invariants beyond nextSeq.
func (s *StateStore) Snapshot(st *LoopState) (*LoopState, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var cp LoopState
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	cp.nextSeq = st.nextSeq
	return &cp, nil
}

// Restore overwrites dst in place with src's fields, used by rollback
// (course-correction verb "rollback") to reinstate a prior snapshot without
// changing the caller's pointer identity.
func Restore(dst, src *LoopState) {
	*dst = *src
}

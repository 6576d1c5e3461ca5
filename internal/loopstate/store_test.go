package loopstate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStateStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "state.json"))

	st := NewLoopState("sprint-1")
	_ = st.AddTask(&Task{ID: "t1", Source: SourcePlan, Description: "build the thing"})
	st.AppendProgress(ProgressEntry{Action: "EXECUTE", Result: ResultProgress})

	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.Exists() {
		t.Fatal("expected state file to exist after save")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Sprint != "sprint-1" {
		t.Fatalf("expected sprint-1, got %s", loaded.Sprint)
	}
	if loaded.Iteration != 1 {
		t.Fatalf("expected iteration 1, got %d", loaded.Iteration)
	}
	if _, ok := loaded.Tasks["t1"]; !ok {
		t.Fatal("expected task t1 to survive round trip")
	}

	if err := loaded.AddTask(&Task{ID: "t2"}); err != nil {
		t.Fatalf("AddTask after load: %v", err)
	}
	if loaded.Tasks["t2"].Seq <= loaded.Tasks["t1"].Seq {
		t.Fatalf("expected nextSeq to continue past loaded max, got t1=%d t2=%d",
			loaded.Tasks["t1"].Seq, loaded.Tasks["t2"].Seq)
	}
}

func TestStateStore_Load_MissingFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(filepath.Join(dir, "missing.json"))
	_, err := store.Load()
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestStateStore_Save_NoPartialFileOnPriorSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStateStore(path)

	st := NewLoopState("sprint-1")
	if err := store.Save(st); err != nil {
		t.Fatalf("first save: %v", err)
	}
	firstData, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after first save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" {
			t.Fatalf("expected no leftover temp files, found %s", e.Name())
		}
	}

	st.Sprint = "sprint-2"
	if err := store.Save(st); err != nil {
		t.Fatalf("second save: %v", err)
	}
	secondData, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read after second save: %v", err)
	}
	if string(firstData) == string(secondData) {
		t.Fatal("expected state file content to change after second save")
	}
}

func TestStateStore_Snapshot_IsIndependentCopy(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"))
	st := NewLoopState("sprint-1")
	_ = st.AddTask(&Task{ID: "t1"})

	snap, err := store.Snapshot(st)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	_ = st.StartTask("t1")
	if snap.Tasks["t1"].Status == TaskInProgress {
		t.Fatal("expected snapshot to be unaffected by later mutation")
	}

	Restore(st, snap)
	if st.Tasks["t1"].Status != TaskPending {
		t.Fatalf("expected Restore to reinstate pending status, got %s", st.Tasks["t1"].Status)
	}
}

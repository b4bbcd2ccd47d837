package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestStore_LoadMissingYieldsEmpty(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Workers) != 0 {
		t.Errorf("expected empty state, got %d workers", len(s.Workers))
	}
}

func TestStore_SaveLoadRoundtrip(t *testing.T) {
	st := newTestStore(t)
	s := NewState()
	s.Concurrency = 4
	s.AutoEnabled = true
	now := time.Unix(1700000000, 0).UTC()
	s.Workers["w1"] = &Worker{
		Name:        "w1",
		Worktree:    "/wt/w1",
		Branch:      "drover/w1",
		SessionID:   "drover-w1",
		Status:      Working,
		CurrentTask: &TaskRef{ID: "t-1", Prompt: "do the thing"},
	}
	s.RecordCompletion("w1", now)

	if err := st.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := loaded.Worker("w1")
	if w == nil {
		t.Fatal("worker w1 missing after reload")
	}
	if w.Status != Working || w.CurrentTask == nil || w.CurrentTask.ID != "t-1" {
		t.Errorf("worker not restored faithfully: %+v", w)
	}
	if loaded.LastCompletion == nil || !loaded.LastCompletion.Equal(now) {
		t.Errorf("completion stamp not restored: %v", loaded.LastCompletion)
	}
	if w.LastCompletion == nil || !w.LastCompletion.Equal(now) {
		t.Errorf("worker completion stamp not restored: %v", w.LastCompletion)
	}
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	st := newTestStore(t)
	if err := st.Save(NewState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(st.Path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "state.json" && e.Name() != "state.json.bak" {
			t.Errorf("unexpected leftover file: %s", e.Name())
		}
	}
}

func TestStore_CorruptFallsBackToBackup(t *testing.T) {
	st := newTestStore(t)
	s := NewState()
	s.Workers["w1"] = &Worker{Name: "w1", Status: Idle}
	if err := st.Save(s); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	// Second save moves the good copy into the backup.
	if err := st.Save(s); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if err := os.WriteFile(st.Path, []byte("{{{ not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.Load()
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected *CorruptError, got: %v", err)
	}
	if loaded == nil || loaded.Worker("w1") == nil {
		t.Fatal("expected state recovered from backup")
	}
}

func TestStore_CorruptWithoutBackupFails(t *testing.T) {
	st := newTestStore(t)
	if err := os.WriteFile(st.Path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := st.Load()
	if err == nil || loaded != nil {
		t.Fatalf("expected failure, got state=%v err=%v", loaded, err)
	}
}

func TestStore_UnknownStatusRejected(t *testing.T) {
	st := newTestStore(t)
	content := `{"workers":{"w1":{"name":"w1","status":"dancing"}}}`
	if err := os.WriteFile(st.Path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestStore_RestoreBackup(t *testing.T) {
	st := newTestStore(t)
	s := NewState()
	s.Workers["w1"] = &Worker{Name: "w1", Status: Idle}
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(st.Path, []byte("broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := st.RestoreBackup(); err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	loaded, err := st.Load()
	if err != nil {
		t.Fatalf("Load after restore: %v", err)
	}
	if loaded.Worker("w1") == nil {
		t.Error("worker missing after restore")
	}
}

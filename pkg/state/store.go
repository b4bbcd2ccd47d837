package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// State is the full persisted document: every worker record plus auto-mode
// bookkeeping. One value, passed by handle into each component; never a
// package-level singleton.
type State struct {
	Workers        map[string]*Worker `json:"workers"`
	AutoEnabled    bool               `json:"auto_enabled"`
	Concurrency    int                `json:"concurrency"`
	LastCompletion *time.Time         `json:"last_completion,omitempty"`
}

// NewState returns an empty state document.
func NewState() *State {
	return &State{Workers: make(map[string]*Worker)}
}

// Worker returns the named record, or nil.
func (s *State) Worker(name string) *Worker {
	return s.Workers[name]
}

// WorkerNames returns worker names in stable order.
func (s *State) WorkerNames() []string {
	names := make([]string, 0, len(s.Workers))
	for name := range s.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkingCount returns how many workers currently hold a task.
func (s *State) WorkingCount() int {
	n := 0
	for _, w := range s.Workers {
		if w.Status == Working {
			n++
		}
	}
	return n
}

// RecordCompletion stamps the stall clock and the worker's own completion
// time.
func (s *State) RecordCompletion(name string, now time.Time) {
	s.LastCompletion = &now
	if w := s.Workers[name]; w != nil {
		t := now
		w.LastCompletion = &t
	}
}

// CorruptError reports an unreadable state file. Callers branch on it to
// decide whether the backup was used.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Store persists a State document with write-to-temp-then-rename so a reader
// never observes a partial write, and keeps a .bak of the last good save.
type Store struct {
	Path       string
	BackupPath string
}

// NewStore returns a store over the given state file path, with the backup
// alongside it.
func NewStore(path string) *Store {
	return &Store{Path: path, BackupPath: path + ".bak"}
}

// Load reads the state file. A missing file yields a fresh empty state. A
// corrupt primary falls back to the backup; if the backup loads, the error
// returned is a *CorruptError wrapping the primary failure so the caller can
// log the degradation while continuing with the recovered document.
func (st *Store) Load() (*State, error) {
	s, err := readState(st.Path)
	if err == nil {
		return s, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return NewState(), nil
	}
	backup, backupErr := readState(st.BackupPath)
	if backupErr != nil {
		return nil, &CorruptError{Path: st.Path, Err: err}
	}
	return backup, &CorruptError{Path: st.Path, Err: err}
}

// Save writes atomically: temp file in the same directory, fsync, rename.
// After a successful rename the previous content survives as the backup.
func (st *Store) Save(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(st.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Refresh the backup from the current good file before replacing it.
	if prev, err := os.ReadFile(st.Path); err == nil {
		_ = os.WriteFile(st.BackupPath, prev, 0o600)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

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
	if err := os.Rename(tmpName, st.Path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// RestoreBackup replaces the primary with the backup. Used by doctor --fix.
func (st *Store) RestoreBackup() error {
	data, err := os.ReadFile(st.BackupPath)
	if err != nil {
		return fmt.Errorf("read state backup: %w", err)
	}
	if _, err := parseState(data); err != nil {
		return fmt.Errorf("state backup is also corrupt: %w", err)
	}
	if err := os.WriteFile(st.Path, data, 0o600); err != nil {
		return fmt.Errorf("restore state from backup: %w", err)
	}
	return nil
}

func readState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseState(data)
}

func parseState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Workers == nil {
		s.Workers = make(map[string]*Worker)
	}
	for name, w := range s.Workers {
		if w == nil {
			delete(s.Workers, name)
			continue
		}
		if !w.Status.Valid() {
			return nil, fmt.Errorf("worker %s has unknown status %q", name, w.Status)
		}
	}
	return &s, nil
}

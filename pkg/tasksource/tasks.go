package tasksource

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TaskStatus tracks a task file's lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
)

// TaskFile is the on-disk representation of a claimable task.
type TaskFile struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Owner       string     `json:"owner,omitempty"`
}

// ClaimRaceError means another process claimed the task between our write
// and the verification re-read. Transient; the caller tries another task.
type ClaimRaceError struct {
	TaskID   string
	Expected string
	Actual   string
}

func (e *ClaimRaceError) Error() string {
	return fmt.Sprintf("claim race lost for task %s: expected owner %q, found %q", e.TaskID, e.Expected, e.Actual)
}

// Dir is a directory of task files, one JSON document per task.
type Dir struct {
	Path string
}

func (d Dir) taskPath(id string) string {
	return filepath.Join(d.Path, id+".json")
}

// Load reads one task file.
func (d Dir) Load(id string) (*TaskFile, error) {
	data, err := os.ReadFile(d.taskPath(id))
	if err != nil {
		return nil, err
	}
	var tf TaskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", d.taskPath(id), err)
	}
	return &tf, nil
}

// save writes atomically: temp in the same directory, fsync, rename.
func (d Dir) save(tf *TaskFile) error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", tf.ID, err)
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.Path, "."+tf.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp task file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp task file: %w", err)
	}
	if err := os.Rename(tmpName, d.taskPath(tf.ID)); err != nil {
		return fmt.Errorf("rename temp task file: %w", err)
	}
	return nil
}

// Claim marks the task in-progress for worker, then re-reads the file to
// verify the owner stuck. Losing the re-read race returns *ClaimRaceError.
func (d Dir) Claim(id, worker string) error {
	tf, err := d.Load(id)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	tf.Status = StatusInProgress
	tf.Owner = worker
	if err := d.save(tf); err != nil {
		return fmt.Errorf("claim task %s: %w", id, err)
	}
	reread, err := d.Load(id)
	if err != nil {
		return fmt.Errorf("verify claim of task %s: %w", id, err)
	}
	if reread.Owner != worker {
		return &ClaimRaceError{TaskID: id, Expected: worker, Actual: reread.Owner}
	}
	return nil
}

// Complete marks the task done and clears the owner. A missing task file is
// tolerated; the external pool may manage completion itself.
func (d Dir) Complete(id string) error {
	tf, err := d.Load(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	tf.Status = StatusCompleted
	tf.Owner = ""
	return d.save(tf)
}

// Release returns the task to pending. Used when a worker crashes or the
// daemon shuts down mid-task. Missing file tolerated.
func (d Dir) Release(id string) error {
	tf, err := d.Load(id)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	tf.Status = StatusPending
	tf.Owner = ""
	return d.save(tf)
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Registration is the daemon's proof of identity. Pids get reused by the OS,
// so the triple (pid, start time, instance id) is the only trustworthy way
// for the overseer to say "this is the process I started."
type Registration struct {
	PID           int    `json:"pid"`
	StartTimeUnix int64  `json:"start_time_unix"`
	InstanceID    string `json:"instance_id"`
	LogFile       string `json:"log_file"`
}

// NewRegistration stamps the current process.
func NewRegistration(instanceID, logFile string, now time.Time) Registration {
	return Registration{
		PID:           os.Getpid(),
		StartTimeUnix: now.Unix(),
		InstanceID:    instanceID,
		LogFile:       logFile,
	}
}

// Validate checks internal consistency of a registration read from disk.
func (r Registration) Validate() error {
	if r.PID <= 0 {
		return fmt.Errorf("registration has invalid pid %d", r.PID)
	}
	if r.StartTimeUnix <= 0 {
		return fmt.Errorf("registration has invalid start time %d", r.StartTimeUnix)
	}
	if r.InstanceID == "" {
		return errors.New("registration has empty instance id")
	}
	return nil
}

// WriteRegistration persists atomically so the overseer never reads a
// partial file.
func WriteRegistration(path string, r Registration) error {
	return writeJSONAtomic(path, r)
}

// ReadRegistration loads and validates the registration file. A missing file
// returns os.ErrNotExist unwrapped for callers to branch on.
func ReadRegistration(path string) (Registration, error) {
	var r Registration
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse registration %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return r, fmt.Errorf("registration %s: %w", path, err)
	}
	return r, nil
}

// RemoveRegistration deletes the file; already-absent is fine.
func RemoveRegistration(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove registration %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

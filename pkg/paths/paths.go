// Package paths centralizes the on-disk layout under the drover home
// directory. Every file the daemon and overseer exchange lives here so the
// two processes agree on locations without sharing any in-memory state.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome overrides the default home directory (~/.drover) when set.
const EnvHome = "DROVER_HOME"

// Paths resolves well-known file locations under a single root.
type Paths struct {
	Root string
}

// Default returns the standard layout, honoring EnvHome.
func Default() (Paths, error) {
	if root := os.Getenv(EnvHome); root != "" {
		return Paths{Root: root}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve home directory: %w", err)
	}
	return Paths{Root: filepath.Join(home, ".drover")}, nil
}

func (p Paths) Config() string       { return filepath.Join(p.Root, "config.toml") }
func (p Paths) State() string        { return filepath.Join(p.Root, "state.json") }
func (p Paths) StateBackup() string  { return filepath.Join(p.Root, "state.json.bak") }
func (p Paths) StateLock() string    { return filepath.Join(p.Root, "state.lock") }
func (p Paths) Registration() string { return filepath.Join(p.Root, "daemon.json") }
func (p Paths) Heartbeat() string    { return filepath.Join(p.Root, "heartbeat.json") }
func (p Paths) DaemonLog() string    { return filepath.Join(p.Root, "daemon.log") }
func (p Paths) OverseerLog() string  { return filepath.Join(p.Root, "overseer.log") }
func (p Paths) EventsDB() string     { return filepath.Join(p.Root, "events.db") }
func (p Paths) LogsDir() string      { return filepath.Join(p.Root, "logs") }
func (p Paths) WorktreesDir() string { return filepath.Join(p.Root, "worktrees") }
func (p Paths) TasksDir() string     { return filepath.Join(p.Root, "tasks") }

// TaskSourceLog records every task-source invocation.
func (p Paths) TaskSourceLog() string { return filepath.Join(p.LogsDir(), "tasksource.log") }

// PostAcceptLog records every post-accept command run.
func (p Paths) PostAcceptLog() string { return filepath.Join(p.LogsDir(), "postaccept.log") }

// RemediationLog returns the transcript path for one remediation run.
func (p Paths) RemediationLog(timestamp string) string {
	return filepath.Join(p.LogsDir(), fmt.Sprintf("remediation_%s.txt", timestamp))
}

// ManualInterventionMarker returns the path the repair session writes when a
// failure cannot be fixed automatically.
func (p Paths) ManualInterventionMarker(timestamp string) string {
	return filepath.Join(p.Root, fmt.Sprintf("manual_intervention_needed_%s.txt", timestamp))
}

// ManualInterventionMarkers globs existing marker files.
func (p Paths) ManualInterventionMarkers() []string {
	matches, err := filepath.Glob(filepath.Join(p.Root, "manual_intervention_needed_*.txt"))
	if err != nil {
		return nil
	}
	return matches
}

// EnsureDirs creates the root and subdirectories used at runtime.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Root, p.LogsDir(), p.WorktreesDir(), p.TasksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

package session

import (
	"context"
	"os/exec"
	"strings"
)

// ExecCmdRunner implements CmdRunner using os/exec.
type ExecCmdRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecCmdRunner) Run(name string, args ...string) (string, error) {
	cmd := exec.CommandContext(context.Background(), name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// List returns the names of sessions matching prefix.
func List(runner CmdRunner, prefix string) ([]string, error) {
	out, err := runner.Run("tmux", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		return nil, nil
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

// KillAllExcept kills every session with the given prefix except the named
// protected ones. The repair session is passed here by every bulk teardown
// so it can never be collaterally killed.
func KillAllExcept(runner CmdRunner, prefix string, protected ...string) error {
	names, err := List(runner, prefix)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(protected))
	for _, p := range protected {
		keep[p] = true
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		_, _ = runner.Run("tmux", "kill-session", "-t", name)
	}
	return nil
}

// Package tasksource runs the external task-pool command and manages the
// task files workers claim, complete, and release.
package tasksource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Task is the unit of work handed to a worker.
type Task struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// Prompt renders the text sent to the worker's session.
func (t Task) Prompt() string {
	if t.Description == "" {
		return t.Subject
	}
	return t.Subject + "\n\n" + t.Description
}

// CommandError reports a task-pool command that exited nonzero. Always a
// hard failure for the daemon.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("task pool command %q failed: %v (stderr: %s)", e.Command, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Source yields tasks by running a shell command. Contract: exit 0 with JSON
// on stdout is a task, exit 0 with empty stdout means no task available, and
// a nonzero exit is a hard error.
type Source struct {
	Command string
	Dir     string
	// Log receives one record per invocation; nil disables logging.
	Log io.Writer
	// nowFunc is injectable for tests.
	nowFunc func() time.Time
}

// NewSource returns a Source running command in dir.
func NewSource(command, dir string, log io.Writer) *Source {
	return &Source{Command: command, Dir: dir, Log: log, nowFunc: time.Now}
}

// Next invokes the command once. A nil task with nil error means no task is
// available this cycle.
func (s *Source) Next(ctx context.Context) (*Task, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", s.Command)
	cmd.Dir = s.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	s.logInvocation(stdout.String(), stderr.String(), err)

	if err != nil {
		return nil, &CommandError{Command: s.Command, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return nil, nil
	}
	var task Task
	if dErr := json.Unmarshal([]byte(out), &task); dErr != nil {
		return nil, &CommandError{Command: s.Command, Stderr: "unparseable task output: " + truncate(out, 500), Err: dErr}
	}
	if task.ID == "" {
		return nil, &CommandError{Command: s.Command, Stderr: "task output missing id: " + truncate(out, 500), Err: fmt.Errorf("missing id")}
	}
	return &task, nil
}

func (s *Source) logInvocation(stdout, stderr string, err error) {
	if s.Log == nil {
		return
	}
	now := time.Now()
	if s.nowFunc != nil {
		now = s.nowFunc()
	}
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	fmt.Fprintf(s.Log, "[%s] %s => %s\nstdout: %s\nstderr: %s\n",
		now.UTC().Format(time.RFC3339), s.Command, outcome,
		truncate(strings.TrimSpace(stdout), 2000), truncate(strings.TrimSpace(stderr), 2000))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... (truncated)"
}

package state

import "time"

// TaskRef identifies the task a worker is currently carrying.
type TaskRef struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Worker is the durable record for one managed agent session and its
// worktree. Mutated only by the daemon, the accept pipeline, and the patrol
// healer.
type Worker struct {
	Name             string     `json:"name"`
	Worktree         string     `json:"worktree"`
	Branch           string     `json:"branch"`
	SessionID        string     `json:"session_id"`
	Status           Status     `json:"status"`
	CurrentTask      *TaskRef   `json:"current_task,omitempty"`
	LastCompletion   *time.Time `json:"last_completion,omitempty"`
	ExcludedFromPool bool       `json:"excluded_from_pool,omitempty"`
	CrashCount       int        `json:"crash_count,omitempty"`
	RetryCount       int        `json:"retry_count,omitempty"`
	ErrorReason      string     `json:"error_reason,omitempty"`
}

// Transition moves the worker to a new status, rejecting illegal moves.
func (w *Worker) Transition(to Status) error {
	if !CanTransition(w.Status, to) {
		return &TransitionError{Worker: w.Name, From: w.Status, To: to}
	}
	w.Status = to
	return nil
}

// Assignable reports whether the daemon may hand this worker a task.
func (w *Worker) Assignable() bool {
	return w.Status == Idle && !w.ExcludedFromPool
}

// ResetToIdle clears per-task bookkeeping after an accept or teardown.
func (w *Worker) ResetToIdle() {
	w.Status = Idle
	w.CurrentTask = nil
	w.RetryCount = 0
	w.ErrorReason = ""
}

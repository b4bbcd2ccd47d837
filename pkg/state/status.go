// Package state holds the durable record of the worker fleet: worker
// records and their status machine, the JSON state store with atomic
// persistence, the single-writer lock, and the daemon registration and
// heartbeat files the overseer reads.
package state

import "fmt"

// Status is a worker's position in its lifecycle.
type Status string

const (
	// Offline means the worker has no live worktree or session.
	Offline Status = "offline"
	// Idle means the worker is ready for a task.
	Idle Status = "idle"
	// Working means a task has been assigned and the session is running it.
	Working Status = "working"
	// NeedsReview means the session finished and left commits to accept.
	NeedsReview Status = "needs_review"
	// NoChanges means the session finished without producing changes.
	NoChanges Status = "no_changes"
	// Errored parks a worker whose recovery attempts were exhausted. The
	// patrol healer sets it; only an explicit reset clears it.
	Errored Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Offline, Idle, Working, NeedsReview, NoChanges, Errored:
		return true
	}
	return false
}

// Terminal reports whether a completed session left the worker here.
func (s Status) Terminal() bool {
	return s == NeedsReview || s == NoChanges
}

// CanTransition reports whether moving from one status to another is legal.
// Reset and teardown (to Idle or Offline) are allowed from anywhere; the
// rest follows the assignment/completion/accept cycle.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	// Explicit reset or teardown.
	if to == Offline || to == Idle {
		return true
	}
	switch to {
	case Working:
		return from == Idle
	case NeedsReview, NoChanges:
		return from == Working
	case Errored:
		return from != Offline
	}
	return false
}

// TransitionError reports an illegal status change.
type TransitionError struct {
	Worker string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("worker %s: illegal transition %s -> %s", e.Worker, e.From, e.To)
}

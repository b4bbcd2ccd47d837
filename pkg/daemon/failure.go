package daemon

import "fmt"

// HardFailureKind enumerates failures that require orderly daemon shutdown.
// The daemon never retries these; diagnosis belongs to the overseer, which
// can reason about a dead daemon in a way the daemon cannot reason about
// itself.
type HardFailureKind int

const (
	// TaskSourceFailed means the task pool command exited nonzero.
	TaskSourceFailed HardFailureKind = iota
	// PostAcceptFailed means the post-accept command exited nonzero.
	PostAcceptFailed
	// RebaseConflict means a worker's branch conflicts with trunk.
	RebaseConflict
	// AcceptFailed covers any other error inside the accept pipeline.
	AcceptFailed
	// RetriesExhausted means patrol gave up recovering a worker's session.
	RetriesExhausted
	// WorkerErrorState means a worker is parked in the error status.
	WorkerErrorState
	// StateCorrupt means the state store could not be persisted or reloaded.
	StateCorrupt
)

func (k HardFailureKind) String() string {
	switch k {
	case TaskSourceFailed:
		return "task_source_failed"
	case PostAcceptFailed:
		return "post_accept_failed"
	case RebaseConflict:
		return "rebase_conflict"
	case AcceptFailed:
		return "accept_failed"
	case RetriesExhausted:
		return "retries_exhausted"
	case WorkerErrorState:
		return "worker_error_state"
	case StateCorrupt:
		return "state_corrupt"
	default:
		return "unknown"
	}
}

// HardFailure carries the shutdown reason into logs and the process exit.
type HardFailure struct {
	Kind   HardFailureKind
	Worker string
	Detail string
}

func (f *HardFailure) Error() string {
	if f.Worker != "" {
		return fmt.Sprintf("hard failure (%s) on worker %s: %s", f.Kind, f.Worker, f.Detail)
	}
	return fmt.Sprintf("hard failure (%s): %s", f.Kind, f.Detail)
}

// maxSessionRetries bounds patrol's transient recovery attempts per task.
const maxSessionRetries = 2

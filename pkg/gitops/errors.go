package gitops

import (
	"fmt"
	"strings"
)

// OpError wraps a failed git invocation with its operation and directory.
type OpError struct {
	Op  string
	Dir string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("git %s in %s: %v", e.Op, e.Dir, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// ConflictError reports a rebase that hit merge conflicts. By the time the
// caller sees it the rebase has already been aborted; the worktree is back
// at its pre-rebase state.
type ConflictError struct {
	Branch string
	Files  []string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("rebase of %s conflicts with trunk", e.Branch)
	}
	return fmt.Sprintf("rebase of %s conflicts with trunk in: %s", e.Branch, strings.Join(e.Files, ", "))
}

// UnsafeError reports a repository that failed a pre-flight safety check.
type UnsafeError struct {
	Dir    string
	Reason string
}

func (e *UnsafeError) Error() string {
	return fmt.Sprintf("refusing to modify %s: %s", e.Dir, e.Reason)
}

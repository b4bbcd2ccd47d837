package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// abortTimeout bounds cleanup commands issued while unwinding a failure, so
// a wedged git cannot hang the rollback itself.
const abortTimeout = 5 * time.Second

// VerifySafeToModify fails if the directory is not a repository, if another
// git process holds the index lock, or if a rebase, merge, or cherry-pick is
// mid-flight. Callers invoke it immediately before each mutation rather than
// caching the answer; the exclusion domain is the filesystem and other
// processes write to it too.
func (g *Git) VerifySafeToModify(ctx context.Context, dir string) error {
	if _, _, err := g.run.Run(ctx, dir, "rev-parse", "--git-dir"); err != nil {
		return &UnsafeError{Dir: dir, Reason: "not a git repository"}
	}
	checks := []struct {
		name   string
		reason string
	}{
		{"index.lock", "another git operation is in progress (index.lock present)"},
		{"rebase-merge", "a rebase is in progress"},
		{"rebase-apply", "a rebase is in progress"},
		{"MERGE_HEAD", "a merge is in progress"},
		{"CHERRY_PICK_HEAD", "a cherry-pick is in progress"},
	}
	for _, c := range checks {
		p, err := g.GitPath(ctx, dir, c.name)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, err := os.Stat(p); err == nil {
			return &UnsafeError{Dir: dir, Reason: c.reason}
		}
	}
	return nil
}

// WithRollback records HEAD, runs op, and on failure resets the repository
// back to the recorded head. The returned error is the original failure,
// annotated with the rollback outcome; the guarantee is head-after equals
// head-before whenever op fails.
func (g *Git) WithRollback(ctx context.Context, dir, desc string, op func(context.Context) error) error {
	head, err := g.HeadSHA(ctx, dir)
	if err != nil {
		return fmt.Errorf("%s: record head before operation: %w", desc, err)
	}
	opErr := op(ctx)
	if opErr == nil {
		return nil
	}

	// Roll back on a fresh context; the failure may have been a cancellation.
	rbCtx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if _, _, rbErr := g.run.Run(rbCtx, dir, "reset", "--hard", head); rbErr != nil {
		return fmt.Errorf("%s: %w (rollback to %s FAILED: %v)", desc, opErr, head, rbErr)
	}
	return fmt.Errorf("%s: %w (rolled back to %s)", desc, opErr, head)
}

// SafeRemoveWorktree removes a linked worktree with guards: a missing path
// is a no-op, a path that looks like a primary repository is refused, and
// uncommitted changes produce a warning through warn rather than a block.
func (g *Git) SafeRemoveWorktree(ctx context.Context, repo, path string, warn func(string)) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	// Linked worktrees carry a .git *file*; a .git directory means this is a
	// full repository and absolutely not ours to delete.
	if info, err := os.Stat(filepath.Join(path, ".git")); err == nil && info.IsDir() {
		return &UnsafeError{Dir: path, Reason: "path is a primary repository, not a linked worktree"}
	}

	if clean, err := g.IsClean(ctx, path); err == nil && !clean {
		if warn != nil {
			warn(fmt.Sprintf("removing worktree %s discards uncommitted changes", path))
		}
	}

	if _, stderr, err := g.run.Run(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("remove worktree %s: %w (%s)", path, err, trimStderr(stderr))
	}
	_, _, _ = g.run.Run(ctx, repo, "worktree", "prune")
	return nil
}

func trimStderr(s string) string {
	const max = 300
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

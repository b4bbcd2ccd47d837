package gitops

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var conflictPattern = regexp.MustCompile(`(?m)^CONFLICT \(.*\): Merge conflict in (.+)$`)

// FetchOrigin updates remote tracking refs. Repositories without an origin
// remote are left alone.
func (g *Git) FetchOrigin(ctx context.Context, dir string) error {
	out, _, err := g.run.Run(ctx, dir, "remote")
	if err != nil {
		return wrapGit("remote", dir, err)
	}
	if !hasLine(out, "origin") {
		return nil
	}
	if _, stderr, err := g.run.Run(ctx, dir, "fetch", "origin"); err != nil {
		return wrapGit("fetch origin: "+trimStderr(stderr), dir, err)
	}
	return nil
}

// Rebase replays branch onto target. On conflict the rebase is aborted
// before returning, so the worktree is never left mid-rebase; the error is a
// *ConflictError carrying the conflicted files when they can be parsed.
func (g *Git) Rebase(ctx context.Context, dir, target, branch string) error {
	_, stderr, err := g.run.Run(ctx, dir, "rebase", target, branch)
	if err == nil {
		return nil
	}

	files := parseConflictFiles(stderr)
	g.abortRebase(dir)
	if len(files) > 0 || strings.Contains(stderr, "CONFLICT") {
		return &ConflictError{Branch: branch, Files: files}
	}
	return wrapGit("rebase "+target+" "+branch+": "+trimStderr(stderr), dir, err)
}

// abortRebase unwinds a failed rebase on a fresh bounded context; the
// original context may already be cancelled.
func (g *Git) abortRebase(dir string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	_, _, _ = g.run.Run(ctx, dir, "rebase", "--abort")
}

// RebaseInProgress reports whether a rebase is mid-flight in dir.
func (g *Git) RebaseInProgress(ctx context.Context, dir string) (bool, error) {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		p, err := g.GitPath(ctx, dir, name)
		if err != nil {
			return false, err
		}
		if pathExists(dir, p) {
			return true, nil
		}
	}
	return false, nil
}

// MergeBase returns the common ancestor of two refs.
func (g *Git) MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	out, _, err := g.run.Run(ctx, dir, "merge-base", a, b)
	if err != nil {
		return "", wrapGit("merge-base "+a+" "+b, dir, err)
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether a is an ancestor of b.
func (g *Git) IsAncestor(ctx context.Context, dir, a, b string) (bool, error) {
	_, _, err := g.run.Run(ctx, dir, "merge-base", "--is-ancestor", a, b)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, wrapGit("merge-base --is-ancestor", dir, err)
}

// CommitMessage returns the full message of a ref.
func (g *Git) CommitMessage(ctx context.Context, dir, ref string) (string, error) {
	out, _, err := g.run.Run(ctx, dir, "log", "-1", "--format=%B", ref)
	if err != nil {
		return "", wrapGit("log -1 "+ref, dir, err)
	}
	return strings.TrimRight(out, "\n"), nil
}

// CommitCount returns the number of commits in revRange (e.g. "main..HEAD").
func (g *Git) CommitCount(ctx context.Context, dir, revRange string) (int, error) {
	out, _, err := g.run.Run(ctx, dir, "rev-list", "--count", revRange)
	if err != nil {
		return 0, wrapGit("rev-list --count "+revRange, dir, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, wrapGit("rev-list --count "+revRange+": unparseable output", dir, err)
	}
	return n, nil
}

// SquashCommits collapses everything after base into a single commit with
// the given message. Implemented as a soft reset plus one commit, so the
// tree contents are untouched.
func (g *Git) SquashCommits(ctx context.Context, dir, base, message string) error {
	if _, stderr, err := g.run.Run(ctx, dir, "reset", "--soft", base); err != nil {
		return wrapGit("reset --soft "+base+": "+trimStderr(stderr), dir, err)
	}
	if _, stderr, err := g.run.Run(ctx, dir, "commit", "-m", message); err != nil {
		return wrapGit("commit: "+trimStderr(stderr), dir, err)
	}
	return nil
}

// AmendUncommitted folds stray working-tree changes into the tip commit.
// A clean tree is a no-op.
func (g *Git) AmendUncommitted(ctx context.Context, dir string) error {
	clean, err := g.IsClean(ctx, dir)
	if err != nil {
		return err
	}
	if clean {
		return nil
	}
	if _, stderr, err := g.run.Run(ctx, dir, "add", "-A"); err != nil {
		return wrapGit("add -A: "+trimStderr(stderr), dir, err)
	}
	if _, stderr, err := g.run.Run(ctx, dir, "commit", "--amend", "--no-edit"); err != nil {
		return wrapGit("commit --amend: "+trimStderr(stderr), dir, err)
	}
	return nil
}

// CommitAll stages everything and commits it. Used when a worktree holds
// uncommitted changes but no commit of its own to amend.
func (g *Git) CommitAll(ctx context.Context, dir, message string) error {
	if _, stderr, err := g.run.Run(ctx, dir, "add", "-A"); err != nil {
		return wrapGit("add -A: "+trimStderr(stderr), dir, err)
	}
	if _, stderr, err := g.run.Run(ctx, dir, "commit", "-m", message); err != nil {
		return wrapGit("commit: "+trimStderr(stderr), dir, err)
	}
	return nil
}

// Checkout switches dir to ref.
func (g *Git) Checkout(ctx context.Context, dir, ref string) error {
	if _, stderr, err := g.run.Run(ctx, dir, "checkout", ref); err != nil {
		return wrapGit("checkout "+ref+": "+trimStderr(stderr), dir, err)
	}
	return nil
}

// FFMerge fast-forwards the current branch to ref. Refuses (errors) when a
// fast-forward is impossible; trunk moving under us must never be forced.
func (g *Git) FFMerge(ctx context.Context, dir, ref string) error {
	if _, stderr, err := g.run.Run(ctx, dir, "merge", "--ff-only", ref); err != nil {
		return wrapGit("merge --ff-only "+ref+": "+trimStderr(stderr), dir, err)
	}
	return nil
}

// ResetHard points the current branch at ref and clears the tree.
func (g *Git) ResetHard(ctx context.Context, dir, ref string) error {
	if _, stderr, err := g.run.Run(ctx, dir, "reset", "--hard", ref); err != nil {
		return wrapGit("reset --hard "+ref+": "+trimStderr(stderr), dir, err)
	}
	return nil
}

// SyncTrunkToOrigin resets trunk to its origin counterpart when a remote
// exists, keeping the local integration branch from drifting.
func (g *Git) SyncTrunkToOrigin(ctx context.Context, dir, trunk string) error {
	out, _, err := g.run.Run(ctx, dir, "remote")
	if err != nil {
		return wrapGit("remote", dir, err)
	}
	if !hasLine(out, "origin") {
		return nil
	}
	return g.ResetHard(ctx, dir, "origin/"+trunk)
}

// FormatPatch renders the commits in revRange as a mailbox patch.
func (g *Git) FormatPatch(ctx context.Context, dir, revRange string) (string, error) {
	out, stderr, err := g.run.Run(ctx, dir, "format-patch", "--stdout", revRange)
	if err != nil {
		return "", wrapGit("format-patch "+revRange+": "+trimStderr(stderr), dir, err)
	}
	return out, nil
}

// Diff returns the working-tree diff against ref.
func (g *Git) Diff(ctx context.Context, dir, ref string) (string, error) {
	out, stderr, err := g.run.Run(ctx, dir, "diff", ref)
	if err != nil {
		return "", wrapGit("diff "+ref+": "+trimStderr(stderr), dir, err)
	}
	return out, nil
}

// CreateBranch points a new branch at ref without switching to it.
func (g *Git) CreateBranch(ctx context.Context, dir, name, ref string) error {
	if _, stderr, err := g.run.Run(ctx, dir, "branch", name, ref); err != nil {
		return wrapGit("branch "+name+" "+ref+": "+trimStderr(stderr), dir, err)
	}
	return nil
}

func parseConflictFiles(stderr string) []string {
	var files []string
	for _, m := range conflictPattern.FindAllStringSubmatch(stderr, -1) {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}

func hasLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

func pathExists(dir, p string) bool {
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	_, err := os.Stat(p)
	return err == nil
}

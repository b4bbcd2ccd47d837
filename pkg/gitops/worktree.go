package gitops

import (
	"context"
	"strings"
)

// WorktreeInfo is one entry from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Head   string
	Branch string // short name; empty when detached
}

// CreateWorktree adds a linked worktree at path on a new branch cut from
// start.
func (g *Git) CreateWorktree(ctx context.Context, repo, path, branch, start string) error {
	if _, stderr, err := g.run.Run(ctx, repo, "worktree", "add", "-b", branch, path, start); err != nil {
		return wrapGit("worktree add "+path+": "+trimStderr(stderr), repo, err)
	}
	return nil
}

// ListWorktrees parses the porcelain listing, primary repo included.
func (g *Git) ListWorktrees(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	out, _, err := g.run.Run(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, wrapGit("worktree list", repo, err)
	}
	var infos []WorktreeInfo
	var cur WorktreeInfo
	flush := func() {
		if cur.Path != "" {
			infos = append(infos, cur)
		}
		cur = WorktreeInfo{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return infos, nil
}

// DeleteBranch force-deletes a branch; a missing branch is tolerated.
func (g *Git) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, stderr, err := g.run.Run(ctx, repo, "branch", "-D", branch)
	if err != nil && !strings.Contains(stderr, "not found") {
		return wrapGit("branch -D "+branch+": "+trimStderr(stderr), repo, err)
	}
	return nil
}

// PruneWorktrees drops stale administrative entries.
func (g *Git) PruneWorktrees(ctx context.Context, repo string) error {
	if _, stderr, err := g.run.Run(ctx, repo, "worktree", "prune"); err != nil {
		return wrapGit("worktree prune: "+trimStderr(stderr), repo, err)
	}
	return nil
}

// RecycleWorktree tears a worker's worktree down and recreates it fresh from
// start. Used after an accept so the worker tracks the new trunk head.
func (g *Git) RecycleWorktree(ctx context.Context, repo, path, branch, start string, warn func(string)) error {
	if err := g.SafeRemoveWorktree(ctx, repo, path, warn); err != nil {
		return err
	}
	if err := g.DeleteBranch(ctx, repo, branch); err != nil {
		return err
	}
	return g.CreateWorktree(ctx, repo, path, branch, start)
}

// Package gitops wraps every repository operation the orchestrator performs:
// worktree lifecycle, the rebase/squash/fast-forward accept primitives, and
// the safety layer (pre-flight checks and rollback) around mutations.
package gitops

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Runner executes a git command in a directory and returns stdout, stderr,
// and the process error. An interface so tests can script exact outcomes.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

// ExecRunner shells out to the git binary.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Git bundles the runner with the repository-level operations. All methods
// take an explicit directory so one value serves the primary repo and every
// worktree.
type Git struct {
	run Runner
}

// New returns a Git over the given runner.
func New(run Runner) *Git {
	return &Git{run: run}
}

// NewExec returns a Git backed by the real git binary.
func NewExec() *Git {
	return New(ExecRunner{})
}

// HeadSHA returns the commit id at HEAD.
func (g *Git) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, _, err := g.run.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", wrapGit("rev-parse HEAD", dir, err)
	}
	return strings.TrimSpace(out), nil
}

// RevParse resolves an arbitrary ref.
func (g *Git) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, _, err := g.run.Run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", wrapGit("rev-parse "+ref, dir, err)
	}
	return strings.TrimSpace(out), nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (g *Git) IsClean(ctx context.Context, dir string) (bool, error) {
	out, _, err := g.run.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, wrapGit("status", dir, err)
	}
	return strings.TrimSpace(out) == "", nil
}

// StatusShort returns `git status --short` output for diagnostics.
func (g *Git) StatusShort(ctx context.Context, dir string) (string, error) {
	out, _, err := g.run.Run(ctx, dir, "status", "--short")
	if err != nil {
		return "", wrapGit("status --short", dir, err)
	}
	return strings.TrimSpace(out), nil
}

// GitPath resolves a path inside the git directory (handles worktrees, where
// .git is a file pointing elsewhere).
func (g *Git) GitPath(ctx context.Context, dir, name string) (string, error) {
	out, _, err := g.run.Run(ctx, dir, "rev-parse", "--git-path", name)
	if err != nil {
		return "", wrapGit("rev-parse --git-path "+name, dir, err)
	}
	return strings.TrimSpace(out), nil
}

func wrapGit(op, dir string, err error) error {
	return &OpError{Op: op, Dir: dir, Err: err}
}

package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifySafeToModify_NotARepo(t *testing.T) {
	mock := &mockRunner{
		results: []mockResult{
			{Stderr: "fatal: not a git repository", Err: fmt.Errorf("exit status 128")},
		},
	}
	g := New(mock)
	err := g.VerifySafeToModify(context.Background(), "/nowhere")
	var unsafe *UnsafeError
	if !errors.As(err, &unsafe) {
		t.Fatalf("expected *UnsafeError, got: %v", err)
	}
}

func TestVerifySafeToModify_IndexLockBlocks(t *testing.T) {
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := filepath.Join(gitDir, "index.lock")
	if err := os.WriteFile(lock, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	mock := &mockRunner{
		results: []mockResult{
			{Stdout: gitDir + "\n"}, // rev-parse --git-dir
			{Stdout: lock + "\n"},   // --git-path index.lock
		},
	}
	g := New(mock)
	err := g.VerifySafeToModify(context.Background(), dir)
	var unsafe *UnsafeError
	if !errors.As(err, &unsafe) {
		t.Fatalf("expected *UnsafeError, got: %v", err)
	}
}

func TestVerifySafeToModify_CleanRepoPasses(t *testing.T) {
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	// git-path probes resolve to files that do not exist.
	mock := &mockRunner{
		results: []mockResult{
			{Stdout: gitDir + "\n"},
			{Stdout: filepath.Join(gitDir, "index.lock") + "\n"},
			{Stdout: filepath.Join(gitDir, "rebase-merge") + "\n"},
			{Stdout: filepath.Join(gitDir, "rebase-apply") + "\n"},
			{Stdout: filepath.Join(gitDir, "MERGE_HEAD") + "\n"},
			{Stdout: filepath.Join(gitDir, "CHERRY_PICK_HEAD") + "\n"},
		},
	}
	g := New(mock)
	if err := g.VerifySafeToModify(context.Background(), dir); err != nil {
		t.Fatalf("expected clean repo to pass: %v", err)
	}
}

func TestWithRollback_SuccessDoesNotReset(t *testing.T) {
	mock := &mockRunner{results: []mockResult{{Stdout: "headsha\n"}}}
	g := New(mock)
	err := g.WithRollback(context.Background(), "/wt", "test op", func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls := mock.getCalls(); len(calls) != 1 {
		t.Fatalf("expected only the head probe, got %d calls", len(calls))
	}
}

func TestWithRollback_FailureResetsToRecordedHead(t *testing.T) {
	mock := &mockRunner{results: []mockResult{{Stdout: "headsha\n"}}}
	g := New(mock)
	boom := errors.New("op failed")
	err := g.WithRollback(context.Background(), "/wt", "test op", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("original error must be preserved, got: %v", err)
	}
	calls := mock.getCalls()
	if len(calls) != 2 {
		t.Fatalf("expected head probe + reset, got %d calls", len(calls))
	}
	assertArgs(t, calls[1], "/wt", "reset", "--hard", "headsha")
}

func TestSafeRemoveWorktree_MissingPathIsNoop(t *testing.T) {
	mock := &mockRunner{}
	g := New(mock)
	err := g.SafeRemoveWorktree(context.Background(), "/repo", filepath.Join(t.TempDir(), "gone"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if calls := mock.getCalls(); len(calls) != 0 {
		t.Fatalf("expected no git calls, got %d", len(calls))
	}
}

func TestSafeRemoveWorktree_RefusesPrimaryRepo(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	g := New(&mockRunner{})
	err := g.SafeRemoveWorktree(context.Background(), "/repo", dir, nil)
	var unsafe *UnsafeError
	if !errors.As(err, &unsafe) {
		t.Fatalf("expected *UnsafeError for primary repo, got: %v", err)
	}
}

func TestSafeRemoveWorktree_WarnsOnDirtyTree(t *testing.T) {
	dir := t.TempDir()
	// Linked worktree marker is a file, not a directory.
	if err := os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: /repo/.git/worktrees/w1"), 0o644); err != nil {
		t.Fatal(err)
	}
	mock := &mockRunner{
		results: []mockResult{
			{Stdout: " M dirty.go\n"}, // status --porcelain
			{},                        // worktree remove
			{},                        // worktree prune
		},
	}
	g := New(mock)
	var warned string
	err := g.SafeRemoveWorktree(context.Background(), "/repo", dir, func(msg string) { warned = msg })
	if err != nil {
		t.Fatal(err)
	}
	if warned == "" {
		t.Error("expected a warning about discarded changes")
	}
}

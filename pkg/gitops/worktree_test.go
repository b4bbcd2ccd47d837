package gitops

import (
	"context"
	"testing"
)

func TestListWorktrees_ParsesPorcelain(t *testing.T) {
	porcelain := `worktree /srv/repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /home/u/.drover/worktrees/w1
HEAD 2222222222222222222222222222222222222222
branch refs/heads/drover/w1

worktree /home/u/.drover/worktrees/w2
HEAD 3333333333333333333333333333333333333333
detached
`
	mock := &mockRunner{results: []mockResult{{Stdout: porcelain}}}
	g := New(mock)
	infos, err := g.ListWorktrees(context.Background(), "/srv/repo")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 worktrees, got %d: %+v", len(infos), infos)
	}
	if infos[0].Branch != "main" {
		t.Errorf("expected main, got %q", infos[0].Branch)
	}
	if infos[1].Path != "/home/u/.drover/worktrees/w1" || infos[1].Branch != "drover/w1" {
		t.Errorf("worktree 1 parsed wrong: %+v", infos[1])
	}
	if infos[2].Branch != "" {
		t.Errorf("detached worktree should have empty branch, got %q", infos[2].Branch)
	}
}

func TestRecycleWorktree_Sequence(t *testing.T) {
	mock := &mockRunner{}
	g := New(mock)
	// Path does not exist, so removal is skipped and we go straight to
	// branch delete + create.
	err := g.RecycleWorktree(context.Background(), "/repo", "/nonexistent/wt", "drover/w1", "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	calls := mock.getCalls()
	if len(calls) != 2 {
		t.Fatalf("expected branch delete + worktree add, got %d calls: %+v", len(calls), calls)
	}
	assertArgs(t, calls[0], "/repo", "branch", "-D", "drover/w1")
	assertArgs(t, calls[1], "/repo", "worktree", "add", "-b", "drover/w1", "/nonexistent/wt", "main")
}

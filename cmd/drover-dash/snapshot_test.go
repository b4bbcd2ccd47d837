package main

import (
	"context"
	"testing"

	"drover/pkg/paths"
	"drover/pkg/state"
)

func TestFetchSnapshot_EmptyHome(t *testing.T) {
	t.Setenv(paths.EnvHome, t.TempDir())

	snap, err := fetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetchSnapshot: %v", err)
	}
	if snap.Daemon.Running {
		t.Error("no registration means no running daemon")
	}
	if len(snap.Workers) != 0 {
		t.Errorf("expected no workers, got %d", len(snap.Workers))
	}
}

func TestFetchSnapshot_Workers(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(paths.EnvHome, tmp)
	pth := paths.Paths{Root: tmp}

	st := state.NewState()
	st.Workers["w2"] = &state.Worker{
		Name: "w2", Worktree: "/wt/w2", Branch: "drover/w2",
		SessionID: "drover-w2", Status: state.Working,
		CurrentTask: &state.TaskRef{ID: "t-7", Prompt: "do it"},
	}
	st.Workers["w1"] = &state.Worker{
		Name: "w1", Worktree: "/wt/w1", Branch: "drover/w1",
		SessionID: "drover-w1", Status: state.Errored, ErrorReason: "crash loop",
	}
	if err := state.NewStore(pth.State()).Save(st); err != nil {
		t.Fatalf("setup: %v", err)
	}

	snap, err := fetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetchSnapshot: %v", err)
	}
	if len(snap.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(snap.Workers))
	}
	// WorkerNames sorts, so w1 comes first.
	if snap.Workers[0].Name != "w1" || snap.Workers[0].Note != "crash loop" {
		t.Errorf("unexpected first row: %+v", snap.Workers[0])
	}
	if snap.Workers[1].Task != "t-7" {
		t.Errorf("task id must be carried, got %+v", snap.Workers[1])
	}
}

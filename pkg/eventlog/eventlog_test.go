package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndRecent(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log.nowFunc = func() time.Time { return fixed }

	ctx := context.Background()
	if err := log.Append(ctx, KindAssigned, "w1", "task t-1"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Append(ctx, KindAccepted, "w1", "sha abc123"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	events, err := log.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != KindAccepted || events[1].Kind != KindAssigned {
		t.Errorf("unexpected order: %s then %s", events[0].Kind, events[1].Kind)
	}
	if !events[0].TS.Equal(fixed) {
		t.Errorf("timestamp not preserved: %v", events[0].TS)
	}
}

func TestRecent_EmptyDB(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	events, err := log.Recent(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

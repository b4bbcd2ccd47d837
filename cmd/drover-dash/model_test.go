package main

import (
	"errors"
	"strings"
	"testing"
)

func TestWorkerRows(t *testing.T) {
	rows := workerRows([]WorkerRow{
		{Name: "w1", Status: "idle"},
		{Name: "w2", Status: "working", Task: "t-3"},
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0][2] != "-" {
		t.Errorf("idle worker shows a dash for its task, got %q", rows[0][2])
	}
	if rows[1][2] != "t-3" {
		t.Errorf("task id must be carried, got %q", rows[1][2])
	}
}

func TestView_ShowsWorkersAndEvents(t *testing.T) {
	m := newModel()
	updated, _ := m.Update(snapshotMsg{snap: Snapshot{
		Daemon:  DaemonInfo{Running: true, PID: 42},
		Workers: []WorkerRow{{Name: "w1", Status: "working", Task: "t-1"}},
		Events:  []EventRow{{Time: "12:00:00", Kind: "assigned", Worker: "w1", Detail: "t-1"}},
	}})
	m = updated.(Model)

	view := m.View()
	if !strings.Contains(view, "w1") {
		t.Error("view must list the worker")
	}
	if !strings.Contains(view, "assigned") {
		t.Error("view must list recent events")
	}
	if !strings.Contains(view, "pid 42") {
		t.Error("header must show the daemon pid")
	}
}

func TestView_DaemonDown(t *testing.T) {
	m := newModel()
	view := m.View()
	if !strings.Contains(view, "daemon down") {
		t.Error("header must flag a missing daemon")
	}
}

func TestView_RefreshErrorIsShownNotFatal(t *testing.T) {
	m := newModel()
	updated, _ := m.Update(snapshotMsg{err: errors.New("state unreadable")})
	m = updated.(Model)

	view := m.View()
	if !strings.Contains(view, "state unreadable") {
		t.Error("refresh failures must be surfaced in the view")
	}
}

func TestSummaryLine_CountsByStatus(t *testing.T) {
	m := newModel()
	m.snap.Workers = []WorkerRow{
		{Name: "w1", Status: "idle"},
		{Name: "w2", Status: "idle"},
		{Name: "w3", Status: "error"},
	}
	line := m.summaryLine()
	if !strings.Contains(line, "2 idle") || !strings.Contains(line, "1 error") {
		t.Errorf("unexpected summary: %q", line)
	}
}

func TestHeaderLine_MarkersWin(t *testing.T) {
	m := newModel()
	m.snap.Daemon = DaemonInfo{Running: true, PID: 42, Markers: 1}
	if !strings.Contains(m.headerLine(), "MANUAL INTERVENTION") {
		t.Error("markers outrank a healthy daemon in the header")
	}
}

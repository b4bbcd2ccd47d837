package main

import (
	"context"
	"fmt"
	"time"

	"drover/pkg/eventlog"
	"drover/pkg/paths"
	"drover/pkg/procs"
	"drover/pkg/state"
)

// DaemonInfo summarizes the daemon's liveness for the header line.
type DaemonInfo struct {
	Running      bool   `json:"running"`
	PID          int    `json:"pid,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	HeartbeatAge string `json:"heartbeat_age,omitempty"`
	Markers      int    `json:"markers"`
}

// WorkerRow is one worker's line in the table.
type WorkerRow struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Task   string `json:"task,omitempty"`
	Note   string `json:"note,omitempty"`
}

// EventRow is one recent history entry.
type EventRow struct {
	Time   string `json:"time"`
	Kind   string `json:"kind"`
	Worker string `json:"worker,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is everything the dashboard renders in one refresh.
type Snapshot struct {
	Daemon  DaemonInfo  `json:"daemon"`
	Workers []WorkerRow `json:"workers"`
	Events  []EventRow  `json:"events"`
}

const recentEvents = 8

// fetchSnapshot reads the shared files under the drover home. Every part is
// best-effort: a missing events database or heartbeat leaves its section
// empty rather than failing the refresh.
func fetchSnapshot(ctx context.Context) (Snapshot, error) {
	pth, err := paths.Default()
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	snap.Daemon.Markers = len(pth.ManualInterventionMarkers())

	if reg, err := state.ReadRegistration(pth.Registration()); err == nil && procs.IsAlive(reg.PID) {
		snap.Daemon.Running = true
		snap.Daemon.PID = reg.PID
		snap.Daemon.InstanceID = reg.InstanceID
		if hb, err := state.ReadHeartbeat(pth.Heartbeat()); err == nil {
			snap.Daemon.HeartbeatAge = hb.Age(time.Now()).Round(time.Second).String()
		}
	}

	st, err := state.NewStore(pth.State()).Load()
	if err != nil {
		return snap, fmt.Errorf("load state: %w", err)
	}
	for _, name := range st.WorkerNames() {
		w := st.Workers[name]
		row := WorkerRow{Name: name, Status: string(w.Status)}
		if w.CurrentTask != nil {
			row.Task = w.CurrentTask.ID
		}
		if w.ExcludedFromPool {
			row.Note = "excluded"
		}
		if w.ErrorReason != "" {
			row.Note = w.ErrorReason
		}
		snap.Workers = append(snap.Workers, row)
	}

	if log, err := eventlog.Open(pth.EventsDB()); err == nil {
		defer func() { _ = log.Close() }()
		if recent, err := log.Recent(ctx, recentEvents); err == nil {
			for _, e := range recent {
				snap.Events = append(snap.Events, EventRow{
					Time:   e.TS.Local().Format("15:04:05"),
					Kind:   e.Kind,
					Worker: e.Worker,
					Detail: e.Detail,
				})
			}
		}
	}

	return snap, nil
}

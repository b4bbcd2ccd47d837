package main

import (
	"os"
	"strings"
	"testing"
	"time"

	"drover/pkg/paths"
	"drover/pkg/state"
)

func TestStopCmd_NotRunning(t *testing.T) {
	t.Setenv(paths.EnvHome, t.TempDir())

	got, err := execute(t, "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(got, "not running") {
		t.Errorf("output should say not running, got: %q", got)
	}
}

func TestStopCmd_CleansStaleFiles(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv(paths.EnvHome, tmp)
	pth := paths.Paths{Root: tmp}

	reg := state.Registration{PID: 4000000, StartTimeUnix: 1, InstanceID: "gone"}
	if err := state.WriteRegistration(pth.Registration(), reg); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := state.WriteHeartbeat(pth.Heartbeat(), "gone", time.Now()); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, err := execute(t, "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(got, "already dead") {
		t.Errorf("output should report the dead pid, got: %q", got)
	}
	if _, err := os.Stat(pth.Registration()); !os.IsNotExist(err) {
		t.Error("stale registration must be removed")
	}
	if _, err := os.Stat(pth.Heartbeat()); !os.IsNotExist(err) {
		t.Error("stale heartbeat must be removed")
	}
}

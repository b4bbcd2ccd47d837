// Package procs wraps the handful of process signalling primitives shared by
// the state lock, the overseer, and the recovery tools.
package procs

import (
	"errors"
	"syscall"
)

// IsAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything. EPERM means the
// process exists but belongs to another user; it still counts as alive.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Terminate sends SIGTERM. A missing process is not an error; the goal state
// is already reached.
func Terminate(pid int) error {
	err := syscall.Kill(pid, syscall.SIGTERM)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Kill sends SIGKILL, tolerating an already-gone process.
func Kill(pid int) error {
	err := syscall.Kill(pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// Reap collects any exited children without blocking. Called during
// termination waits so a daemon child never lingers as a zombie while we
// poll its liveness.
func Reap() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}

// Manager abstracts signalling for tests. The real implementation talks to
// the OS; tests substitute a scripted fake.
type Manager interface {
	IsAlive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
	Reap()
}

// OSManager is the production Manager.
type OSManager struct{}

func (OSManager) IsAlive(pid int) bool    { return IsAlive(pid) }
func (OSManager) Terminate(pid int) error { return Terminate(pid) }
func (OSManager) Kill(pid int) error      { return Kill(pid) }
func (OSManager) Reap()                   { Reap() }

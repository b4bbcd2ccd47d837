package overseer

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"drover/pkg/paths"
	"drover/pkg/poll"
	"drover/pkg/procs"
	"drover/pkg/state"
)

const terminatePollInterval = 500 * time.Millisecond

// killConfirmTimeout bounds the wait after SIGKILL; an unkillable process is
// kernel territory, not ours.
const killConfirmTimeout = 5 * time.Second

// Terminator shuts a daemon down: identity re-verification, SIGTERM, a grace
// period, then SIGKILL. The runtime files are cleaned up whichever path the
// shutdown takes, so a later daemon never trips over a dead one's leavings.
type Terminator struct {
	pth   paths.Paths
	mgr   procs.Manager
	grace time.Duration
	log   *zap.Logger
	sleep func(time.Duration)
}

// NewTerminator builds a terminator with the given grace period.
func NewTerminator(pth paths.Paths, mgr procs.Manager, grace time.Duration, log *zap.Logger) *Terminator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Terminator{pth: pth, mgr: mgr, grace: grace, log: log, sleep: time.Sleep}
}

// Terminate runs the protocol against the expected daemon. Signals go only
// to a process whose registration still matches; an unrecognized pid is
// never signalled.
func (t *Terminator) Terminate(ctx context.Context, expected Expected) error {
	reg, regErr := state.ReadRegistration(t.pth.Registration())
	if regErr == nil && (reg.PID != expected.PID || reg.InstanceID != expected.InstanceID) {
		// Those files belong to whoever wrote them; leave them alone too.
		t.log.Warn("registration no longer matches, refusing to signal",
			zap.Int("expected_pid", expected.PID),
			zap.Int("registered_pid", reg.PID))
		return nil
	}
	defer t.cleanup()

	if !t.mgr.IsAlive(expected.PID) {
		t.log.Info("daemon already gone", zap.Int("pid", expected.PID))
		return nil
	}
	if errors.Is(regErr, os.ErrNotExist) {
		// The daemon deregistered itself; it is winding down on its own.
		t.log.Info("registration gone, waiting for self-shutdown", zap.Int("pid", expected.PID))
		return t.awaitExit(ctx, expected.PID, t.grace)
	}

	t.log.Info("sending SIGTERM", zap.Int("pid", expected.PID))
	if err := t.mgr.Terminate(expected.PID); err != nil {
		return err
	}
	if err := t.awaitExit(ctx, expected.PID, t.grace); err == nil {
		return nil
	}

	t.log.Warn("grace period expired, sending SIGKILL", zap.Int("pid", expected.PID))
	if err := t.mgr.Kill(expected.PID); err != nil {
		return err
	}
	return t.awaitExit(ctx, expected.PID, killConfirmTimeout)
}

// awaitExit polls for process death, reaping children as it goes.
func (t *Terminator) awaitExit(ctx context.Context, pid int, timeout time.Duration) error {
	res, err := poll.UntilWithSleeper(ctx, terminatePollInterval, timeout, t.sleep, func() (struct{}, bool, error) {
		t.mgr.Reap()
		return struct{}{}, !t.mgr.IsAlive(pid), nil
	})
	if err != nil {
		return err
	}
	switch res.Outcome {
	case poll.Ready:
		return nil
	case poll.Cancelled:
		return ctx.Err()
	default:
		return errors.New("process did not exit within the wait window")
	}
}

func (t *Terminator) cleanup() {
	if err := state.RemoveRegistration(t.pth.Registration()); err != nil {
		t.log.Warn("registration cleanup failed", zap.Error(err))
	}
	if err := state.RemoveHeartbeat(t.pth.Heartbeat()); err != nil {
		t.log.Warn("heartbeat cleanup failed", zap.Error(err))
	}
}

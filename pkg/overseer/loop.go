package overseer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"drover/pkg/config"
	"drover/pkg/eventlog"
	"drover/pkg/paths"
	"drover/pkg/poll"
	"drover/pkg/procs"
	"drover/pkg/state"
)

// registrationWait bounds how long a freshly started daemon has to write its
// registration before the start counts as failed.
const registrationWait = 60 * time.Second

// EventSink receives history records; *eventlog.Log satisfies it.
type EventSink interface {
	Append(ctx context.Context, kind, worker, detail string) error
}

// DaemonStarter launches one daemon process. An interface so tests can
// substitute a fake that writes a registration file.
type DaemonStarter interface {
	Start(ctx context.Context) error
}

// ExecStarter runs the daemon by re-invoking this binary with `up --auto`.
type ExecStarter struct {
	// Binary overrides the executable path; empty means os.Executable().
	Binary string
	Args   []string
}

func (s *ExecStarter) Start(ctx context.Context) error {
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own binary: %w", err)
		}
		bin = exe
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"up", "--auto"}
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	// Collect the exit status in the background so the child never zombies.
	go func() { _ = cmd.Wait() }()
	return nil
}

// Overseer supervises daemon incarnations: start, watch, terminate,
// remediate, restart. It gives up when restarts spiral or when a manual
// intervention marker tells it a person is needed.
type Overseer struct {
	cfg        config.Config
	pth        paths.Paths
	mgr        procs.Manager
	starter    DaemonStarter
	remediator *Remediator
	events     EventSink
	log        *zap.Logger
	nowFunc    func() time.Time
	sleep      func(time.Duration)

	unhealthyCycles []time.Time
}

// OverseerOptions bundles the supervisor's collaborators.
type OverseerOptions struct {
	Config     config.Config
	Paths      paths.Paths
	Procs      procs.Manager
	Starter    DaemonStarter
	Remediator *Remediator
	Events     EventSink
	Log        *zap.Logger
	NowFunc    func() time.Time
	Sleep      func(time.Duration)
}

// NewOverseer assembles a supervisor.
func NewOverseer(opts OverseerOptions) *Overseer {
	o := &Overseer{
		cfg:        opts.Config,
		pth:        opts.Paths,
		mgr:        opts.Procs,
		starter:    opts.Starter,
		remediator: opts.Remediator,
		events:     opts.Events,
		log:        opts.Log,
		nowFunc:    opts.NowFunc,
		sleep:      opts.Sleep,
	}
	if o.mgr == nil {
		o.mgr = procs.OSManager{}
	}
	if o.starter == nil {
		o.starter = &ExecStarter{}
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.nowFunc == nil {
		o.nowFunc = time.Now
	}
	if o.sleep == nil {
		o.sleep = time.Sleep
	}
	return o
}

// Run supervises until ctx is cancelled, a spiral is detected, or a manual
// intervention marker appears.
func (o *Overseer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if markers := o.pth.ManualInterventionMarkers(); len(markers) > 0 {
			o.log.Error("manual intervention requested, refusing to restart",
				zap.Strings("markers", markers))
			return fmt.Errorf("manual intervention marker present: %s", markers[0])
		}
		if o.spiralling(o.nowFunc()) {
			o.log.Error("daemon is failure-spiralling, giving up",
				zap.Int("cycles", len(o.unhealthyCycles)),
				zap.Int("window_secs", o.cfg.Overseer.SpiralWindowSecs))
			o.appendEvent(ctx, eventlog.KindHardFailure, "",
				fmt.Sprintf("overseer stopped: %d unhealthy cycles within window", len(o.unhealthyCycles)))
			return errors.New("daemon restart spiral detected")
		}

		verdict, expected, err := o.superviseOnce(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			// Shut the daemon down with us.
			o.terminate(ctx, expected)
			return nil
		}

		o.unhealthyCycles = append(o.unhealthyCycles, o.nowFunc())
		o.log.Warn("daemon unhealthy",
			zap.String("check", verdict.Check),
			zap.String("detail", verdict.Detail))
		o.appendEvent(ctx, eventlog.KindHealed, "",
			fmt.Sprintf("daemon terminated after %s check failed: %s", verdict.Check, verdict.Detail))

		// Snapshot the registration before termination deletes it; the
		// remediation prompt wants the dead daemon's identity.
		fctx := o.captureFailure(verdict)
		o.terminate(ctx, expected)
		o.remediate(ctx, fctx)
		o.sleep(time.Duration(o.cfg.Overseer.RestartCooldownSecs) * time.Second)
	}
}

// superviseOnce runs one daemon incarnation to its unhealthy end. A nil
// error with a zero verdict means ctx was cancelled while the daemon was
// healthy.
func (o *Overseer) superviseOnce(ctx context.Context) (Verdict, Expected, error) {
	if err := o.starter.Start(ctx); err != nil {
		return Verdict{}, Expected{}, fmt.Errorf("start daemon: %w", err)
	}
	reg, err := o.waitForRegistration(ctx)
	if err != nil {
		o.unhealthyCycles = append(o.unhealthyCycles, o.nowFunc())
		return unhealthy("identity", err.Error()), Expected{}, nil
	}
	expected := Expected{PID: reg.PID, StartTimeUnix: reg.StartTimeUnix, InstanceID: reg.InstanceID}
	o.log.Info("daemon registered",
		zap.Int("pid", expected.PID),
		zap.String("instance_id", expected.InstanceID))

	monitor, err := NewMonitor(o.cfg, o.pth, o.mgr, expected)
	if err != nil {
		return Verdict{}, expected, err
	}

	interval := time.Duration(o.cfg.Overseer.PollIntervalSecs) * time.Second
	for {
		if ctx.Err() != nil {
			return Verdict{}, expected, nil
		}
		if v := monitor.Check(); !v.Healthy {
			return v, expected, nil
		}
		o.sleep(interval)
	}
}

// waitForRegistration blocks until the daemon writes its registration,
// using fsnotify for wakeups with polling as the backstop.
func (o *Overseer) waitForRegistration(ctx context.Context) (state.Registration, error) {
	events := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(o.pth.Root); werr == nil {
			go func() {
				for {
					select {
					case <-watcher.Events:
						select {
						case events <- struct{}{}:
						default:
						}
					case <-watcher.Errors:
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	}

	res, err := poll.UntilWithSleeper(ctx, 500*time.Millisecond, registrationWait, o.waitSleep(events), func() (state.Registration, bool, error) {
		reg, rerr := state.ReadRegistration(o.pth.Registration())
		if rerr != nil {
			return state.Registration{}, false, nil
		}
		return reg, true, nil
	})
	if err != nil {
		return state.Registration{}, err
	}
	switch res.Outcome {
	case poll.Ready:
		return res.Value, nil
	case poll.Cancelled:
		return state.Registration{}, ctx.Err()
	default:
		return state.Registration{}, fmt.Errorf("daemon wrote no registration within %v", registrationWait)
	}
}

// waitSleep sleeps the poll interval but returns early on a watcher event.
func (o *Overseer) waitSleep(events <-chan struct{}) func(time.Duration) {
	return func(d time.Duration) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-events:
		case <-timer.C:
		}
	}
}

func (o *Overseer) terminate(ctx context.Context, expected Expected) {
	if expected.PID == 0 {
		return
	}
	grace := time.Duration(o.cfg.Overseer.GracePeriodSecs) * time.Second
	term := NewTerminator(o.pth, o.mgr, grace, o.log)
	term.sleep = o.sleep
	if err := term.Terminate(ctx, expected); err != nil {
		o.log.Error("termination protocol failed", zap.Error(err))
	}
}

// captureFailure assembles the remediation context while the daemon's files
// are still on disk.
func (o *Overseer) captureFailure(verdict Verdict) FailureContext {
	fctx := FailureContext{
		Failure: fmt.Sprintf("health check %q failed: %s", verdict.Check, verdict.Detail),
	}
	if reg, err := state.ReadRegistration(o.pth.Registration()); err == nil {
		fctx.Registration = &reg
	}
	return fctx
}

func (o *Overseer) remediate(ctx context.Context, fctx FailureContext) {
	if o.remediator == nil {
		return
	}
	o.appendEvent(ctx, eventlog.KindRemediation, "", fctx.Failure)
	if err := o.remediator.Run(ctx, fctx); err != nil {
		o.log.Error("remediation failed", zap.Error(err))
	}
}

// spiralling reports whether too many unhealthy cycles landed inside the
// configured window. Old cycles age out.
func (o *Overseer) spiralling(now time.Time) bool {
	window := time.Duration(o.cfg.Overseer.SpiralWindowSecs) * time.Second
	var recent []time.Time
	for _, t := range o.unhealthyCycles {
		if now.Sub(t) <= window {
			recent = append(recent, t)
		}
	}
	o.unhealthyCycles = recent
	return len(recent) >= o.cfg.Overseer.SpiralMaxCycles
}

func (o *Overseer) appendEvent(ctx context.Context, kind, worker, detail string) {
	if o.events == nil {
		return
	}
	_ = o.events.Append(ctx, kind, worker, detail)
}

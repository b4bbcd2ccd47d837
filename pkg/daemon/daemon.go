// Package daemon implements the orchestration loop: provisioning workers,
// assigning tasks, detecting completions, accepting finished work onto
// trunk, and self-healing transient per-worker issues. Anything it cannot
// heal escalates to orderly process exit for the overseer to handle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"drover/pkg/config"
	"drover/pkg/eventlog"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/state"
	"drover/pkg/tasksource"
)

// TaskSource yields the next task, nil when none is available.
type TaskSource interface {
	Next(ctx context.Context) (*tasksource.Task, error)
}

// TaskTracker records task lifecycle against the external pool.
type TaskTracker interface {
	Claim(id, worker string) error
	Complete(id string) error
	Release(id string) error
}

// EventSink receives history records; *eventlog.Log satisfies it.
type EventSink interface {
	Append(ctx context.Context, kind, worker, detail string) error
}

// SessionRuntime is the daemon's view of worker agent sessions.
type SessionRuntime interface {
	Create(name, dir, agentCommand string) error
	Alive(name string) bool
	IdleAtPrompt(name string) bool
	SendPrompt(name, text string, timeout time.Duration) error
	Interrupt(name string) error
	Kill(name string) error
}

// Daemon runs the single-threaded cooperative orchestration loop.
type Daemon struct {
	cfg      config.Config
	pth      paths.Paths
	store    *state.Store
	st       *state.State
	git      *gitops.Git
	sessions SessionRuntime
	tasks    TaskSource
	tracker  TaskTracker
	events   EventSink
	log      *zap.Logger

	instanceID string
	nowFunc    func() time.Time
	sleep      func(time.Duration)

	shuttingDown atomic.Bool
	exitFailure  *HardFailure

	sourceDirty backoff
}

// Options bundles the daemon's collaborators. Nil optional fields get
// production defaults.
type Options struct {
	Config   config.Config
	Paths    paths.Paths
	Store    *state.Store
	Git      *gitops.Git
	Sessions SessionRuntime
	Tasks    TaskSource
	Tracker  TaskTracker
	Events   EventSink
	Log      *zap.Logger
	NowFunc  func() time.Time
	Sleep    func(time.Duration)
}

// New assembles a daemon. The state store is loaded (falling back to the
// backup on corruption) but the lock is not taken; Run does that.
func New(opts Options) (*Daemon, error) {
	d := &Daemon{
		cfg:        opts.Config,
		pth:        opts.Paths,
		store:      opts.Store,
		git:        opts.Git,
		sessions:   opts.Sessions,
		tasks:      opts.Tasks,
		tracker:    opts.Tracker,
		events:     opts.Events,
		log:        opts.Log,
		instanceID: uuid.NewString(),
		nowFunc:    opts.NowFunc,
		sleep:      opts.Sleep,
	}
	if d.nowFunc == nil {
		d.nowFunc = time.Now
	}
	if d.sleep == nil {
		d.sleep = time.Sleep
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}

	st, err := d.store.Load()
	if err != nil {
		var corrupt *state.CorruptError
		if !errors.As(err, &corrupt) || st == nil {
			// Corrupt with no usable backup: nothing to run against.
			// Doctor can rebuild from the worktrees on disk.
			return nil, fmt.Errorf("load state: %w", err)
		}
		d.log.Warn("state file corrupt, recovered from backup", zap.Error(corrupt))
	}
	d.st = st
	return d, nil
}

// InstanceID returns the random identity stamped into this run's
// registration and heartbeats.
func (d *Daemon) InstanceID() string { return d.instanceID }

// RequestShutdown sets the flag checked at the top of each cycle.
func (d *Daemon) RequestShutdown() { d.shuttingDown.Store(true) }

// failHard records the failure and requests shutdown. The error level log
// line is load-bearing: the overseer's log tailer treats it as a health
// failure signal.
func (d *Daemon) failHard(f *HardFailure) {
	if d.exitFailure == nil {
		d.exitFailure = f
	}
	d.log.Error("hard failure, shutting down",
		zap.String("kind", f.Kind.String()),
		zap.String("worker", f.Worker),
		zap.String("detail", f.Detail))
	_ = d.events.Append(context.Background(), eventlog.KindHardFailure, f.Worker, f.Error())
	d.RequestShutdown()
}

// Run executes the daemon until shutdown. It writes the registration,
// starts the heartbeat goroutine, provisions workers, then cycles.
func (d *Daemon) Run(ctx context.Context) error {
	now := d.nowFunc()
	reg := state.NewRegistration(d.instanceID, d.pth.DaemonLog(), now)
	if err := state.WriteRegistration(d.pth.Registration(), reg); err != nil {
		return fmt.Errorf("write registration: %w", err)
	}
	if err := state.WriteHeartbeat(d.pth.Heartbeat(), d.instanceID, now); err != nil {
		return fmt.Errorf("write initial heartbeat: %w", err)
	}
	d.log.Info("daemon started",
		zap.Int("pid", reg.PID),
		zap.String("instance_id", d.instanceID),
		zap.Int("concurrency", d.cfg.Daemon.Concurrency))

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	var group errgroup.Group
	group.Go(func() error {
		d.heartbeatLoop(hbCtx)
		return nil
	})

	if err := d.ensureWorkers(ctx); err != nil {
		stopHeartbeat()
		_ = group.Wait()
		d.cleanupRegistration()
		return fmt.Errorf("provision workers: %w", err)
	}
	d.st.AutoEnabled = true
	d.st.Concurrency = d.cfg.Daemon.Concurrency

	interval := time.Duration(d.cfg.Daemon.IntervalSecs) * time.Second
	for {
		if ctx.Err() != nil || d.shuttingDown.Load() {
			break
		}
		d.runCycle(ctx)
		if d.shuttingDown.Load() {
			break
		}
		d.sleepChunked(ctx, interval)
	}

	stopHeartbeat()
	_ = group.Wait()
	d.gracefulShutdown(ctx)

	if d.exitFailure != nil {
		return d.exitFailure
	}
	return nil
}

// heartbeatLoop refreshes the liveness stamp on its own clock, decoupled
// from cycle duration so a slow cycle does not look like a hang.
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Daemon.HeartbeatIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := state.WriteHeartbeat(d.pth.Heartbeat(), d.instanceID, d.nowFunc()); err != nil {
				d.log.Warn("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

// runCycle is one pass of the cooperative loop: assign, detect, accept,
// patrol, persist.
func (d *Daemon) runCycle(ctx context.Context) {
	d.assignIdle(ctx)
	if d.shuttingDown.Load() {
		return
	}
	d.detectCompletions(ctx)
	d.acceptCompleted(ctx)
	if d.shuttingDown.Load() {
		return
	}
	issues := d.patrol(ctx)
	for _, issue := range issues {
		d.log.Warn("patrol healed issue",
			zap.String("worker", issue.Worker),
			zap.String("kind", issue.Kind),
			zap.String("detail", issue.Detail))
		_ = d.events.Append(ctx, eventlog.KindHealed, issue.Worker, issue.Kind+": "+issue.Detail)
	}
	if hf := d.checkWorkerErrorStates(); hf != nil {
		d.failHard(hf)
		return
	}
	d.saveState()
}

// assignIdle hands tasks to assignable workers up to the concurrency cap.
func (d *Daemon) assignIdle(ctx context.Context) {
	for _, name := range d.st.WorkerNames() {
		if d.shuttingDown.Load() {
			return
		}
		w := d.st.Worker(name)
		if !w.Assignable() {
			continue
		}
		if d.st.WorkingCount() >= d.cfg.Daemon.Concurrency {
			return
		}
		task, err := d.tasks.Next(ctx)
		if err != nil {
			d.failHard(&HardFailure{Kind: TaskSourceFailed, Detail: err.Error()})
			return
		}
		if task == nil {
			// No task available; leave remaining idle workers untouched
			// this cycle, the pool is drained.
			return
		}
		if err := d.assignTask(ctx, w, task); err != nil {
			d.log.Warn("task assignment failed",
				zap.String("worker", name),
				zap.String("task", task.ID),
				zap.Error(err))
			_ = d.tracker.Release(task.ID)
		}
	}
}

func (d *Daemon) assignTask(ctx context.Context, w *state.Worker, task *tasksource.Task) error {
	if err := d.tracker.Claim(task.ID, w.Name); err != nil {
		return err
	}
	if err := d.sessions.Create(w.SessionID, w.Worktree, d.cfg.Daemon.AgentCommand); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := d.sessions.SendPrompt(w.SessionID, task.Prompt(), time.Minute); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	if err := w.Transition(state.Working); err != nil {
		return err
	}
	w.CurrentTask = &state.TaskRef{ID: task.ID, Prompt: task.Prompt()}
	d.log.Info("task assigned",
		zap.String("worker", w.Name),
		zap.String("task", task.ID),
		zap.String("subject", task.Subject))
	_ = d.events.Append(ctx, eventlog.KindAssigned, w.Name, task.ID)
	return nil
}

// detectCompletions moves Working workers whose session has gone idle to
// NeedsReview or NoChanges depending on whether the worktree diverged from
// trunk.
func (d *Daemon) detectCompletions(ctx context.Context) {
	for _, name := range d.st.WorkerNames() {
		w := d.st.Worker(name)
		if w.Status != state.Working {
			continue
		}
		if !d.sessions.Alive(w.SessionID) {
			// Patrol handles dead sessions.
			continue
		}
		if !d.sessions.IdleAtPrompt(w.SessionID) {
			continue
		}
		ahead, err := d.git.CommitCount(ctx, w.Worktree, d.cfg.Repo.Trunk+"..HEAD")
		if err != nil {
			d.log.Warn("completion probe failed", zap.String("worker", name), zap.Error(err))
			continue
		}
		clean, err := d.git.IsClean(ctx, w.Worktree)
		if err != nil {
			// A failed cleanliness probe must not classify real work as
			// NoChanges; try again next cycle.
			d.log.Warn("completion probe failed", zap.String("worker", name), zap.Error(err))
			continue
		}
		dirty := !clean
		next := state.NoChanges
		if ahead > 0 || dirty {
			next = state.NeedsReview
		}
		if err := w.Transition(next); err != nil {
			d.log.Warn("completion transition rejected", zap.String("worker", name), zap.Error(err))
			continue
		}
		d.log.Info("worker completed task",
			zap.String("worker", name),
			zap.String("status", string(next)),
			zap.Int("commits_ahead", ahead))
	}
}

// checkWorkerErrorStates surfaces workers parked in the error status as a
// hard failure.
func (d *Daemon) checkWorkerErrorStates() *HardFailure {
	for _, name := range d.st.WorkerNames() {
		w := d.st.Worker(name)
		if w.Status == state.Errored {
			return &HardFailure{Kind: WorkerErrorState, Worker: name, Detail: w.ErrorReason}
		}
	}
	return nil
}

func (d *Daemon) saveState() {
	if err := d.store.Save(d.st); err != nil {
		d.failHard(&HardFailure{Kind: StateCorrupt, Detail: err.Error()})
	}
}

// sleepChunked sleeps in short slices so shutdown requests are honored
// promptly between cycles.
func (d *Daemon) sleepChunked(ctx context.Context, total time.Duration) {
	const chunk = 500 * time.Millisecond
	remaining := total
	for remaining > 0 {
		if ctx.Err() != nil || d.shuttingDown.Load() {
			return
		}
		step := chunk
		if remaining < chunk {
			step = remaining
		}
		d.sleep(step)
		remaining -= step
	}
}

// ensureWorkers provisions worktrees and records for the configured fleet.
func (d *Daemon) ensureWorkers(ctx context.Context) error {
	names := d.cfg.Daemon.Workers
	if len(names) == 0 {
		for i := 1; i <= d.cfg.Daemon.Concurrency; i++ {
			names = append(names, fmt.Sprintf("w%d", i))
		}
	}
	for _, name := range names {
		if err := d.ensureWorker(ctx, name); err != nil {
			return fmt.Errorf("worker %s: %w", name, err)
		}
	}
	return nil
}

func (d *Daemon) ensureWorker(ctx context.Context, name string) error {
	w := d.st.Worker(name)
	if w == nil {
		w = &state.Worker{
			Name:      name,
			Worktree:  filepath.Join(d.worktreesDir(), name),
			Branch:    "drover/" + name,
			SessionID: "drover-" + name,
			Status:    state.Offline,
		}
		d.st.Workers[name] = w
	}
	if _, err := os.Stat(w.Worktree); os.IsNotExist(err) {
		if err := d.git.VerifySafeToModify(ctx, d.cfg.Repo.Source); err != nil {
			return err
		}
		_ = d.git.DeleteBranch(ctx, d.cfg.Repo.Source, w.Branch)
		if err := d.git.CreateWorktree(ctx, d.cfg.Repo.Source, w.Worktree, w.Branch, d.cfg.Repo.Trunk); err != nil {
			return err
		}
	}
	if w.Status == state.Offline {
		w.ResetToIdle()
	}
	return nil
}

func (d *Daemon) worktreesDir() string {
	if d.cfg.Repo.WorktreesDir != "" {
		return d.cfg.Repo.WorktreesDir
	}
	return d.pth.WorktreesDir()
}

// gracefulShutdown interrupts in-flight sessions, releases claimed tasks,
// persists state, and removes the registration and heartbeat files.
func (d *Daemon) gracefulShutdown(ctx context.Context) {
	d.log.Info("daemon shutting down")
	for _, name := range d.st.WorkerNames() {
		w := d.st.Worker(name)
		if w.Status == state.Working {
			_ = d.sessions.Interrupt(w.SessionID)
			if w.CurrentTask != nil {
				_ = d.tracker.Release(w.CurrentTask.ID)
			}
		}
	}
	if err := d.store.Save(d.st); err != nil {
		d.log.Error("state save failed during shutdown", zap.Error(err))
	}
	_ = d.events.Append(ctx, eventlog.KindShutdown, "", d.shutdownDetail())
	d.cleanupRegistration()
	_ = d.log.Sync()
}

func (d *Daemon) shutdownDetail() string {
	if d.exitFailure != nil {
		return d.exitFailure.Error()
	}
	return "graceful"
}

func (d *Daemon) cleanupRegistration() {
	if err := state.RemoveRegistration(d.pth.Registration()); err != nil {
		d.log.Warn("registration cleanup failed", zap.Error(err))
	}
	if err := state.RemoveHeartbeat(d.pth.Heartbeat()); err != nil {
		d.log.Warn("heartbeat cleanup failed", zap.Error(err))
	}
}

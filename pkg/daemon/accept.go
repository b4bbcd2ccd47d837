package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"drover/pkg/eventlog"
	"drover/pkg/gitops"
	"drover/pkg/state"
)

const (
	backoffInitial = time.Minute
	backoffMax     = time.Hour
)

// backoff defers retries of an operation blocked by an external condition,
// doubling the delay on each consecutive failure.
type backoff struct {
	delay time.Duration
	until time.Time
}

func (b *backoff) blocked(now time.Time) bool { return now.Before(b.until) }

func (b *backoff) bump(now time.Time) time.Duration {
	if b.delay == 0 {
		b.delay = backoffInitial
	} else {
		b.delay *= 2
		if b.delay > backoffMax {
			b.delay = backoffMax
		}
	}
	b.until = now.Add(b.delay)
	return b.delay
}

func (b *backoff) reset() {
	b.delay = 0
	b.until = time.Time{}
}

// acceptCompleted lands finished work on trunk. Workers in NoChanges are
// reset; workers in NeedsReview go through the full accept pipeline. Any
// pipeline error is a hard failure: a half-landed accept is exactly the state
// the daemon must not paper over.
func (d *Daemon) acceptCompleted(ctx context.Context) {
	var pending []string
	for _, name := range d.st.WorkerNames() {
		w := d.st.Worker(name)
		if w.Status == state.NeedsReview || w.Status == state.NoChanges {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return
	}

	now := d.nowFunc()
	if d.sourceDirty.blocked(now) {
		return
	}
	clean, err := d.git.IsClean(ctx, d.cfg.Repo.Source)
	if err != nil {
		d.failHard(&HardFailure{Kind: AcceptFailed, Detail: "source repo status: " + err.Error()})
		return
	}
	if !clean {
		delay := d.sourceDirty.bump(now)
		d.log.Warn("source repository has uncommitted changes, deferring accepts",
			zap.String("repo", d.cfg.Repo.Source),
			zap.Duration("retry_in", delay))
		return
	}
	d.sourceDirty.reset()

	for _, name := range pending {
		if d.shuttingDown.Load() {
			return
		}
		w := d.st.Worker(name)
		switch w.Status {
		case state.NoChanges:
			d.finishNoChanges(ctx, w)
		case state.NeedsReview:
			if err := d.acceptWorker(ctx, w); err != nil {
				var hf *HardFailure
				if errors.As(err, &hf) {
					d.failHard(hf)
					return
				}
				kind := AcceptFailed
				var conflict *gitops.ConflictError
				if errors.As(err, &conflict) {
					kind = RebaseConflict
				}
				d.failHard(&HardFailure{Kind: kind, Worker: name, Detail: err.Error()})
				return
			}
		}
	}
}

// finishNoChanges returns a no-op worker to the pool. Failures leave the
// worker in NoChanges so the next cycle retries; every step tolerates having
// already run.
func (d *Daemon) finishNoChanges(ctx context.Context, w *state.Worker) {
	if err := d.git.ResetHard(ctx, w.Worktree, d.cfg.Repo.Trunk); err != nil {
		d.log.Warn("no-changes worktree reset failed",
			zap.String("worker", w.Name), zap.Error(err))
		return
	}
	taskID := ""
	if w.CurrentTask != nil {
		taskID = w.CurrentTask.ID
		if err := d.tracker.Complete(taskID); err != nil {
			d.log.Warn("task completion record failed",
				zap.String("worker", w.Name), zap.String("task", taskID), zap.Error(err))
		}
	}
	d.log.Info("worker produced no changes",
		zap.String("worker", w.Name), zap.String("task", taskID))
	_ = d.events.Append(ctx, eventlog.KindNoChanges, w.Name, taskID)
	w.ResetToIdle()
}

// acceptWorker runs the pipeline for one NeedsReview worker: commit strays,
// rebase onto trunk, squash to one attribution-free commit, fast-forward
// trunk, run the post-accept command, then recycle the worktree.
func (d *Daemon) acceptWorker(ctx context.Context, w *state.Worker) error {
	trunk := d.cfg.Repo.Trunk

	if err := d.git.VerifySafeToModify(ctx, w.Worktree); err != nil {
		return err
	}

	ahead, err := d.git.CommitCount(ctx, w.Worktree, trunk+"..HEAD")
	if err != nil {
		return err
	}
	clean, err := d.git.IsClean(ctx, w.Worktree)
	if err != nil {
		return err
	}
	if !clean {
		if ahead > 0 {
			err = d.git.AmendUncommitted(ctx, w.Worktree)
		} else {
			err = d.git.CommitAll(ctx, w.Worktree, d.fallbackMessage(w))
		}
		if err != nil {
			return err
		}
	}

	if err := d.git.FetchOrigin(ctx, w.Worktree); err != nil {
		return err
	}
	if err := d.git.WithRollback(ctx, w.Worktree, "rebase "+w.Branch+" onto "+trunk, func(ctx context.Context) error {
		return d.git.Rebase(ctx, w.Worktree, trunk, w.Branch)
	}); err != nil {
		return err
	}

	ahead, err = d.git.CommitCount(ctx, w.Worktree, trunk+"..HEAD")
	if err != nil {
		return err
	}
	if ahead == 0 {
		// The rebase dissolved everything; trunk already has this work.
		d.finishNoChanges(ctx, w)
		return nil
	}

	message, err := d.git.CommitMessage(ctx, w.Worktree, "HEAD")
	if err != nil {
		return err
	}
	stripped := gitops.StripAttribution(message)
	if stripped == "" {
		stripped = d.fallbackMessage(w)
	}
	if ahead > 1 || stripped != message {
		base, berr := d.git.MergeBase(ctx, w.Worktree, trunk, "HEAD")
		if berr != nil {
			return berr
		}
		if err := d.git.SquashCommits(ctx, w.Worktree, base, stripped); err != nil {
			return err
		}
	}

	newSHA, err := d.git.HeadSHA(ctx, w.Worktree)
	if err != nil {
		return err
	}

	source := d.cfg.Repo.Source
	if err := d.git.VerifySafeToModify(ctx, source); err != nil {
		return err
	}
	if err := d.git.Checkout(ctx, source, trunk); err != nil {
		return err
	}
	if err := d.git.SyncTrunkToOrigin(ctx, source, trunk); err != nil {
		return err
	}
	if err := d.git.FFMerge(ctx, source, newSHA); err != nil {
		return err
	}
	head, err := d.git.HeadSHA(ctx, source)
	if err != nil {
		return err
	}
	if head != newSHA {
		return fmt.Errorf("trunk head %s does not match accepted commit %s after merge", head, newSHA)
	}

	if err := d.runPostAccept(ctx); err != nil {
		return &HardFailure{Kind: PostAcceptFailed, Worker: w.Name, Detail: err.Error()}
	}

	taskID := ""
	if w.CurrentTask != nil {
		taskID = w.CurrentTask.ID
		if err := d.tracker.Complete(taskID); err != nil {
			d.log.Warn("task completion record failed",
				zap.String("worker", w.Name), zap.String("task", taskID), zap.Error(err))
		}
	}
	d.st.RecordCompletion(w.Name, d.nowFunc())
	d.log.Info("work accepted onto trunk",
		zap.String("worker", w.Name),
		zap.String("task", taskID),
		zap.String("sha", newSHA))
	_ = d.events.Append(ctx, eventlog.KindAccepted, w.Name, fmt.Sprintf("%s %s", newSHA, taskID))

	// From here the merge is on trunk; cleanup trouble parks the worker
	// instead of failing the daemon.
	_ = d.sessions.Kill(w.SessionID)
	warn := func(msg string) { d.log.Warn(msg, zap.String("worker", w.Name)) }
	if err := d.git.RecycleWorktree(ctx, source, w.Worktree, w.Branch, trunk, warn); err != nil {
		d.log.Error("worktree recycle failed after accept, removing worker from pool",
			zap.String("worker", w.Name), zap.Error(err))
		w.Status = state.Offline
		w.CurrentTask = nil
		w.ExcludedFromPool = true
		w.ErrorReason = "worktree recycle failed after accept: " + err.Error()
		return nil
	}
	w.ResetToIdle()
	return nil
}

func (d *Daemon) fallbackMessage(w *state.Worker) string {
	if w.CurrentTask != nil && w.CurrentTask.ID != "" {
		return "complete task " + w.CurrentTask.ID
	}
	return "work from " + w.Name
}

// runPostAccept executes the configured command through sh -c in the source
// repository, appending output to the post-accept log.
func (d *Daemon) runPostAccept(ctx context.Context) error {
	cmdline := d.cfg.Daemon.PostAcceptCommand
	if cmdline == "" {
		return nil
	}
	logFile, err := os.OpenFile(d.pth.PostAcceptLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open post-accept log: %w", err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "=== %s %s\n", d.nowFunc().UTC().Format(time.RFC3339), cmdline)

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = d.cfg.Repo.Source
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("post-accept command %q: %w", cmdline, err)
	}
	return nil
}

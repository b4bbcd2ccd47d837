package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"drover/pkg/state"
)

// Issue is one condition patrol found and healed.
type Issue struct {
	Worker string
	Kind   string
	Detail string
}

// patrol sweeps every worker for drift between the recorded state and
// reality, healing what it can in place. Each worker is handled in
// isolation; one worker's trouble never blocks inspection of the rest.
func (d *Daemon) patrol(ctx context.Context) []Issue {
	var issues []Issue
	for _, name := range d.st.WorkerNames() {
		if d.shuttingDown.Load() {
			return issues
		}
		w := d.st.Worker(name)
		if w.Status == state.Offline || w.Status == state.Errored {
			continue
		}
		issues = append(issues, d.patrolWorker(ctx, w)...)
	}
	return issues
}

func (d *Daemon) patrolWorker(ctx context.Context, w *state.Worker) []Issue {
	if _, err := os.Stat(w.Worktree); os.IsNotExist(err) {
		return d.healMissingWorktree(ctx, w)
	}

	switch w.Status {
	case state.Working:
		if !d.sessions.Alive(w.SessionID) {
			return d.healDeadSession(ctx, w)
		}
	case state.Idle:
		return d.healIdleDrift(ctx, w)
	}
	return nil
}

// healMissingWorktree releases the worker's task and reprovisions the
// worktree from trunk.
func (d *Daemon) healMissingWorktree(ctx context.Context, w *state.Worker) []Issue {
	if w.CurrentTask != nil {
		_ = d.tracker.Release(w.CurrentTask.ID)
	}
	_ = d.sessions.Kill(w.SessionID)
	w.Status = state.Offline
	w.CurrentTask = nil
	if err := d.ensureWorker(ctx, w.Name); err != nil {
		d.log.Error("worktree reprovision failed",
			zap.String("worker", w.Name), zap.Error(err))
		w.Status = state.Errored
		w.ErrorReason = "worktree missing and reprovision failed: " + err.Error()
		return nil
	}
	return []Issue{{
		Worker: w.Name,
		Kind:   "worktree_missing",
		Detail: "recreated worktree from " + d.cfg.Repo.Trunk,
	}}
}

// healDeadSession restarts a crashed agent session and resends the worker's
// prompt, up to maxSessionRetries per task. Exhausting the retries is a hard
// failure: either the agent binary is broken or the task kills it every
// time, and neither is something another restart fixes.
func (d *Daemon) healDeadSession(ctx context.Context, w *state.Worker) []Issue {
	w.CrashCount++
	w.RetryCount++
	if w.RetryCount > maxSessionRetries {
		w.Status = state.Errored
		w.ErrorReason = fmt.Sprintf("session died %d times on the same task", w.RetryCount)
		d.failHard(&HardFailure{Kind: RetriesExhausted, Worker: w.Name, Detail: w.ErrorReason})
		return nil
	}

	if err := d.sessions.Create(w.SessionID, w.Worktree, d.cfg.Daemon.AgentCommand); err != nil {
		d.log.Warn("session restart failed",
			zap.String("worker", w.Name), zap.Error(err))
		return nil
	}
	if w.CurrentTask != nil {
		if err := d.sessions.SendPrompt(w.SessionID, w.CurrentTask.Prompt, time.Minute); err != nil {
			d.log.Warn("prompt resend failed after session restart",
				zap.String("worker", w.Name), zap.Error(err))
			return nil
		}
	}
	return []Issue{{
		Worker: w.Name,
		Kind:   "session_restarted",
		Detail: fmt.Sprintf("attempt %d of %d", w.RetryCount, maxSessionRetries),
	}}
}

// healIdleDrift resets an idle worker whose worktree diverged from trunk.
// Idle workers own no task, so anything in the tree is leftovers.
func (d *Daemon) healIdleDrift(ctx context.Context, w *state.Worker) []Issue {
	ahead, err := d.git.CommitCount(ctx, w.Worktree, d.cfg.Repo.Trunk+"..HEAD")
	if err != nil {
		d.log.Warn("idle drift probe failed",
			zap.String("worker", w.Name), zap.Error(err))
		return nil
	}
	clean, err := d.git.IsClean(ctx, w.Worktree)
	if err != nil {
		d.log.Warn("idle drift probe failed",
			zap.String("worker", w.Name), zap.Error(err))
		return nil
	}
	dirty := !clean
	if ahead == 0 && !dirty {
		return nil
	}
	if err := d.git.ResetHard(ctx, w.Worktree, d.cfg.Repo.Trunk); err != nil {
		d.log.Warn("idle drift reset failed",
			zap.String("worker", w.Name), zap.Error(err))
		return nil
	}
	return []Issue{{
		Worker: w.Name,
		Kind:   "idle_diverged",
		Detail: fmt.Sprintf("%d stray commits, dirty=%v, reset to %s", ahead, dirty, d.cfg.Repo.Trunk),
	}}
}

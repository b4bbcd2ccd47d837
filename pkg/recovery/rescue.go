package recovery

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/session"
	"drover/pkg/state"
)

// RescueReport summarizes a full teardown.
type RescueReport struct {
	Salvaged []SalvageResult
	Removed  []string
	Errors   []string
}

// Rescuer tears the whole fleet down: salvage everything first, then kill
// sessions (repair session excepted), remove worktrees and branches, and
// reset the state document. The nuclear option for a wedged fleet.
type Rescuer struct {
	cfg      config.Config
	pth      paths.Paths
	git      *gitops.Git
	salvager *Salvager
	runner   session.CmdRunner
	log      *zap.Logger
}

// NewRescuer assembles a rescuer.
func NewRescuer(cfg config.Config, pth paths.Paths, git *gitops.Git, runner session.CmdRunner, log *zap.Logger) *Rescuer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Rescuer{
		cfg:      cfg,
		pth:      pth,
		git:      git,
		salvager: NewSalvager(cfg, pth, git),
		runner:   runner,
		log:      log,
	}
}

// Rescue runs the teardown. Individual failures are collected, not fatal;
// the point of rescue is to get as much torn down as possible.
func (r *Rescuer) Rescue(ctx context.Context) (RescueReport, error) {
	var rep RescueReport
	st, err := state.NewStore(r.pth.State()).Load()
	if err != nil {
		// Corrupt state recovered from backup still names the workers.
		if st == nil {
			st = state.NewState()
		}
		rep.Errors = append(rep.Errors, "state load: "+err.Error())
	}

	for _, name := range st.WorkerNames() {
		res, serr := r.salvager.Salvage(ctx, st, name, SalvagePatch, nil)
		if serr != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("salvage %s: %v", name, serr))
			continue
		}
		rep.Salvaged = append(rep.Salvaged, res)
		if res.Output != "" {
			r.log.Info("worker salvaged", zap.String("worker", name), zap.String("patch", res.Output))
		}
	}

	if err := session.KillAllExcept(r.runner, "drover-", r.cfg.Overseer.RepairSession); err != nil {
		rep.Errors = append(rep.Errors, "kill sessions: "+err.Error())
	}

	warn := func(msg string) { r.log.Warn(msg) }
	for _, name := range st.WorkerNames() {
		w := st.Worker(name)
		if err := r.git.SafeRemoveWorktree(ctx, r.cfg.Repo.Source, w.Worktree, warn); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("remove worktree %s: %v", name, err))
			continue
		}
		if err := r.git.DeleteBranch(ctx, r.cfg.Repo.Source, w.Branch); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("delete branch %s: %v", w.Branch, err))
		}
		rep.Removed = append(rep.Removed, name)
	}
	_ = r.git.PruneWorktrees(ctx, r.cfg.Repo.Source)

	if err := state.NewStore(r.pth.State()).Save(state.NewState()); err != nil {
		rep.Errors = append(rep.Errors, "reset state: "+err.Error())
	}
	for _, path := range []string{r.pth.StateLock(), r.pth.Registration(), r.pth.Heartbeat()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			rep.Errors = append(rep.Errors, "remove "+path+": "+err.Error())
		}
	}
	return rep, nil
}

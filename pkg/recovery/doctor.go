// Package recovery holds the operator-facing repair tools: doctor inspects
// and fixes the runtime files, salvage extracts a worker's work, and rescue
// tears the whole fleet down while preserving everything salvageable.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/overseer"
	"drover/pkg/paths"
	"drover/pkg/procs"
	"drover/pkg/state"
)

// CheckResult is one doctor finding.
type CheckResult struct {
	Name   string `yaml:"name" json:"name"`
	OK     bool   `yaml:"ok" json:"ok"`
	Detail string `yaml:"detail,omitempty" json:"detail,omitempty"`
	Fixed  bool   `yaml:"fixed,omitempty" json:"fixed,omitempty"`
}

// Report is the full doctor output.
type Report struct {
	CheckedAt time.Time     `yaml:"checked_at" json:"checked_at"`
	Healthy   bool          `yaml:"healthy" json:"healthy"`
	Results   []CheckResult `yaml:"results" json:"results"`
}

// DoctorOptions select the doctor's behavior. DryRun wins over Fix and
// Rebuild: nothing is touched, the report says what would be.
type DoctorOptions struct {
	Fix     bool
	Rebuild bool
	DryRun  bool
}

// Doctor inspects the runtime files and, when asked, repairs them.
type Doctor struct {
	cfg     config.Config
	pth     paths.Paths
	git     *gitops.Git
	mgr     procs.Manager
	log     *zap.Logger
	nowFunc func() time.Time
}

// NewDoctor assembles a doctor.
func NewDoctor(cfg config.Config, pth paths.Paths, git *gitops.Git, mgr procs.Manager, log *zap.Logger) *Doctor {
	if log == nil {
		log = zap.NewNop()
	}
	if mgr == nil {
		mgr = procs.OSManager{}
	}
	return &Doctor{cfg: cfg, pth: pth, git: git, mgr: mgr, log: log, nowFunc: time.Now}
}

// Run performs every check and returns the report. With Fix the repairable
// findings are repaired; with Rebuild the state document is reconstructed
// from the worktrees actually on disk.
func (d *Doctor) Run(ctx context.Context, opts DoctorOptions) (Report, error) {
	apply := opts.Fix && !opts.DryRun
	r := Report{CheckedAt: d.nowFunc().UTC()}

	r.Results = append(r.Results, d.checkSourceRepo(ctx))
	r.Results = append(r.Results, d.checkState(apply))
	r.Results = append(r.Results, d.checkLock(apply))
	r.Results = append(r.Results, d.checkRegistration(apply))
	r.Results = append(r.Results, d.checkHeartbeat())
	r.Results = append(r.Results, d.checkLogErrors())
	// Rebuild readopts every worktree on disk, so the orphan scan would only
	// flag what rebuild is about to claim.
	r.Results = append(r.Results, d.checkWorktrees(ctx, apply, !opts.Rebuild)...)
	r.Results = append(r.Results, d.checkMarkers())

	if opts.Rebuild && !opts.DryRun {
		res, err := d.rebuildState(ctx)
		if err != nil {
			return r, err
		}
		r.Results = append(r.Results, res)
	}

	r.Healthy = true
	for _, res := range r.Results {
		if !res.OK && !res.Fixed {
			r.Healthy = false
		}
	}
	return r, nil
}

func (d *Doctor) checkSourceRepo(ctx context.Context) CheckResult {
	res := CheckResult{Name: "source_repo"}
	if d.cfg.Repo.Source == "" {
		res.Detail = "repo.source is not configured"
		return res
	}
	if _, err := d.git.HeadSHA(ctx, d.cfg.Repo.Source); err != nil {
		res.Detail = fmt.Sprintf("%s is not a usable git repository: %v", d.cfg.Repo.Source, err)
		return res
	}
	res.OK = true
	return res
}

func (d *Doctor) checkState(apply bool) CheckResult {
	res := CheckResult{Name: "state_file"}
	store := state.NewStore(d.pth.State())
	_, err := store.Load()
	if err == nil {
		res.OK = true
		return res
	}
	var corrupt *state.CorruptError
	if !errors.As(err, &corrupt) {
		res.Detail = err.Error()
		return res
	}
	res.Detail = corrupt.Error()
	if apply {
		if rerr := store.RestoreBackup(); rerr != nil {
			res.Detail += "; restore failed: " + rerr.Error()
			return res
		}
		res.Fixed = true
		res.Detail += "; restored from backup"
	}
	return res
}

func (d *Doctor) checkLock(apply bool) CheckResult {
	res := CheckResult{Name: "state_lock"}
	lock := &state.Lock{Path: d.pth.StateLock()}
	stale, err := lock.Stale()
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	if !stale {
		res.OK = true
		return res
	}
	res.Detail = "lock file held by a dead process"
	if apply {
		if rerr := os.Remove(d.pth.StateLock()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			res.Detail += "; removal failed: " + rerr.Error()
			return res
		}
		res.Fixed = true
		res.Detail += "; removed"
	}
	return res
}

func (d *Doctor) checkRegistration(apply bool) CheckResult {
	res := CheckResult{Name: "registration"}
	reg, err := state.ReadRegistration(d.pth.Registration())
	if errors.Is(err, os.ErrNotExist) {
		res.OK = true
		res.Detail = "no daemon registered"
		return res
	}
	if err != nil {
		res.Detail = err.Error()
	} else if d.mgr.IsAlive(reg.PID) {
		res.OK = true
		res.Detail = fmt.Sprintf("daemon pid %d alive", reg.PID)
		return res
	} else {
		res.Detail = fmt.Sprintf("registration names dead pid %d", reg.PID)
	}
	if apply {
		_ = state.RemoveRegistration(d.pth.Registration())
		_ = state.RemoveHeartbeat(d.pth.Heartbeat())
		res.Fixed = true
		res.Detail += "; removed stale files"
	}
	return res
}

// checkHeartbeat applies the overseer's staleness rule to a live daemon.
// Nothing here is fixable; a stale heartbeat on a live pid means the loop is
// wedged, which is the overseer's job to act on.
func (d *Doctor) checkHeartbeat() CheckResult {
	res := CheckResult{Name: "heartbeat"}
	reg, err := state.ReadRegistration(d.pth.Registration())
	if err != nil || !d.mgr.IsAlive(reg.PID) {
		res.OK = true
		res.Detail = "no live daemon to check"
		return res
	}
	hb, err := state.ReadHeartbeat(d.pth.Heartbeat())
	if err != nil {
		res.Detail = fmt.Sprintf("daemon pid %d alive but heartbeat unreadable: %v", reg.PID, err)
		return res
	}
	if hb.InstanceID != reg.InstanceID {
		res.Detail = fmt.Sprintf("heartbeat belongs to instance %s, registration says %s", hb.InstanceID, reg.InstanceID)
		return res
	}
	age := hb.Age(d.nowFunc())
	limit := time.Duration(d.cfg.Overseer.HeartbeatTimeoutSecs) * time.Second
	if age > limit {
		res.Detail = fmt.Sprintf("heartbeat is %s old (limit %s)", age.Round(time.Second), limit)
		return res
	}
	res.OK = true
	res.Detail = fmt.Sprintf("heartbeat %s old", age.Round(time.Second))
	return res
}

// checkLogErrors scans the tail of the daemon log for error-level lines, the
// same lines the overseer's LogError check watches for.
func (d *Doctor) checkLogErrors() CheckResult {
	const tailBytes = 64 * 1024
	res := CheckResult{Name: "log_errors"}

	f, err := os.Open(d.pth.DaemonLog())
	if errors.Is(err, os.ErrNotExist) {
		res.OK = true
		res.Detail = "no daemon log"
		return res
	}
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			res.Detail = err.Error()
			return res
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		res.Detail = err.Error()
		return res
	}

	var count int
	var last string
	for _, line := range strings.Split(string(data), "\n") {
		if msg, ok := overseer.ParseErrorLine(line); ok {
			count++
			last = msg
		}
	}
	if count > 0 {
		res.Detail = fmt.Sprintf("%d error line(s) in recent log, last: %s", count, last)
		return res
	}
	res.OK = true
	res.Detail = "no recent errors"
	return res
}

// checkWorktrees reconciles state workers against the directories on disk in
// both directions.
func (d *Doctor) checkWorktrees(ctx context.Context, apply, scanOrphans bool) []CheckResult {
	var out []CheckResult
	st, err := state.NewStore(d.pth.State()).Load()
	if err != nil {
		st = state.NewState()
	}

	for _, name := range st.WorkerNames() {
		w := st.Worker(name)
		res := CheckResult{Name: "worktree_" + name}
		if _, serr := os.Stat(w.Worktree); serr == nil {
			res.OK = true
			out = append(out, res)
			continue
		}
		res.Detail = fmt.Sprintf("state lists worktree %s but it does not exist", w.Worktree)
		out = append(out, res)
	}

	if d.cfg.Repo.Source == "" || !scanOrphans {
		return out
	}
	infos, err := d.git.ListWorktrees(ctx, d.cfg.Repo.Source)
	if err != nil {
		return append(out, CheckResult{Name: "worktree_listing", Detail: err.Error()})
	}
	known := make(map[string]bool)
	for _, name := range st.WorkerNames() {
		known[st.Worker(name).Worktree] = true
	}
	dir := d.worktreesDir()
	for _, info := range infos {
		if filepath.Dir(info.Path) != dir || known[info.Path] {
			continue
		}
		res := CheckResult{
			Name:   "orphan_worktree",
			Detail: info.Path + " exists but no worker owns it",
		}
		if apply {
			warn := func(msg string) { d.log.Warn(msg) }
			if rerr := d.git.SafeRemoveWorktree(ctx, d.cfg.Repo.Source, info.Path, warn); rerr != nil {
				res.Detail += "; removal failed: " + rerr.Error()
			} else {
				res.Fixed = true
				res.Detail += "; removed"
			}
		}
		out = append(out, res)
	}
	return out
}

func (d *Doctor) checkMarkers() CheckResult {
	res := CheckResult{Name: "manual_intervention"}
	markers := d.pth.ManualInterventionMarkers()
	if len(markers) == 0 {
		res.OK = true
		return res
	}
	// Never auto-removed: the marker is a message from the repair agent to a
	// person, and only a person may decide it is handled.
	res.Detail = fmt.Sprintf("%d marker file(s) present, e.g. %s", len(markers), markers[0])
	return res
}

// rebuildState reconstructs the state document from the worktrees on disk.
// Every rebuilt worker starts Offline; the next daemon run re-adopts them.
func (d *Doctor) rebuildState(ctx context.Context) (CheckResult, error) {
	res := CheckResult{Name: "rebuild"}
	infos, err := d.git.ListWorktrees(ctx, d.cfg.Repo.Source)
	if err != nil {
		return res, fmt.Errorf("list worktrees for rebuild: %w", err)
	}
	st := state.NewState()
	dir := d.worktreesDir()
	for _, info := range infos {
		if filepath.Dir(info.Path) != dir {
			continue
		}
		name := filepath.Base(info.Path)
		st.Workers[name] = &state.Worker{
			Name:      name,
			Worktree:  info.Path,
			Branch:    info.Branch,
			SessionID: "drover-" + name,
			Status:    state.Offline,
		}
	}
	if err := state.NewStore(d.pth.State()).Save(st); err != nil {
		return res, fmt.Errorf("save rebuilt state: %w", err)
	}
	res.OK = true
	res.Fixed = true
	res.Detail = fmt.Sprintf("state rebuilt with %d worker(s)", len(st.Workers))
	return res, nil
}

func (d *Doctor) worktreesDir() string {
	if d.cfg.Repo.WorktreesDir != "" {
		return d.cfg.Repo.WorktreesDir
	}
	return d.pth.WorktreesDir()
}

package recovery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/state"
)

// SalvageMode selects where the extracted work goes.
type SalvageMode int

const (
	// SalvagePatch writes a mailbox patch file under the home directory.
	SalvagePatch SalvageMode = iota
	// SalvageBranch parks the work on a salvage/ branch in the source repo.
	SalvageBranch
	// SalvageStdout streams the patch to the given writer.
	SalvageStdout
)

// SalvageResult describes what was extracted from one worker.
type SalvageResult struct {
	Worker  string
	Commits int
	Dirty   bool
	// Output is the patch path or branch name; empty for stdout mode and
	// for workers with nothing to salvage.
	Output string
}

// Salvager extracts a worker's unmerged work without touching the worktree.
type Salvager struct {
	cfg     config.Config
	pth     paths.Paths
	git     *gitops.Git
	nowFunc func() time.Time
}

// NewSalvager assembles a salvager.
func NewSalvager(cfg config.Config, pth paths.Paths, git *gitops.Git) *Salvager {
	return &Salvager{cfg: cfg, pth: pth, git: git, nowFunc: time.Now}
}

// Salvage extracts the named worker's commits and uncommitted changes. The
// worktree is read, never modified, so salvage is safe on a conflicted or
// half-dead worker.
func (s *Salvager) Salvage(ctx context.Context, st *state.State, worker string, mode SalvageMode, out io.Writer) (SalvageResult, error) {
	w := st.Worker(worker)
	if w == nil {
		return SalvageResult{}, fmt.Errorf("unknown worker %q", worker)
	}
	res := SalvageResult{Worker: worker}

	if _, err := os.Stat(w.Worktree); os.IsNotExist(err) {
		return res, fmt.Errorf("worker %s has no worktree at %s", worker, w.Worktree)
	}

	trunk := s.cfg.Repo.Trunk
	commits, err := s.git.CommitCount(ctx, w.Worktree, trunk+"..HEAD")
	if err != nil {
		return res, err
	}
	res.Commits = commits
	if clean, cerr := s.git.IsClean(ctx, w.Worktree); cerr == nil {
		res.Dirty = !clean
	}
	if commits == 0 && !res.Dirty {
		return res, nil
	}

	switch mode {
	case SalvageBranch:
		name := fmt.Sprintf("salvage/%s_%s", worker, s.nowFunc().UTC().Format("20060102_150405"))
		if err := s.git.CreateBranch(ctx, w.Worktree, name, "HEAD"); err != nil {
			return res, err
		}
		res.Output = name
		return res, nil
	case SalvagePatch:
		text, err := s.patchText(ctx, w, trunk, commits)
		if err != nil {
			return res, err
		}
		dir := filepath.Join(s.pth.Root, "salvage")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, fmt.Errorf("create salvage dir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.patch", worker, s.nowFunc().UTC().Format("20060102_150405")))
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			return res, fmt.Errorf("write patch: %w", err)
		}
		res.Output = path
		return res, nil
	case SalvageStdout:
		text, err := s.patchText(ctx, w, trunk, commits)
		if err != nil {
			return res, err
		}
		if _, err := io.WriteString(out, text); err != nil {
			return res, err
		}
		return res, nil
	default:
		return res, fmt.Errorf("unknown salvage mode %d", mode)
	}
}

// patchText renders the worker's commits as a mailbox patch, with any
// uncommitted changes appended as a plain diff.
func (s *Salvager) patchText(ctx context.Context, w *state.Worker, trunk string, commits int) (string, error) {
	var b strings.Builder
	if commits > 0 {
		patch, err := s.git.FormatPatch(ctx, w.Worktree, trunk+"..HEAD")
		if err != nil {
			return "", err
		}
		b.WriteString(patch)
	}
	diff, err := s.git.Diff(ctx, w.Worktree, "HEAD")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(diff) != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("# uncommitted changes\n")
		b.WriteString(diff)
	}
	return b.String(), nil
}

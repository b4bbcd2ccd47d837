package overseer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/poll"
	"drover/pkg/state"
)

// RepairSession is the overseer's view of the protected agent session it
// hands failures to. *session.Session satisfies it.
type RepairSession interface {
	Create(dir, agentCommand string) error
	ClearInput() error
	SendPromptVerified(text string, timeout time.Duration) error
	IdleAtPrompt() bool
	Capture(lines int) (string, error)
}

// transcriptLines bounds how much pane scrollback goes into the transcript.
const transcriptLines = 500

const remediatePollInterval = 5 * time.Second

// excerptLines bounds each log excerpt in the remediation prompt.
const excerptLines = 30

// FailureContext carries one incident into the repair session. The
// registration snapshot is taken before the termination protocol removes
// the file; everything else is read fresh at prompt-build time.
type FailureContext struct {
	Failure      string
	Registration *state.Registration
}

// Remediator drives one repair conversation per daemon failure. The repair
// session is long-lived and protected; it survives daemon restarts and
// rescue teardowns so its context accumulates across incidents.
type Remediator struct {
	cfg        config.Config
	pth        paths.Paths
	session    RepairSession
	log        *zap.Logger
	nowFunc    func() time.Time
	sleep      func(time.Duration)
	repoStatus func(ctx context.Context, dir string) (string, error)
}

// NewRemediator wires a remediator over the given repair session.
func NewRemediator(cfg config.Config, pth paths.Paths, sess RepairSession, log *zap.Logger) *Remediator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Remediator{
		cfg:        cfg,
		pth:        pth,
		session:    sess,
		log:        log,
		nowFunc:    time.Now,
		sleep:      time.Sleep,
		repoStatus: gitops.NewExec().StatusShort,
	}
}

// Run sends the failure to the repair session and waits for the agent to
// finish its turn, then writes the transcript. A timeout is reported but the
// transcript is still written; a half-finished diagnosis beats none.
func (r *Remediator) Run(ctx context.Context, fctx FailureContext) error {
	ts := r.nowFunc().UTC().Format("20060102_150405")

	if err := r.session.Create(r.cfg.Repo.Source, r.cfg.Daemon.AgentCommand); err != nil {
		return fmt.Errorf("start repair session: %w", err)
	}
	_ = r.session.ClearInput()

	prompt := r.buildPrompt(ctx, fctx, ts)
	if err := r.session.SendPromptVerified(prompt, time.Minute); err != nil {
		return fmt.Errorf("send remediation prompt: %w", err)
	}
	r.log.Info("remediation prompt sent", zap.String("failure", fctx.Failure))

	timeout := time.Duration(r.cfg.Overseer.RemediationTimeoutSecs) * time.Second
	// Give the agent a beat to leave the prompt before watching for it.
	r.sleep(remediatePollInterval)
	res, err := poll.UntilWithSleeper(ctx, remediatePollInterval, timeout, r.sleep, func() (struct{}, bool, error) {
		return struct{}{}, r.session.IdleAtPrompt(), nil
	})
	if err != nil {
		return err
	}

	r.writeTranscript(ts, fctx.Failure)

	switch res.Outcome {
	case poll.Ready:
		return nil
	case poll.Cancelled:
		return ctx.Err()
	default:
		return fmt.Errorf("remediation did not finish within %v", timeout)
	}
}

// buildPrompt assembles the repair agent's briefing: the operator's standing
// instructions, the failure at hand, a snapshot of the dead daemon's identity
// and fleet, the source repository's status, recent log excerpts, and where
// to leave a marker when the problem needs a person.
func (r *Remediator) buildPrompt(ctx context.Context, fctx FailureContext, ts string) string {
	var b strings.Builder
	b.WriteString(r.cfg.Overseer.RemediationPrompt)
	b.WriteString("\n\n## Failure\n\n")
	b.WriteString(fctx.Failure)
	b.WriteString("\n\n## Daemon Registration\n\n")
	b.WriteString(r.formatRegistration(fctx.Registration))
	b.WriteString("\n\n## Worker States\n\n")
	b.WriteString(r.formatWorkers())
	b.WriteString("\n\n## Git Status (Source Repository)\n\n")
	b.WriteString(r.formatRepoStatus(ctx))
	b.WriteString("\n\n## Log Excerpts\n\n")
	r.writeLogExcerpts(&b)
	b.WriteString("\n## If you cannot fix this\n\n")
	fmt.Fprintf(&b, "Write an explanation to %s and stop.\n", r.pth.ManualInterventionMarker(ts))
	return b.String()
}

// formatRegistration renders the registration captured before termination.
func (r *Remediator) formatRegistration(reg *state.Registration) string {
	if reg == nil {
		return "(no registration on record)"
	}
	started := time.Unix(reg.StartTimeUnix, 0).UTC().Format(time.RFC3339)
	return fmt.Sprintf("- PID: %d\n- Started: %s\n- Instance: %s\n- Log file: %s",
		reg.PID, started, reg.InstanceID, reg.LogFile)
}

func (r *Remediator) formatWorkers() string {
	st, err := state.NewStore(r.pth.State()).Load()
	if err != nil {
		return fmt.Sprintf("(failed to load state: %v)", err)
	}
	names := st.WorkerNames()
	if len(names) == 0 {
		return "(no workers on record)"
	}
	var b strings.Builder
	for _, name := range names {
		w := st.Workers[name]
		fmt.Fprintf(&b, "### Worker: %s\n- Status: %s\n- Worktree: %s\n- Branch: %s\n",
			name, w.Status, w.Worktree, w.Branch)
		if w.CurrentTask != nil {
			fmt.Fprintf(&b, "- Current task: %s\n", w.CurrentTask.ID)
		}
		if w.ErrorReason != "" {
			fmt.Fprintf(&b, "- Error reason: %s\n", w.ErrorReason)
		}
		fmt.Fprintf(&b, "- Crash count: %d\n- Retry count: %d\n", w.CrashCount, w.RetryCount)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Remediator) formatRepoStatus(ctx context.Context) string {
	status, err := r.repoStatus(ctx, r.cfg.Repo.Source)
	if err != nil {
		return fmt.Sprintf("(failed to get git status: %v)", err)
	}
	if strings.TrimSpace(status) == "" {
		return "(clean)"
	}
	return "```\n" + strings.TrimRight(status, "\n") + "\n```"
}

func (r *Remediator) writeLogExcerpts(b *strings.Builder) {
	excerpts := []struct {
		title string
		path  string
	}{
		{"Daemon Log", r.pth.DaemonLog()},
		{"Task Source Log", r.pth.TaskSourceLog()},
		{"Post Accept Log", r.pth.PostAcceptLog()},
	}
	for _, e := range excerpts {
		fmt.Fprintf(b, "### %s\n\n%s\n\n", e.title, tailFile(e.path, excerptLines))
	}
}

// tailFile returns the last maxLines lines of a file, bounded so a huge log
// cannot blow up the prompt.
func tailFile(path string, maxLines int) string {
	const maxBytes = 32 * 1024
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("(file not found: %s)", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Sprintf("(unreadable: %v)", err)
	}
	if info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, 2); err != nil {
			return fmt.Sprintf("(unreadable: %v)", err)
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Sprintf("(unreadable: %v)", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return "(empty)"
	}
	return "```\n" + strings.Join(lines, "\n") + "\n```"
}

func (r *Remediator) writeTranscript(ts, failure string) {
	capture, err := r.session.Capture(transcriptLines)
	if err != nil {
		r.log.Warn("transcript capture failed", zap.Error(err))
		return
	}
	body := fmt.Sprintf("failure: %s\ncaptured: %s\n\n%s\n", failure, r.nowFunc().UTC().Format(time.RFC3339), capture)
	path := r.pth.RemediationLog(ts)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		r.log.Warn("transcript write failed", zap.String("path", path), zap.Error(err))
		return
	}
	r.log.Info("remediation transcript written", zap.String("path", path))
}

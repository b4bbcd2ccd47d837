package recovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/state"
)

// --- Fakes ---

type gitCall struct {
	Dir  string
	Args []string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []gitCall
	respond func(dir string, args []string) (string, string, error)
}

func (f *fakeRunner) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, gitCall{Dir: dir, Args: args})
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(dir, args)
	}
	return "", "", nil
}

func (f *fakeRunner) find(prefix string) *gitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.calls {
		if strings.HasPrefix(strings.Join(f.calls[i].Args, " "), prefix) {
			return &f.calls[i]
		}
	}
	return nil
}

type fakeProcs struct {
	alive map[int]bool
}

func (f *fakeProcs) IsAlive(pid int) bool { return f.alive[pid] }
func (f *fakeProcs) Terminate(int) error  { return nil }
func (f *fakeProcs) Kill(int) error       { return nil }
func (f *fakeProcs) Reap()                {}

func testSetup(t *testing.T) (config.Config, paths.Paths, *fakeRunner) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Repo.Source = "/repo"
	return cfg, paths.Paths{Root: t.TempDir()}, &fakeRunner{}
}

func result(t *testing.T, rep Report, name string) CheckResult {
	t.Helper()
	for _, r := range rep.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q result in %+v", name, rep.Results)
	return CheckResult{}
}

// --- Tests ---

func TestDoctor_FreshHomeIsHealthy(t *testing.T) {
	cfg, pth, run := testSetup(t)
	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)

	rep, err := doc.Run(context.Background(), DoctorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Healthy {
		t.Fatalf("fresh home should be healthy: %+v", rep.Results)
	}
}

func TestDoctor_CorruptStateRestoredWithFix(t *testing.T) {
	cfg, pth, run := testSetup(t)
	good := state.NewState()
	good.Workers["w1"] = &state.Worker{Name: "w1", Status: state.Idle}
	if err := state.NewStore(pth.State()).Save(good); err != nil {
		t.Fatal(err)
	}
	// Save again so the backup holds the good document, then corrupt primary.
	if err := state.NewStore(pth.State()).Save(good); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pth.State(), []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{Fix: true})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "state_file")
	if res.OK || !res.Fixed {
		t.Fatalf("expected corrupt-but-fixed, got %+v", res)
	}

	st, err := state.NewStore(pth.State()).Load()
	if err != nil {
		t.Fatalf("state must load after fix: %v", err)
	}
	if st.Worker("w1") == nil {
		t.Error("restored state must carry the workers")
	}
}

func TestDoctor_DryRunTouchesNothing(t *testing.T) {
	cfg, pth, run := testSetup(t)
	if err := os.WriteFile(pth.State(), []byte("{garbage"), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{Fix: true, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "state_file")
	if res.Fixed {
		t.Error("dry run must not fix anything")
	}
	data, _ := os.ReadFile(pth.State())
	if string(data) != "{garbage" {
		t.Error("dry run must not modify the state file")
	}
}

func TestDoctor_StaleLockRemoved(t *testing.T) {
	cfg, pth, run := testSetup(t)
	// Unparseable lock content counts as stale.
	if err := os.WriteFile(pth.StateLock(), []byte("not a pid"), 0o600); err != nil {
		t.Fatal(err)
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{Fix: true})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "state_lock")
	if !res.Fixed {
		t.Fatalf("expected stale lock fixed, got %+v", res)
	}
	if _, err := os.Stat(pth.StateLock()); !os.IsNotExist(err) {
		t.Error("lock file must be gone")
	}
}

func TestDoctor_DeadRegistrationCleaned(t *testing.T) {
	cfg, pth, run := testSetup(t)
	reg := state.Registration{PID: 4242, StartTimeUnix: 1, InstanceID: "abc", LogFile: "x"}
	if err := state.WriteRegistration(pth.Registration(), reg); err != nil {
		t.Fatal(err)
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{Fix: true})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "registration")
	if !res.Fixed {
		t.Fatalf("expected dead registration fixed, got %+v", res)
	}
	if _, err := os.Stat(pth.Registration()); !os.IsNotExist(err) {
		t.Error("registration must be gone")
	}
}

func TestDoctor_ManualMarkerNeverAutoFixed(t *testing.T) {
	cfg, pth, run := testSetup(t)
	marker := pth.ManualInterventionMarker("20260301_120000")
	if err := os.WriteFile(marker, []byte("needs a human"), 0o644); err != nil {
		t.Fatal(err)
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{Fix: true})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "manual_intervention")
	if res.OK || res.Fixed {
		t.Fatalf("markers are for people, got %+v", res)
	}
	if rep.Healthy {
		t.Error("a present marker means unhealthy")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("marker file must survive doctor --fix")
	}
}

func TestDoctor_RebuildFromWorktrees(t *testing.T) {
	cfg, pth, run := testSetup(t)
	wt := pth.WorktreesDir()
	run.respond = func(dir string, args []string) (string, string, error) {
		if args[0] == "worktree" && args[1] == "list" {
			out := "worktree /repo\nHEAD aaa\nbranch refs/heads/main\n\n" +
				"worktree " + filepath.Join(wt, "w1") + "\nHEAD bbb\nbranch refs/heads/drover/w1\n\n" +
				"worktree " + filepath.Join(wt, "w2") + "\nHEAD ccc\nbranch refs/heads/drover/w2\n"
			return out, "", nil
		}
		return "", "", nil
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{Rebuild: true})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "rebuild")
	if !res.Fixed {
		t.Fatalf("expected rebuild result, got %+v", res)
	}

	st, err := state.NewStore(pth.State()).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Workers) != 2 {
		t.Fatalf("expected 2 rebuilt workers, got %d", len(st.Workers))
	}
	w := st.Worker("w1")
	if w == nil || w.Status != state.Offline || w.Branch != "drover/w1" {
		t.Errorf("unexpected rebuilt worker: %+v", w)
	}
}

func TestDoctor_StaleHeartbeatOnLiveDaemon(t *testing.T) {
	cfg, pth, run := testSetup(t)
	reg := state.Registration{PID: 4242, StartTimeUnix: 1, InstanceID: "abc", LogFile: "x"}
	if err := state.WriteRegistration(pth.Registration(), reg); err != nil {
		t.Fatal(err)
	}
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := state.WriteHeartbeat(pth.Heartbeat(), "abc", stamp); err != nil {
		t.Fatal(err)
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{4242: true}}, nil)
	doc.nowFunc = func() time.Time { return stamp.Add(45 * time.Second) }
	rep, err := doc.Run(context.Background(), DoctorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "heartbeat")
	if res.OK || !strings.Contains(res.Detail, "45s old") {
		t.Errorf("stale heartbeat must be flagged, got %+v", res)
	}

	doc.nowFunc = func() time.Time { return stamp.Add(5 * time.Second) }
	rep, err = doc.Run(context.Background(), DoctorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res := result(t, rep, "heartbeat"); !res.OK {
		t.Errorf("fresh heartbeat must pass, got %+v", res)
	}
}

func TestDoctor_HeartbeatSkippedWithoutLiveDaemon(t *testing.T) {
	cfg, pth, run := testSetup(t)

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "heartbeat")
	if !res.OK || !strings.Contains(res.Detail, "no live daemon") {
		t.Errorf("no daemon means nothing to check, got %+v", res)
	}
}

func TestDoctor_LogErrorsReported(t *testing.T) {
	cfg, pth, run := testSetup(t)
	log := `{"level":"info","msg":"cycle done"}
{"level":"error","msg":"hard failure: task source exited 1"}
not json at all
{"level":"error","msg":"shutting down"}
`
	if err := os.WriteFile(pth.DaemonLog(), []byte(log), 0o644); err != nil {
		t.Fatal(err)
	}

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res := result(t, rep, "log_errors")
	if res.OK {
		t.Fatalf("error lines must fail the check, got %+v", res)
	}
	if !strings.Contains(res.Detail, "2 error line(s)") || !strings.Contains(res.Detail, "shutting down") {
		t.Errorf("detail must count errors and show the last one, got %q", res.Detail)
	}
}

func TestDoctor_MissingLogIsHealthy(t *testing.T) {
	cfg, pth, run := testSetup(t)

	doc := NewDoctor(cfg, pth, gitops.New(run), &fakeProcs{alive: map[int]bool{}}, nil)
	rep, err := doc.Run(context.Background(), DoctorOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res := result(t, rep, "log_errors"); !res.OK {
		t.Errorf("no log means no errors, got %+v", res)
	}
}

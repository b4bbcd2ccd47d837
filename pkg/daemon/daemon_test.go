package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"drover/pkg/config"
	"drover/pkg/gitops"
	"drover/pkg/paths"
	"drover/pkg/state"
	"drover/pkg/tasksource"
)

// --- Fakes ---

type gitCall struct {
	Dir  string
	Args []string
}

// scriptGit answers git invocations through a respond function and records
// every call. A nil respond returns empty success.
type scriptGit struct {
	mu      sync.Mutex
	calls   []gitCall
	respond func(dir string, args []string) (string, string, error)
}

func (s *scriptGit) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, gitCall{Dir: dir, Args: args})
	s.mu.Unlock()
	if s.respond != nil {
		return s.respond(dir, args)
	}
	return "", "", nil
}

func (s *scriptGit) find(prefix string) *gitCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calls {
		if strings.HasPrefix(strings.Join(s.calls[i].Args, " "), prefix) {
			return &s.calls[i]
		}
	}
	return nil
}

// defaultGitRespond covers the probes most tests share: clean trees, zero
// divergence, no origin remote, and git-dir paths that never exist on disk.
func defaultGitRespond(dir string, args []string) (string, string, error) {
	switch args[0] {
	case "status":
		return "", "", nil
	case "rev-list":
		return "0\n", "", nil
	case "rev-parse":
		if len(args) > 1 && args[1] == "--git-path" {
			return "/nonexistent/" + args[2] + "\n", "", nil
		}
		return "abc123\n", "", nil
	case "remote":
		return "", "", nil
	case "merge-base":
		return "base123\n", "", nil
	case "log":
		return "commit message\n", "", nil
	}
	return "", "", nil
}

type fakeSessions struct {
	alive       map[string]bool
	idle        map[string]bool
	created     []string
	killed      []string
	interrupted []string
	prompts     map[string][]string
	createErr   error
	sendErr     error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		alive:   make(map[string]bool),
		idle:    make(map[string]bool),
		prompts: make(map[string][]string),
	}
}

func (f *fakeSessions) Create(name, dir, agentCommand string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	f.alive[name] = true
	return nil
}

func (f *fakeSessions) Alive(name string) bool        { return f.alive[name] }
func (f *fakeSessions) IdleAtPrompt(name string) bool { return f.idle[name] }

func (f *fakeSessions) SendPrompt(name, text string, _ time.Duration) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.prompts[name] = append(f.prompts[name], text)
	return nil
}

func (f *fakeSessions) Interrupt(name string) error {
	f.interrupted = append(f.interrupted, name)
	return nil
}

func (f *fakeSessions) Kill(name string) error {
	f.killed = append(f.killed, name)
	delete(f.alive, name)
	return nil
}

type fakeTasks struct {
	queue []*tasksource.Task
	err   error
}

func (f *fakeTasks) Next(_ context.Context) (*tasksource.Task, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queue) == 0 {
		return nil, nil
	}
	task := f.queue[0]
	f.queue = f.queue[1:]
	return task, nil
}

type fakeTracker struct {
	claims    []string
	completes []string
	releases  []string
	claimErr  error
}

func (f *fakeTracker) Claim(id, worker string) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims = append(f.claims, id+"->"+worker)
	return nil
}

func (f *fakeTracker) Complete(id string) error {
	f.completes = append(f.completes, id)
	return nil
}

func (f *fakeTracker) Release(id string) error {
	f.releases = append(f.releases, id)
	return nil
}

type eventRec struct {
	Kind   string
	Worker string
	Detail string
}

type fakeEvents struct {
	events []eventRec
}

func (f *fakeEvents) Append(_ context.Context, kind, worker, detail string) error {
	f.events = append(f.events, eventRec{Kind: kind, Worker: worker, Detail: detail})
	return nil
}

func (f *fakeEvents) kinds() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

// --- Harness ---

type testEnv struct {
	d        *Daemon
	git      *scriptGit
	sessions *fakeSessions
	tasks    *fakeTasks
	tracker  *fakeTracker
	events   *fakeEvents
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Repo.Source = "/repo"
	cfg.Repo.Trunk = "main"
	cfg.Daemon.Concurrency = 2
	cfg.Daemon.IntervalSecs = 1
	cfg.Daemon.HeartbeatIntervalSecs = 5
	cfg.Daemon.AgentCommand = "agent"
	return cfg
}

func newTestDaemon(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	env := &testEnv{
		git:      &scriptGit{respond: defaultGitRespond},
		sessions: newFakeSessions(),
		tasks:    &fakeTasks{},
		tracker:  &fakeTracker{},
		events:   &fakeEvents{},
	}
	d, err := New(Options{
		Config:   cfg,
		Paths:    paths.Paths{Root: t.TempDir()},
		Store:    state.NewStore(filepath.Join(t.TempDir(), "state.json")),
		Git:      gitops.New(env.git),
		Sessions: env.sessions,
		Tasks:    env.tasks,
		Tracker:  env.tracker,
		Events:   env.events,
		Log:      zap.NewNop(),
		NowFunc:  func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
		Sleep:    func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.d = d
	return env
}

func addWorker(env *testEnv, name string, status state.Status) *state.Worker {
	w := &state.Worker{
		Name:      name,
		Worktree:  "/worktrees/" + name,
		Branch:    "drover/" + name,
		SessionID: "drover-" + name,
		Status:    status,
	}
	env.d.st.Workers[name] = w
	return w
}

func task(id string) *tasksource.Task {
	return &tasksource.Task{ID: id, Subject: "subject " + id, Description: "description " + id}
}

// --- Assignment ---

func TestAssignIdle_RespectsConcurrency(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	addWorker(env, "w1", state.Idle)
	addWorker(env, "w2", state.Idle)
	addWorker(env, "w3", state.Idle)
	env.tasks.queue = []*tasksource.Task{task("t-1"), task("t-2"), task("t-3")}

	env.d.assignIdle(context.Background())

	working := env.d.st.WorkingCount()
	if working != 2 {
		t.Fatalf("expected 2 working workers at concurrency 2, got %d", working)
	}
	if len(env.tracker.claims) != 2 {
		t.Errorf("expected 2 claims, got %v", env.tracker.claims)
	}
	if len(env.tasks.queue) != 1 {
		t.Errorf("third task should stay in the pool, queue has %d", len(env.tasks.queue))
	}
	if len(env.sessions.created) != 2 {
		t.Errorf("expected 2 sessions created, got %v", env.sessions.created)
	}
}

func TestAssignIdle_EmptyPoolLeavesWorkersIdle(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	addWorker(env, "w1", state.Idle)

	env.d.assignIdle(context.Background())

	if got := env.d.st.Worker("w1").Status; got != state.Idle {
		t.Errorf("expected Idle, got %s", got)
	}
	if len(env.tracker.claims) != 0 {
		t.Errorf("no claims expected, got %v", env.tracker.claims)
	}
}

func TestAssignIdle_SourceErrorIsHardFailure(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	addWorker(env, "w1", state.Idle)
	env.tasks.err = errors.New("task command exited 7")

	env.d.assignIdle(context.Background())

	if !env.d.shuttingDown.Load() {
		t.Fatal("expected shutdown request")
	}
	if env.d.exitFailure == nil || env.d.exitFailure.Kind != TaskSourceFailed {
		t.Fatalf("expected TaskSourceFailed, got %v", env.d.exitFailure)
	}
	if got := env.d.st.Worker("w1").Status; got != state.Idle {
		t.Errorf("worker must be untouched, got %s", got)
	}
}

func TestAssignIdle_SessionFailureReleasesTask(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	addWorker(env, "w1", state.Idle)
	env.tasks.queue = []*tasksource.Task{task("t-1")}
	env.sessions.createErr = errors.New("tmux unavailable")

	env.d.assignIdle(context.Background())

	if got := env.d.st.Worker("w1").Status; got != state.Idle {
		t.Errorf("expected worker back to Idle, got %s", got)
	}
	if len(env.tracker.releases) != 1 || env.tracker.releases[0] != "t-1" {
		t.Errorf("expected t-1 released, got %v", env.tracker.releases)
	}
}

func TestAssignIdle_SkipsExcludedWorkers(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	w := addWorker(env, "w1", state.Idle)
	w.ExcludedFromPool = true
	env.tasks.queue = []*tasksource.Task{task("t-1")}

	env.d.assignIdle(context.Background())

	if len(env.tracker.claims) != 0 {
		t.Errorf("excluded worker must not receive tasks, got %v", env.tracker.claims)
	}
}

// --- Completion detection ---

func TestDetectCompletions(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	ahead := addWorker(env, "w1", state.Working)
	noop := addWorker(env, "w2", state.Working)
	busy := addWorker(env, "w3", state.Working)
	for _, w := range []*state.Worker{ahead, noop, busy} {
		env.sessions.alive[w.SessionID] = true
	}
	env.sessions.idle[ahead.SessionID] = true
	env.sessions.idle[noop.SessionID] = true

	env.git.respond = func(dir string, args []string) (string, string, error) {
		if args[0] == "rev-list" && dir == ahead.Worktree {
			return "2\n", "", nil
		}
		return defaultGitRespond(dir, args)
	}

	env.d.detectCompletions(context.Background())

	if ahead.Status != state.NeedsReview {
		t.Errorf("diverged worker: expected NeedsReview, got %s", ahead.Status)
	}
	if noop.Status != state.NoChanges {
		t.Errorf("converged worker: expected NoChanges, got %s", noop.Status)
	}
	if busy.Status != state.Working {
		t.Errorf("busy worker must stay Working, got %s", busy.Status)
	}
}

func TestDetectCompletions_DirtyTreeCountsAsChanges(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	w := addWorker(env, "w1", state.Working)
	env.sessions.alive[w.SessionID] = true
	env.sessions.idle[w.SessionID] = true
	env.git.respond = func(dir string, args []string) (string, string, error) {
		if args[0] == "status" {
			return " M file.go\n", "", nil
		}
		return defaultGitRespond(dir, args)
	}

	env.d.detectCompletions(context.Background())

	if w.Status != state.NeedsReview {
		t.Errorf("dirty tree with zero commits must still need review, got %s", w.Status)
	}
}

func TestDetectCompletions_CleanProbeErrorKeepsWorking(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	w := addWorker(env, "w1", state.Working)
	env.sessions.alive[w.SessionID] = true
	env.sessions.idle[w.SessionID] = true
	env.git.respond = func(dir string, args []string) (string, string, error) {
		if args[0] == "status" {
			return "", "", errors.New("index locked")
		}
		return defaultGitRespond(dir, args)
	}

	env.d.detectCompletions(context.Background())

	if w.Status != state.Working {
		t.Errorf("unknown cleanliness must not complete the worker, got %s", w.Status)
	}
}

// --- Error-state escalation ---

func TestCheckWorkerErrorStates(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	w := addWorker(env, "w1", state.Errored)
	w.ErrorReason = "session died repeatedly"

	hf := env.d.checkWorkerErrorStates()
	if hf == nil || hf.Kind != WorkerErrorState || hf.Worker != "w1" {
		t.Fatalf("expected WorkerErrorState for w1, got %v", hf)
	}
	if !strings.Contains(hf.Detail, "session died") {
		t.Errorf("detail should carry the reason, got %q", hf.Detail)
	}
}

// --- Shutdown ---

func TestGracefulShutdown_InterruptsAndReleases(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	w := addWorker(env, "w1", state.Working)
	w.CurrentTask = &state.TaskRef{ID: "t-9", Prompt: "do"}
	addWorker(env, "w2", state.Idle)

	env.d.gracefulShutdown(context.Background())

	if len(env.sessions.interrupted) != 1 || env.sessions.interrupted[0] != w.SessionID {
		t.Errorf("expected interrupt for %s, got %v", w.SessionID, env.sessions.interrupted)
	}
	if len(env.tracker.releases) != 1 || env.tracker.releases[0] != "t-9" {
		t.Errorf("expected t-9 released, got %v", env.tracker.releases)
	}
	last := env.events.events[len(env.events.events)-1]
	if last.Kind != "shutdown" {
		t.Errorf("expected shutdown event, got %+v", last)
	}
}

func TestFailHard_FirstFailureWins(t *testing.T) {
	env := newTestDaemon(t, testConfig())
	env.d.failHard(&HardFailure{Kind: RebaseConflict, Worker: "w1", Detail: "first"})
	env.d.failHard(&HardFailure{Kind: StateCorrupt, Detail: "second"})

	if env.d.exitFailure.Kind != RebaseConflict {
		t.Errorf("first failure must be preserved, got %s", env.d.exitFailure.Kind)
	}
	if got := fmt.Sprint(env.events.kinds()); !strings.Contains(got, "hard_failure") {
		t.Errorf("expected hard_failure events, got %s", got)
	}
}

func TestNew_CorruptStateWithoutBackupIsAnError(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := New(Options{
		Config:   testConfig(),
		Paths:    paths.Paths{Root: dir},
		Store:    state.NewStore(statePath),
		Git:      gitops.New(&scriptGit{respond: defaultGitRespond}),
		Sessions: newFakeSessions(),
		Tasks:    &fakeTasks{},
		Tracker:  &fakeTracker{},
		Events:   &fakeEvents{},
		Log:      zap.NewNop(),
	})
	if err == nil {
		t.Fatal("corrupt state with no backup must refuse to start")
	}
	var corrupt *state.CorruptError
	if !errors.As(err, &corrupt) {
		t.Errorf("error must carry the corruption cause, got %v", err)
	}
}

func TestNew_CorruptStateRecoversFromBackup(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	store := state.NewStore(statePath)

	st := state.NewState()
	st.Workers["w1"] = &state.Worker{
		Name: "w1", Worktree: "/wt/w1", Branch: "drover/w1",
		SessionID: "drover-w1", Status: state.Idle,
	}
	// Two saves so the backup holds the good document, then corrupt the
	// primary.
	if err := store.Save(st); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(st); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := New(Options{
		Config:   testConfig(),
		Paths:    paths.Paths{Root: dir},
		Store:    store,
		Git:      gitops.New(&scriptGit{respond: defaultGitRespond}),
		Sessions: newFakeSessions(),
		Tasks:    &fakeTasks{},
		Tracker:  &fakeTracker{},
		Events:   &fakeEvents{},
		Log:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("backup should carry the load: %v", err)
	}
	if d.st == nil || d.st.Worker("w1") == nil {
		t.Error("recovered state must hold the backed-up workers")
	}
}

package wakeup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/logging"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/workstream"
)

type wakeupEnv struct {
	c      *Controller
	global *db.GlobalDB

	mu        sync.Mutex
	open      map[string]int
	openErr   map[string]error
	uninit    map[string]bool
	spawned   []workstream.SpawnRequest
	reclaimed []workstream.Recovered
	reclaims  int
}

func newWakeupEnv(t *testing.T) *wakeupEnv {
	t.Helper()
	env := &wakeupEnv{
		global:  db.NewTestGlobalDB(t),
		open:    map[string]int{},
		openErr: map[string]error{},
		uninit:  map[string]bool{},
	}
	env.c = New(env.global, config.Default(), WithLogger(logging.NewNop()))
	env.c.countOpen = func(path string) (int, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		if err := env.openErr[path]; err != nil {
			return 0, err
		}
		return env.open[path], nil
	}
	env.c.initialized = func(path string) bool {
		env.mu.Lock()
		defer env.mu.Unlock()
		return !env.uninit[path]
	}
	env.c.spawn = func(req workstream.SpawnRequest) (int, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.spawned = append(env.spawned, req)
		return 50000 + len(env.spawned), nil
	}
	env.c.reclaim = func(ctx context.Context, now time.Time) ([]workstream.Recovered, error) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.reclaims++
		return env.reclaimed, nil
	}
	return env
}

// registerProject registers a real directory with the given number of open
// tasks so the scan's stat and initialization checks pass.
func (env *wakeupEnv) registerProject(t *testing.T, id, path string, open int) db.Project {
	t.Helper()
	p := db.Project{ID: id, Path: path, Name: filepath.Base(path), RegisteredAt: time.Now()}
	if err := env.global.RegisterProject(p); err != nil {
		t.Fatalf("register project: %v", err)
	}
	env.mu.Lock()
	env.open[path] = open
	env.mu.Unlock()
	return p
}

func (env *wakeupEnv) registerRunner(t *testing.T, id, projectPath string, heartbeatAge time.Duration) {
	t.Helper()
	if err := env.global.RegisterRunner(&db.Runner{ID: id, PID: 4242, ProjectPath: projectPath}); err != nil {
		t.Fatalf("register runner: %v", err)
	}
	if heartbeatAge > 0 {
		stamp := time.Now().Add(-heartbeatAge).UTC().Format(time.RFC3339)
		if _, err := env.global.Exec("UPDATE runners SET heartbeat_at = ? WHERE id = ?", stamp, id); err != nil {
			t.Fatalf("age heartbeat: %v", err)
		}
	}
}

func (env *wakeupEnv) spawnCalls() []workstream.SpawnRequest {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]workstream.SpawnRequest(nil), env.spawned...)
}

func TestWakeupStartsRunnerForOpenWork(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	p := env.registerProject(t, "proj-1", t.TempDir(), 3)

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ScannedProjects != 1 {
		t.Fatalf("scanned %d projects, want 1", report.ScannedProjects)
	}
	if len(report.Actions) != 1 {
		t.Fatalf("got %d actions, want 1: %+v", len(report.Actions), report.Actions)
	}
	act := report.Actions[0]
	if act.Action != ActionStarted {
		t.Errorf("action = %q, want %q", act.Action, ActionStarted)
	}
	if act.ProjectID != "proj-1" || act.ProjectPath != p.Path {
		t.Errorf("action identifies %q %q, want proj-1 %q", act.ProjectID, act.ProjectPath, p.Path)
	}
	if act.OpenTasks != 3 {
		t.Errorf("open tasks = %d, want 3", act.OpenTasks)
	}
	if act.PID == 0 {
		t.Error("action carries no pid")
	}
	calls := env.spawnCalls()
	if len(calls) != 1 {
		t.Fatalf("spawned %d runners, want 1", len(calls))
	}
	if calls[0].ProjectPath != p.Path {
		t.Errorf("spawn project = %q, want %q", calls[0].ProjectPath, p.Path)
	}
	if calls[0].WorkstreamID != "" || calls[0].SessionID != "" {
		t.Errorf("wakeup spawn must be a plain project runner, got %+v", calls[0])
	}
}

func TestWakeupDryRunRecordsWouldStart(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	env.registerProject(t, "proj-1", t.TempDir(), 2)

	report, err := env.c.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Actions) != 1 || report.Actions[0].Action != ActionWouldStart {
		t.Fatalf("actions = %+v, want one would_start", report.Actions)
	}
	if report.Actions[0].PID != 0 {
		t.Errorf("dry-run action carries pid %d", report.Actions[0].PID)
	}
	if n := len(env.spawnCalls()); n != 0 {
		t.Errorf("dry-run spawned %d runners", n)
	}
	env.mu.Lock()
	reclaims := env.reclaims
	env.mu.Unlock()
	if reclaims != 0 {
		t.Errorf("dry-run ran the lease sweep %d times", reclaims)
	}
}

func TestWakeupSkipsProjectWithActiveRunner(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	p := env.registerProject(t, "proj-1", t.TempDir(), 5)
	env.registerRunner(t, "runner-live", p.Path, 0)

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Actions) != 0 {
		t.Fatalf("actions = %+v, want none", report.Actions)
	}
	if len(report.StoppedRunners) != 0 {
		t.Fatalf("stopped %v, want none", report.StoppedRunners)
	}
}

func TestWakeupStopsStaleRunnerThenRestarts(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	p := env.registerProject(t, "proj-1", t.TempDir(), 1)
	env.registerRunner(t, "runner-zombie", p.Path, 10*time.Minute)

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.StoppedRunners) != 1 || report.StoppedRunners[0] != "runner-zombie" {
		t.Fatalf("stopped = %v, want [runner-zombie]", report.StoppedRunners)
	}
	r, err := env.global.GetRunner("runner-zombie")
	if err != nil {
		t.Fatalf("GetRunner: %v", err)
	}
	if r.Status != db.RunnerStopped {
		t.Errorf("zombie status = %q, want %q", r.Status, db.RunnerStopped)
	}
	// With the zombie row out of the way the project is unattended again.
	if len(report.Actions) != 1 || report.Actions[0].Action != ActionStarted {
		t.Fatalf("actions = %+v, want one started", report.Actions)
	}
}

func TestWakeupSkipsUninitializedProject(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	p := env.registerProject(t, "proj-1", t.TempDir(), 4)
	env.mu.Lock()
	env.uninit[p.Path] = true
	env.mu.Unlock()

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Actions) != 0 {
		t.Fatalf("actions = %+v, want none", report.Actions)
	}
}

func TestWakeupSkipsMissingProjectDirectory(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	gone := filepath.Join(t.TempDir(), "deleted-checkout")
	env.registerProject(t, "proj-1", gone, 4)

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Actions) != 0 {
		t.Fatalf("actions = %+v, want none", report.Actions)
	}
	// Recently seen: the registration survives the missing directory.
	if len(report.RemovedProjects) != 0 {
		t.Fatalf("removed = %v, want none for a fresh registration", report.RemovedProjects)
	}
}

func TestWakeupDeregistersLongVanishedProject(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	gone := filepath.Join(t.TempDir(), "deleted-checkout")
	old := time.Now().Add(-31 * 24 * time.Hour)
	if err := env.global.RegisterProject(db.Project{
		ID: "proj-old", Path: gone, Name: "deleted-checkout",
		RegisteredAt: old, LastSeenAt: &old,
	}); err != nil {
		t.Fatalf("register project: %v", err)
	}

	// Dry run reports nothing and keeps the row.
	report, err := env.c.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(report.RemovedProjects) != 0 {
		t.Fatalf("dry run removed = %v, want none", report.RemovedProjects)
	}

	report, err = env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.RemovedProjects) != 1 || report.RemovedProjects[0] != "proj-old" {
		t.Fatalf("removed = %v, want [proj-old]", report.RemovedProjects)
	}
	projects, err := env.global.ListProjects()
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 0 {
		t.Fatalf("projects = %d rows, want registry empty", len(projects))
	}
}

func TestWakeupTouchesLivingProject(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	p := env.registerProject(t, "proj-1", t.TempDir(), 0)

	if _, err := env.c.Run(context.Background(), false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := env.global.GetProject(p.ID)
	if err != nil || got == nil {
		t.Fatalf("get project: %v", err)
	}
	if got.LastSeenAt == nil {
		t.Fatal("LastSeenAt not stamped by the scan")
	}
}

func TestWakeupSkipsDrainedProject(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	env.registerProject(t, "proj-1", t.TempDir(), 0)

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Actions) != 0 {
		t.Fatalf("actions = %+v, want none", report.Actions)
	}
	if report.ScannedProjects != 1 {
		t.Errorf("scanned %d, want 1", report.ScannedProjects)
	}
}

func TestWakeupReportsRecoveredLeases(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	env.mu.Lock()
	env.reclaimed = []workstream.Recovered{
		{WorkstreamID: "ws-1", SessionID: "sess-1", RunnerID: "runner-new", PID: 777, Attempts: 1},
	}
	env.mu.Unlock()

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Recovered) != 1 || report.Recovered[0].WorkstreamID != "ws-1" {
		t.Fatalf("recovered = %+v, want ws-1", report.Recovered)
	}
	env.mu.Lock()
	reclaims := env.reclaims
	env.mu.Unlock()
	if reclaims != 1 {
		t.Errorf("lease sweep ran %d times, want 1", reclaims)
	}
}

func TestWakeupIsolatesBrokenProject(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	base := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		dir := filepath.Join(base, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		env.registerProject(t, "proj-"+name, dir, 2)
	}
	env.mu.Lock()
	env.openErr[filepath.Join(base, "alpha")] = errors.New("store corrupt")
	env.mu.Unlock()

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Actions) != 1 {
		t.Fatalf("actions = %+v, want one for beta", report.Actions)
	}
	if report.Actions[0].ProjectID != "proj-beta" {
		t.Errorf("started %q, want proj-beta", report.Actions[0].ProjectID)
	}
}

func TestWakeupOrdersActionsByPath(t *testing.T) {
	t.Parallel()
	env := newWakeupEnv(t)
	base := t.TempDir()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		dir := filepath.Join(base, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		env.registerProject(t, "proj-"+name, dir, 1)
	}

	report, err := env.c.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Actions) != 3 {
		t.Fatalf("got %d actions, want 3", len(report.Actions))
	}
	want := []string{"proj-alpha", "proj-bravo", "proj-charlie"}
	for i, w := range want {
		if report.Actions[i].ProjectID != w {
			t.Errorf("actions[%d] = %q, want %q", i, report.Actions[i].ProjectID, w)
		}
	}
}

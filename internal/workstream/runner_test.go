package workstream

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

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/logging"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/merge"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/orchestrator"
)

// fakeLoop stands in for the orchestrator: it records the sections it was
// asked to drain and optionally fails or blocks per section.
type fakeLoop struct {
	mu       sync.Mutex
	sections []string
	errFor   map[string]error
	onRun    func(ctx context.Context, section string) error
}

func (f *fakeLoop) RunLoop(ctx context.Context, opts orchestrator.LoopOptions) error {
	f.mu.Lock()
	f.sections = append(f.sections, opts.Section)
	f.mu.Unlock()
	if f.onRun != nil {
		return f.onRun(ctx, opts.Section)
	}
	if err := f.errFor[opts.Section]; err != nil {
		return err
	}
	return nil
}

func (f *fakeLoop) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sections...)
}

// fakeMerger records merge requests and replays a scripted outcome.
type fakeMerger struct {
	mu       sync.Mutex
	requests []merge.Request
	result   *merge.Result
	err      error
}

func (f *fakeMerger) Merge(_ context.Context, req merge.Request) (*merge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &merge.Result{SessionID: req.SessionID, Success: true}, nil
}

func (f *fakeMerger) calls() []merge.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]merge.Request(nil), f.requests...)
}

type runnerEnv struct {
	r      *Runner
	global *db.GlobalDB
	script *git.ScriptRunner
	loop   *fakeLoop
	merger *fakeMerger
	cfg    *config.Config
	w      *db.Workstream
}

// newRunnerEnv seeds one session with one claimed workstream and wires a
// runner whose loop and git plumbing are scripted.
func newRunnerEnv(t *testing.T, sections []string, steps ...git.ScriptStep) *runnerEnv {
	t.Helper()

	env := &runnerEnv{
		global: db.NewTestGlobalDB(t),
		loop:   &fakeLoop{},
		merger: &fakeMerger{},
	}
	store := db.NewTestProjectDB(t)

	env.cfg = config.Default()
	env.cfg.Parallel.WorkspaceRoot = filepath.Join(t.TempDir(), "workspaces")

	if err := env.global.CreateSession(&db.Session{ID: "sess-1", ProjectPath: t.TempDir(), RepoID: "repo-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	env.w = &db.Workstream{
		ID:            "ws-1",
		SessionID:     "sess-1",
		Branch:        git.WorkstreamBranch("ws-1"),
		SectionIDs:    sections,
		WorkspacePath: filepath.Join(env.cfg.Parallel.WorkspaceRoot, "hash", "ws-1"),
	}
	if err := env.global.CreateWorkstream(env.w); err != nil {
		t.Fatalf("create workstream: %v", err)
	}
	if err := env.global.ClaimLease(env.w, "runner-1", time.Minute); err != nil {
		t.Fatalf("claim lease: %v", err)
	}

	gitDir := git.ScriptStep{Want: []string{"rev-parse", "--git-dir"}, Stdout: ".git"}
	env.script = git.NewScriptRunner(append([]git.ScriptStep{gitDir}, steps...)...)
	repo, err := git.Open(env.w.WorkspacePath, git.WithRunner(env.script))
	if err != nil {
		t.Fatalf("open scripted repo: %v", err)
	}

	env.r = NewRunner(env.global, store, env.cfg, nil,
		WithRunnerLogger(logging.NewNop()),
		WithMerger(env.merger),
	)
	env.r.openRepo = func(string) (*git.Repo, error) { return repo, nil }
	env.r.newLoop = func(*git.Repo, func() bool, func(string)) taskLoop { return env.loop }
	return env
}

func (env *runnerEnv) run(t *testing.T) error {
	t.Helper()
	return env.r.Run(context.Background(), RunOptions{
		ProjectPath:  "/project",
		WorkstreamID: "ws-1",
		RunnerID:     "runner-1",
	})
}

func (env *runnerEnv) reloadWorkstream(t *testing.T) *db.Workstream {
	t.Helper()
	w, err := env.global.GetWorkstream("ws-1")
	if err != nil || w == nil {
		t.Fatalf("get workstream: %v", err)
	}
	return w
}

func TestRunnerCompletesWorkstreamAndMerges(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a", "sec-b"},
		git.ScriptStep{Want: []string{"push", "origin", "steroids/ws-1"}},
	)

	if err := env.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := env.loop.ran(); len(got) != 2 || got[0] != "sec-a" || got[1] != "sec-b" {
		t.Fatalf("sections ran = %v, want [sec-a sec-b]", got)
	}
	if !env.script.Done() {
		t.Fatalf("git plan not consumed, %d steps remain", env.script.Remaining())
	}

	w := env.reloadWorkstream(t)
	if w.Status != db.WorkstreamCompleted {
		t.Fatalf("status = %s, want completed", w.Status)
	}
	if w.RunnerID != "" || w.LeaseExpiresAt != nil {
		t.Fatalf("lease not released: runner=%q expiry=%v", w.RunnerID, w.LeaseExpiresAt)
	}

	runner, err := env.global.GetRunner("runner-1")
	if err != nil || runner == nil {
		t.Fatalf("get runner: %v", err)
	}
	if runner.Status != db.RunnerStopped || runner.PID != os.Getpid() {
		t.Fatalf("runner row = %+v, want stopped with this pid", runner)
	}

	calls := env.merger.calls()
	if len(calls) != 1 || calls[0].SessionID != "sess-1" {
		t.Fatalf("merge calls = %+v, want one for sess-1", calls)
	}
}

func TestRunnerNotLastSkipsMerge(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a"},
		git.ScriptStep{Want: []string{"push", "origin", "steroids/ws-1"}},
	)

	sibling := &db.Workstream{
		ID:            "ws-2",
		SessionID:     "sess-1",
		Branch:        git.WorkstreamBranch("ws-2"),
		SectionIDs:    []string{"sec-z"},
		WorkspacePath: filepath.Join(env.cfg.Parallel.WorkspaceRoot, "hash", "ws-2"),
	}
	if err := env.global.CreateWorkstream(sibling); err != nil {
		t.Fatalf("create sibling: %v", err)
	}

	if err := env.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls := env.merger.calls(); len(calls) != 0 {
		t.Fatalf("merge calls = %+v, want none while a sibling runs", calls)
	}
}

func TestRunnerLeaseMismatchRefusesToStart(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a"})

	// Another runner claimed the workstream between spawn and start.
	w := env.reloadWorkstream(t)
	if err := env.global.ClaimLease(w, "runner-thief", time.Minute); err != nil {
		t.Fatalf("steal lease: %v", err)
	}

	err := env.run(t)
	se := steroidserrors.AsSteroidsError(err)
	if se == nil || se.Code != steroidserrors.CodeLeaseFenceFailed {
		t.Fatalf("error = %v, want %s", err, steroidserrors.CodeLeaseFenceFailed)
	}
	if got := env.loop.ran(); len(got) != 0 {
		t.Fatalf("loop ran %v despite lost lease", got)
	}
}

func TestRunnerLoopFailureMarksWorkstreamFailed(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a", "sec-b"})
	env.loop.errFor = map[string]error{"sec-a": errors.New("provider exploded")}

	err := env.run(t)
	if err == nil || !strings.Contains(err.Error(), "sec-a") {
		t.Fatalf("error = %v, want section failure", err)
	}

	w := env.reloadWorkstream(t)
	if w.Status != db.WorkstreamFailed {
		t.Fatalf("status = %s, want failed", w.Status)
	}
	if w.RunnerID != "" {
		t.Fatalf("lease still held by %q after failure", w.RunnerID)
	}
	if got := env.loop.ran(); len(got) != 1 {
		t.Fatalf("sections ran = %v, want to stop after the failing one", got)
	}
	if calls := env.merger.calls(); len(calls) != 0 {
		t.Fatalf("merge calls = %+v, want none after failure", calls)
	}
}

func TestRunnerStopRequestLeavesResumable(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a", "sec-b"})
	env.loop.onRun = func(context.Context, string) error {
		// Operator stops the runner while the first section drains.
		return env.global.StopRunner("runner-1")
	}

	if err := env.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := env.loop.ran(); len(got) != 1 || got[0] != "sec-a" {
		t.Fatalf("sections ran = %v, want just [sec-a]", got)
	}
	w := env.reloadWorkstream(t)
	if w.Status != db.WorkstreamRunning {
		t.Fatalf("status = %s, want running so a later launch resumes it", w.Status)
	}
	if w.RunnerID != "" || w.LeaseExpiresAt != nil {
		t.Fatalf("lease not released on stop: runner=%q expiry=%v", w.RunnerID, w.LeaseExpiresAt)
	}
	if !env.script.Done() {
		t.Fatalf("unexpected git traffic, %d steps remain", env.script.Remaining())
	}
}

func TestRunnerPushFailureMarksFailed(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a"},
		git.ScriptStep{
			Want:   []string{"push", "origin", "steroids/ws-1"},
			Stdout: "error: failed to push some refs to 'origin'",
		},
	)

	err := env.run(t)
	if err == nil || !strings.Contains(err.Error(), "push") {
		t.Fatalf("error = %v, want push failure", err)
	}
	w := env.reloadWorkstream(t)
	if w.Status != db.WorkstreamFailed {
		t.Fatalf("status = %s, want failed", w.Status)
	}
}

func TestRunnerLeaseStolenBeforePushAbandonsWorkstream(t *testing.T) {
	t.Parallel()
	// No push step scripted: the run must stop at the lease check.
	env := newRunnerEnv(t, []string{"sec-a"})

	env.loop.onRun = func(_ context.Context, _ string) error {
		// A recovery sweep reclaims the lease while the loop works.
		current, err := env.global.GetWorkstream("ws-1")
		if err != nil || current == nil {
			t.Errorf("get workstream: %v", err)
			return nil
		}
		if err := env.global.ReleaseLease(current); err != nil {
			t.Errorf("release lease: %v", err)
			return nil
		}
		if err := env.global.ClaimLease(current, "runner-2", time.Minute); err != nil {
			t.Errorf("claim lease for new owner: %v", err)
		}
		return nil
	}

	err := env.run(t)
	se := steroidserrors.AsSteroidsError(err)
	if se == nil || se.Code != steroidserrors.CodeLeaseFenceFailed {
		t.Fatalf("error = %v, want LEASE_FENCE_FAILED", err)
	}

	// The new owner's bookkeeping is untouched.
	w := env.reloadWorkstream(t)
	if w.Status != db.WorkstreamRunning {
		t.Fatalf("status = %s, want running under the new owner", w.Status)
	}
	if w.RunnerID != "runner-2" {
		t.Fatalf("runner = %q, want runner-2", w.RunnerID)
	}
	if len(env.merger.calls()) != 0 {
		t.Fatal("merge must not run after losing the lease")
	}
}

func TestRunnerMergeLockHeldIsBenign(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a"},
		git.ScriptStep{Want: []string{"push", "origin", "steroids/ws-1"}},
	)
	env.merger.err = steroidserrors.ErrMergeLockHeld("sess-1", "runner-other")

	if err := env.run(t); err != nil {
		t.Fatalf("run = %v, want nil when another finisher merges", err)
	}
	w := env.reloadWorkstream(t)
	if w.Status != db.WorkstreamCompleted {
		t.Fatalf("status = %s, want completed", w.Status)
	}
}

func TestRunnerHeartbeatFenceLossCancelsRun(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a"})
	WithHeartbeatInterval(2 * time.Millisecond)(env.r)

	env.loop.onRun = func(ctx context.Context, _ string) error {
		// Simulate a recovery sweep stealing the lease mid-run.
		if _, err := env.global.Exec("UPDATE workstreams SET claim_generation = claim_generation + 1 WHERE id = ?", "ws-1"); err != nil {
			return fmt.Errorf("steal lease: %w", err)
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(2 * time.Second):
			return errors.New("heartbeat never noticed the stolen lease")
		}
	}

	err := env.run(t)
	se := steroidserrors.AsSteroidsError(err)
	if se == nil || se.Code != steroidserrors.CodeLeaseFenceFailed {
		t.Fatalf("error = %v, want %s", err, steroidserrors.CodeLeaseFenceFailed)
	}
	if w := env.reloadWorkstream(t); w.Status == db.WorkstreamCompleted {
		t.Fatal("workstream completed despite a lost lease")
	}
}

func TestRunnerMissingWorkstream(t *testing.T) {
	t.Parallel()
	env := newRunnerEnv(t, []string{"sec-a"})

	err := env.r.Run(context.Background(), RunOptions{
		ProjectPath:  "/project",
		WorkstreamID: "ws-ghost",
		RunnerID:     "runner-1",
	})
	se := steroidserrors.AsSteroidsError(err)
	if se == nil || se.Code != steroidserrors.CodeInvalidArgs {
		t.Fatalf("error = %v, want %s", err, steroidserrors.CodeInvalidArgs)
	}
}

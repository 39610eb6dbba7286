package workstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/merge"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/orchestrator"
)

// taskLoop is the slice of the orchestrator the runner drives.
type taskLoop interface {
	RunLoop(ctx context.Context, opts orchestrator.LoopOptions) error
}

// Merger integrates a finished session into mainline. Satisfied by
// *merge.Engine.
type Merger interface {
	Merge(ctx context.Context, req merge.Request) (*merge.Result, error)
}

// Runner is the body of one detached workstream child: it heartbeats the
// lease, drains the workstream's sections through the task loop inside
// the clone, publishes the branch, and hands the session to the merge
// engine when it is the last to finish.
type Runner struct {
	global    *db.GlobalDB
	store     *db.ProjectDB
	cfg       *config.Config
	providers orchestrator.ProviderResolver
	logger    *slog.Logger
	merger    Merger

	// Seams replaced in tests.
	openRepo   func(dir string) (*git.Repo, error)
	newLoop    func(repo *git.Repo, stop func() bool, observe func(taskID string)) taskLoop
	hbInterval time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMerger sets the engine invoked when the last workstream of a
// session finishes. Without one the session waits for a manual merge.
func WithMerger(m Merger) RunnerOption {
	return func(r *Runner) { r.merger = m }
}

// WithHeartbeatInterval overrides the lease refresh cadence, for tests.
func WithHeartbeatInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.hbInterval = d
		}
	}
}

// NewRunner creates a workstream runner. The store is the project task
// store at the original checkout; the runner's git work happens in the
// workstream clone recorded on the workstream row.
func NewRunner(global *db.GlobalDB, store *db.ProjectDB, cfg *config.Config, providers orchestrator.ProviderResolver, opts ...RunnerOption) *Runner {
	r := &Runner{
		global:    global,
		store:     store,
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
	}
	r.openRepo = func(dir string) (*git.Repo, error) { return git.Open(dir) }
	r.newLoop = r.buildLoop
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// buildLoop wires a real orchestrator over the clone. The stop check polls
// the runner row so `steroids runners stop` reaches detached children.
func (r *Runner) buildLoop(repo *git.Repo, stop func() bool, observe func(string)) taskLoop {
	return orchestrator.New(r.store, repo, r.providers, r.cfg, repo.Dir(),
		orchestrator.WithLogger(r.logger),
		orchestrator.WithStopCheck(stop),
		orchestrator.WithTaskObserver(observe),
	)
}

// RunOptions identify the workstream this child owns.
type RunOptions struct {
	ProjectPath  string
	WorkstreamID string
	RunnerID     string
}

// Run executes the workstream to completion. It refuses to start unless
// the lease already names this runner: the launcher (or the recovery
// sweep) claims before spawning, and a mismatch means the lease moved on
// while the child was starting.
func (r *Runner) Run(ctx context.Context, opts RunOptions) error {
	w, err := r.global.GetWorkstream(opts.WorkstreamID)
	if err != nil {
		return err
	}
	if w == nil {
		return &steroidserrors.SteroidsError{
			Code: steroidserrors.CodeInvalidArgs,
			What: fmt.Sprintf("workstream %s not found", opts.WorkstreamID),
			Why:  "The workstream row was deleted or the id is wrong",
		}
	}
	if w.Status != db.WorkstreamRunning || w.RunnerID != opts.RunnerID {
		return steroidserrors.ErrLeaseFenceFailed(w.ID)
	}

	if err := r.global.RegisterRunner(&db.Runner{
		ID:          opts.RunnerID,
		PID:         os.Getpid(),
		ProjectPath: opts.ProjectPath,
	}); err != nil {
		return err
	}
	defer func() {
		if err := r.global.StopRunner(opts.RunnerID); err != nil {
			r.logger.Warn("stop runner row", "runner", opts.RunnerID, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hb := newLeaseHeartbeat(r.global, w, opts.RunnerID, r.cfg.LeaseDuration(), r.hbInterval, r.logger, cancel)
	hb.Start(runCtx)
	hbStopped := false
	stopHB := func() {
		if !hbStopped {
			hb.Stop()
			hbStopped = true
		}
	}
	defer stopHB()

	repo, err := r.openRepo(w.WorkspacePath)
	if err != nil {
		stopHB()
		r.failWorkstream(w, err)
		return err
	}

	stop := func() bool {
		stopped, err := r.global.IsStopRequested(opts.RunnerID)
		return err == nil && stopped
	}
	observe := func(taskID string) {
		if err := r.global.SetRunnerTask(opts.RunnerID, taskID); err != nil {
			r.logger.Warn("record current task", "runner", opts.RunnerID, "error", err)
		}
	}
	loop := r.newLoop(repo, stop, observe)

	r.logger.Info("workstream runner started",
		"workstream", w.ID, "sections", w.SectionIDs, "workspace", w.WorkspacePath)

	for _, sectionID := range w.SectionIDs {
		if stop() {
			break
		}
		if err := loop.RunLoop(runCtx, orchestrator.LoopOptions{Section: sectionID}); err != nil {
			if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
				err = cause
			}
			stopHB()
			r.failWorkstream(w, err)
			return fmt.Errorf("workstream %s section %s: %w", w.ID, sectionID, err)
		}
	}

	if stop() {
		// Cooperative stop: leave the workstream running and claimable so
		// a later launch resumes it.
		stopHB()
		if err := r.global.ReleaseLease(w); err != nil {
			r.logger.Warn("release lease on stop", "workstream", w.ID, "error", err)
		}
		r.logger.Info("stop requested; workstream left resumable", "workstream", w.ID)
		return nil
	}

	// Publish the branch before flipping status: a completed workstream
	// must be fetchable by the merge engine. Re-check the lease first: if
	// a recovery sweep reclaimed it, the new owner's push wins and this
	// runner must not touch the bookkeeping.
	if err := r.global.VerifyLease(w); err != nil {
		stopHB()
		return fmt.Errorf("workstream %s before push: %w", w.ID, err)
	}
	if err := repo.Push(r.cfg.Merge.Remote, w.Branch); err != nil {
		stopHB()
		r.failWorkstream(w, err)
		return fmt.Errorf("push %s: %w", w.Branch, err)
	}

	stopHB()
	if err := r.global.SetWorkstreamStatus(w, db.WorkstreamCompleted); err != nil {
		return err
	}
	if err := r.global.ReleaseLease(w); err != nil {
		r.logger.Warn("release lease", "workstream", w.ID, "error", err)
	}
	r.logger.Info("workstream completed", "workstream", w.ID, "branch", w.Branch)

	r.maybeMerge(runCtx, w.SessionID)
	return nil
}

// failWorkstream flips the workstream to failed and frees the lease. Best
// effort: if the fence fails the lease moved on and the new owner's
// bookkeeping wins.
func (r *Runner) failWorkstream(w *db.Workstream, cause error) {
	r.logger.Error("workstream failed", "workstream", w.ID, "error", cause)
	if err := r.global.SetWorkstreamStatus(w, db.WorkstreamFailed); err != nil {
		r.logger.Warn("mark workstream failed", "workstream", w.ID, "error", err)
		return
	}
	if err := r.global.ReleaseLease(w); err != nil {
		r.logger.Warn("release failed workstream lease", "workstream", w.ID, "error", err)
	}
}

// maybeMerge integrates the session when every workstream has reached a
// terminal status and at least one completed. Concurrent last-finishers
// race for the merge lock; losing that race is success, the winner merges.
// Merge failures do not fail the runner: the session carries the blocked
// status and the operator resumes with `steroids merge`.
func (r *Runner) maybeMerge(ctx context.Context, sessionID string) {
	if r.merger == nil {
		return
	}
	all, err := r.global.ListWorkstreams(sessionID)
	if err != nil {
		r.logger.Error("list session workstreams", "session", sessionID, "error", err)
		return
	}
	completed := 0
	for _, ws := range all {
		switch ws.Status {
		case db.WorkstreamCompleted:
			completed++
		case db.WorkstreamFailed:
		default:
			return
		}
	}
	if completed == 0 {
		return
	}

	r.logger.Info("last workstream finished; merging session", "session", sessionID)
	res, err := r.merger.Merge(ctx, merge.Request{SessionID: sessionID})
	if err != nil {
		if serr := steroidserrors.AsSteroidsError(err); serr != nil && serr.Code == steroidserrors.CodeMergeLockHeld {
			r.logger.Info("merge already in progress elsewhere", "session", sessionID)
			return
		}
		r.logger.Error("session merge failed", "session", sessionID, "error", err)
		return
	}
	r.logger.Info("session merged",
		"session", sessionID, "success", res.Success,
		"commits", res.CompletedCommits, "conflicts", res.Conflicts)
}

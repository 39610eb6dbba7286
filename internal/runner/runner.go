// Package runner hosts the foreground task runner: one process draining a
// project's backlog through the orchestrator loop. The runner registers
// itself in the global store so `runners status` and the wakeup scan see
// it, heartbeats while it works, and honors cooperative stop requests
// between tasks. Per-machine double starts are blocked by the flock
// start guard; cross-machine coordination is the store's job.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/lock"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/orchestrator"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// defaultHeartbeatInterval keeps the runner row comfortably inside the
// five-minute active window.
const defaultHeartbeatInterval = time.Minute

type taskLoop interface {
	RunLoop(ctx context.Context, opts orchestrator.LoopOptions) error
}

type startGuard interface {
	Acquire() error
	Release()
}

// Runner drains one project's backlog in the foreground.
type Runner struct {
	global    *db.GlobalDB
	store     *db.ProjectDB
	cfg       *config.Config
	providers orchestrator.ProviderResolver
	logger    *slog.Logger

	newID      func() string
	hbInterval time.Duration
	openRepo   func(dir string) (*git.Repo, error)
	newLoop    func(repo *git.Repo, stop func() bool, observe func(taskID string)) taskLoop
	newGuard   func(controlDir string) startGuard
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHeartbeatInterval overrides the runner-row heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.hbInterval = d
		}
	}
}

// WithIDGenerator overrides runner id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// New builds a foreground runner over the global and project stores.
func New(global *db.GlobalDB, store *db.ProjectDB, cfg *config.Config, providers orchestrator.ProviderResolver, opts ...Option) *Runner {
	r := &Runner{
		global:     global,
		store:      store,
		cfg:        cfg,
		providers:  providers,
		logger:     slog.Default(),
		newID:      uuid.NewString,
		hbInterval: defaultHeartbeatInterval,
	}
	r.openRepo = func(dir string) (*git.Repo, error) { return git.Open(dir) }
	r.newLoop = r.buildLoop
	r.newGuard = func(dir string) startGuard { return lock.NewStartGuard(dir) }
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) buildLoop(repo *git.Repo, stop func() bool, observe func(string)) taskLoop {
	return orchestrator.New(r.store, repo, r.providers, r.cfg, repo.Dir(),
		orchestrator.WithLogger(r.logger),
		orchestrator.WithStopCheck(stop),
		orchestrator.WithTaskObserver(observe),
	)
}

// Options selects what the runner works on.
type Options struct {
	ProjectPath string
	Branch      string
	Once        bool
	Section     string
}

// Run takes the start guard, registers the runner, and drains the backlog
// until no eligible task remains or a stop is requested. The runner row is
// stopped and the guard released on every exit path.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	projectPath, err := util.CanonicalProjectPath(opts.ProjectPath)
	if err != nil {
		return err
	}
	if !config.IsInitialized(projectPath) {
		return steroidserrors.ErrNotInitialized(projectPath)
	}

	guard := r.newGuard(filepath.Join(projectPath, config.SteroidsDir))
	if err := guard.Acquire(); err != nil {
		var already *lock.AlreadyRunningError
		if errors.As(err, &already) {
			serr := steroidserrors.ErrRunnerActive(already.PID)
			serr.Cause = err
			return serr
		}
		return err
	}
	defer guard.Release()

	runnerID := "runner-" + shortID(r.newID())
	if err := r.global.RegisterRunner(&db.Runner{
		ID:          runnerID,
		PID:         os.Getpid(),
		ProjectPath: projectPath,
	}); err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	defer func() {
		if err := r.global.StopRunner(runnerID); err != nil {
			r.logger.Warn("stop runner row", "runner_id", runnerID, "error", err)
		}
	}()

	r.registerProject(projectPath)

	repo, err := r.openRepo(projectPath)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	if opts.Branch != "" {
		if err := repo.Checkout(opts.Branch); err != nil {
			return fmt.Errorf("checkout %s: %w", opts.Branch, err)
		}
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go r.heartbeat(hbCtx, runnerID)

	stop := func() bool {
		stopped, err := r.global.IsStopRequested(runnerID)
		return err == nil && stopped
	}
	observe := func(taskID string) {
		if err := r.global.SetRunnerTask(runnerID, taskID); err != nil {
			r.logger.Warn("record current task", "runner_id", runnerID, "error", err)
		}
	}

	r.logger.Info("runner started",
		"runner_id", runnerID, "project", projectPath, "pid", os.Getpid())
	loop := r.newLoop(repo, stop, observe)
	return loop.RunLoop(ctx, orchestrator.LoopOptions{Once: opts.Once, Section: opts.Section})
}

func (r *Runner) heartbeat(ctx context.Context, runnerID string) {
	ticker := time.NewTicker(r.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.global.HeartbeatRunner(runnerID); err != nil {
				r.logger.Warn("runner heartbeat failed", "runner_id", runnerID, "error", err)
			}
		}
	}
}

// registerProject records the project in the global registry so the wakeup
// scan knows it exists. Not fatal: the runner works fine without the row.
func (r *Runner) registerProject(projectPath string) {
	id, err := util.ProjectHash(projectPath)
	if err != nil {
		r.logger.Warn("project hash failed", "path", projectPath, "error", err)
		return
	}
	now := time.Now()
	if err := r.global.RegisterProject(db.Project{
		ID:           id,
		Path:         projectPath,
		Name:         filepath.Base(projectPath),
		RegisteredAt: now,
		LastSeenAt:   &now,
	}); err != nil {
		r.logger.Warn("register project failed", "project_id", id, "error", err)
	}
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

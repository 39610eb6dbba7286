// Package wakeup is the cross-project liveness pass: it sweeps stale
// runner rows, reclaims expired workstream leases, and starts a detached
// runner for every registered project that has open work but nobody
// working on it. A pass is idempotent and safe to run from cron or by
// hand; concurrent passes lose races gracefully because every mutation
// goes through the store's fences and conditional updates.
package wakeup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/workstream"
)

// Actions the project scan records.
const (
	ActionStarted    = "started"
	ActionWouldStart = "would_start"
)

// staleProjectAge is how long a project may stay registered after its
// directory disappears before the scan deregisters it. Short outages
// (unmounted volume, moved checkout) survive; genuinely deleted projects
// eventually leave the registry.
const staleProjectAge = 30 * 24 * time.Hour

// ProjectAction is one project the scan decided needs a runner.
type ProjectAction struct {
	ProjectID   string `json:"project_id"`
	ProjectPath string `json:"project_path"`
	Action      string `json:"action"`
	OpenTasks   int    `json:"open_tasks"`
	PID         int    `json:"pid,omitempty"`
}

// Report is the outcome of one wakeup pass.
type Report struct {
	StoppedRunners  []string               `json:"stopped_runners,omitempty"`
	Recovered       []workstream.Recovered `json:"recovered,omitempty"`
	Actions         []ProjectAction        `json:"actions,omitempty"`
	RemovedProjects []string               `json:"removed_projects,omitempty"`
	ScannedProjects int                    `json:"scanned_projects"`
}

// Controller drives wakeup passes over the global store.
type Controller struct {
	global *db.GlobalDB
	cfg    *config.Config
	logger *slog.Logger

	countOpen   func(projectPath string) (int, error)
	initialized func(projectPath string) bool
	spawn       func(req workstream.SpawnRequest) (int, error)
	reclaim     func(ctx context.Context, now time.Time) ([]workstream.Recovered, error)
	now         func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a wakeup controller over the global store.
func New(global *db.GlobalDB, cfg *config.Config, opts ...Option) *Controller {
	c := &Controller{
		global:      global,
		cfg:         cfg,
		logger:      slog.Default(),
		countOpen:   countOpenTasks,
		initialized: config.IsInitialized,
		spawn:       workstream.SpawnDetached,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The lease sweep reuses the launcher's relaunch machinery. Built after
	// the options so it sees the configured logger.
	la := workstream.NewLauncher(global, cfg, workstream.WithLauncherLogger(c.logger))
	c.reclaim = la.Recover
	return c
}

// Run executes one pass. Stale runner rows are stopped first so the
// active-runner check below sees the truth, then expired workstream leases
// are reclaimed, then every registered project is scanned in parallel.
// A broken project (missing directory, corrupt store) is logged and
// skipped; it never stops the pass.
func (c *Controller) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{}

	stale, err := c.global.StaleRunners()
	if err != nil {
		return nil, fmt.Errorf("query stale runners: %w", err)
	}
	for _, r := range stale {
		if err := c.global.StopRunner(r.ID); err != nil {
			c.logger.Warn("stop stale runner", "runner_id", r.ID, "error", err)
			continue
		}
		c.logger.Info("stopped stale runner",
			"runner_id", r.ID, "pid", r.PID, "project", r.ProjectPath,
			"last_heartbeat", r.HeartbeatAt)
		report.StoppedRunners = append(report.StoppedRunners, r.ID)
	}

	if !dryRun {
		recovered, err := c.reclaim(ctx, c.now())
		if err != nil {
			c.logger.Warn("lease recovery sweep failed", "error", err)
		} else {
			report.Recovered = recovered
		}
	}

	projects, err := c.global.ListProjects()
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	report.ScannedProjects = len(projects)

	var (
		mu      sync.Mutex
		actions []ProjectAction
		removed []string
	)
	var g errgroup.Group
	for i := range projects {
		p := projects[i]
		g.Go(func() error {
			act, deregistered, err := c.scanProject(ctx, p, dryRun)
			if err != nil {
				c.logger.Warn("project scan failed",
					"project_id", p.ID, "path", p.Path, "error", err)
				return nil
			}
			mu.Lock()
			if act != nil {
				actions = append(actions, *act)
			}
			if deregistered {
				removed = append(removed, p.ID)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].ProjectPath < actions[j].ProjectPath
	})
	sort.Strings(removed)
	report.Actions = actions
	report.RemovedProjects = removed
	return report, nil
}

func (c *Controller) scanProject(ctx context.Context, p db.Project, dryRun bool) (*ProjectAction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if _, err := os.Stat(p.Path); err != nil {
		lastSeen := p.RegisteredAt
		if p.LastSeenAt != nil {
			lastSeen = *p.LastSeenAt
		}
		if !dryRun && c.now().Sub(lastSeen) > staleProjectAge {
			if derr := c.global.DeleteProject(p.ID); derr != nil {
				return nil, false, fmt.Errorf("deregister vanished project: %w", derr)
			}
			c.logger.Info("deregistered vanished project", "project_id", p.ID, "path", p.Path)
			return nil, true, nil
		}
		c.logger.Debug("project directory missing", "project_id", p.ID, "path", p.Path)
		return nil, false, nil
	}
	if !c.initialized(p.Path) {
		c.logger.Debug("project not initialized", "project_id", p.ID, "path", p.Path)
		return nil, false, nil
	}
	if !dryRun {
		if terr := c.global.TouchProject(p.ID); terr != nil {
			c.logger.Warn("touch project", "project_id", p.ID, "error", terr)
		}
	}
	active, err := c.global.HasActiveRunnerForProject(p.Path)
	if err != nil {
		return nil, false, fmt.Errorf("active-runner check: %w", err)
	}
	if active {
		c.logger.Debug("runner already active", "project_id", p.ID, "path", p.Path)
		return nil, false, nil
	}
	open, err := c.countOpen(p.Path)
	if err != nil {
		return nil, false, fmt.Errorf("count open tasks: %w", err)
	}
	if open == 0 {
		c.logger.Debug("no open tasks", "project_id", p.ID, "path", p.Path)
		return nil, false, nil
	}

	act := &ProjectAction{ProjectID: p.ID, ProjectPath: p.Path, OpenTasks: open}
	if dryRun {
		act.Action = ActionWouldStart
		c.logger.Info("would start runner", "project", p.Path, "open_tasks", open)
		return act, false, nil
	}
	pid, err := c.spawn(workstream.SpawnRequest{ProjectPath: p.Path})
	if err != nil {
		return nil, false, fmt.Errorf("spawn runner: %w", err)
	}
	act.Action = ActionStarted
	act.PID = pid
	c.logger.Info("started runner", "project", p.Path, "pid", pid, "open_tasks", open)
	return act, false, nil
}

// countOpenTasks honors each project's database config, so the scan counts
// tasks in the same store a runner for that project would use.
func countOpenTasks(projectPath string) (int, error) {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return 0, err
	}
	store, err := db.OpenProjectStore(projectPath, cfg.Database.Driver, cfg.Database.Postgres.DSN())
	if err != nil {
		return 0, err
	}
	defer func() { _ = store.Close() }()
	return store.CountOpenTasks()
}

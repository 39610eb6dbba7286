package workstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/logging"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// Launcher starts parallel sessions: it plans the workstream split,
// provisions one clone per workstream, claims the lease on each, and
// spawns a detached runner child per clone.
type Launcher struct {
	global *db.GlobalDB
	cfg    *config.Config
	logger *slog.Logger
	newID  func() string

	// Seams replaced in tests.
	clone   func(ctx context.Context, projectPath, dst, branch string) error
	hydrate func(ctx context.Context, dir string) error
	spawn   func(ctx context.Context, req SpawnRequest) (int, error)
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithLauncherLogger sets the structured logger.
func WithLauncherLogger(l *slog.Logger) LauncherOption {
	return func(la *Launcher) {
		if l != nil {
			la.logger = l
		}
	}
}

// WithLauncherIDGenerator replaces the session/workstream/runner id
// source, for tests.
func WithLauncherIDGenerator(fn func() string) LauncherOption {
	return func(la *Launcher) {
		if fn != nil {
			la.newID = fn
		}
	}
}

// NewLauncher creates a launcher over the global control plane.
func NewLauncher(global *db.GlobalDB, cfg *config.Config, opts ...LauncherOption) *Launcher {
	la := &Launcher{
		global: global,
		cfg:    cfg,
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	la.clone = la.cloneWorkspace
	la.hydrate = la.runHydration
	la.spawn = func(_ context.Context, req SpawnRequest) (int, error) {
		return SpawnDetached(req)
	}
	for _, opt := range opts {
		opt(la)
	}
	return la
}

// LaunchOptions tune one Launch call.
type LaunchOptions struct {
	// SectionIDs overrides planning: each resolved section becomes its own
	// workstream, in the given order. Empty means plan by the configured
	// strategy.
	SectionIDs []string

	// MaxClones overrides the configured clone budget when positive.
	MaxClones int

	// Executable is the binary spawned for runner children. Empty means
	// the current executable.
	Executable string
}

// LaunchedWorkstream describes one child the launcher started.
type LaunchedWorkstream struct {
	ID            string   `json:"id"`
	Branch        string   `json:"branch"`
	WorkspacePath string   `json:"workspace_path"`
	SectionIDs    []string `json:"section_ids"`
	RunnerID      string   `json:"runner_id"`
	PID           int      `json:"pid"`
}

// LaunchResult reports what a launch accomplished.
type LaunchResult struct {
	SessionID   string               `json:"session_id"`
	Workstreams []LaunchedWorkstream `json:"workstreams"`
}

// Launch plans the workstreams for a project and starts a parallel
// session. The session row is created only after planning succeeds, so a
// cyclic dependency graph or an empty plan never leaves a session behind.
//
// Clones are provisioned concurrently. A workstream that fails to
// provision is marked failed but does not stop its siblings; Launch
// reports partial success through both the result and the error.
func (la *Launcher) Launch(ctx context.Context, store *db.ProjectDB, projectPath string, opts LaunchOptions) (*LaunchResult, error) {
	projectPath, err := util.CanonicalProjectPath(projectPath)
	if err != nil {
		return nil, err
	}
	if err := la.cfg.CheckSharedDirs(); err != nil {
		return nil, err
	}

	maxClones := opts.MaxClones
	if maxClones <= 0 {
		maxClones = la.cfg.Parallel.MaxClones
	}

	candidates, err := la.resolveCandidates(store, opts.SectionIDs, maxClones)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &steroidserrors.SteroidsError{
			Code: steroidserrors.CodeInvalidArgs,
			What: "no sections are eligible for parallel execution",
			Why:  "Every section is skipped, finished, or waiting on unfinished dependencies",
			Fix:  "Run steroids tasks list to see what is pending, or loop for serial execution",
		}
	}

	repoID, err := util.ProjectHash(projectPath)
	if err != nil {
		return nil, err
	}
	session := &db.Session{
		ID:          "sess-" + shortID(la.newID()),
		ProjectPath: projectPath,
		RepoID:      repoID,
	}
	if err := la.global.CreateSession(session); err != nil {
		if errors.Is(err, db.ErrSessionConflict) {
			return nil, &steroidserrors.SteroidsError{
				Code:  steroidserrors.CodeSessionConflict,
				What:  "a parallel session is already active for this project",
				Why:   "Only one non-terminal session may exist per repository",
				Fix:   "Finish it with steroids merge, or wait for its runners to complete",
				Cause: err,
			}
		}
		return nil, err
	}

	workspaceRoot, err := la.cfg.WorkspaceRoot()
	if err != nil {
		return nil, err
	}
	home := filepath.Join(workspaceRoot, repoID)
	if err := os.MkdirAll(home, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	la.logger.Info("launching parallel session",
		"session", session.ID, "workstreams", len(candidates), "project", projectPath)

	var (
		mu       sync.Mutex
		launched []LaunchedWorkstream
	)
	var g errgroup.Group
	for _, cand := range candidates {
		g.Go(func() error {
			lw, err := la.launchOne(ctx, session, projectPath, home, cand, opts.Executable)
			if err != nil {
				return err
			}
			mu.Lock()
			launched = append(launched, *lw)
			mu.Unlock()
			return nil
		})
	}
	launchErr := g.Wait()

	result := &LaunchResult{SessionID: session.ID, Workstreams: launched}
	if launchErr != nil && len(launched) == 0 {
		if err := la.global.SetSessionStatus(session.ID, db.SessionFailed); err != nil {
			la.logger.Error("mark session failed", "session", session.ID, "error", err)
		}
		return result, launchErr
	}
	return result, launchErr
}

// resolveCandidates turns an explicit section selection into candidates,
// or falls back to the configured planning strategy.
func (la *Launcher) resolveCandidates(store *db.ProjectDB, sectionIDs []string, maxClones int) ([]Candidate, error) {
	if len(sectionIDs) == 0 {
		return Plan(store, la.cfg.Parallel.Strategy, maxClones)
	}
	candidates := make([]Candidate, 0, len(sectionIDs))
	for _, ref := range sectionIDs {
		sec, err := store.ResolveSection(ref)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, Candidate{SectionIDs: []string{sec.ID}})
	}
	if maxClones > 0 && len(candidates) > maxClones {
		candidates = candidates[:maxClones]
	}
	return candidates, nil
}

// launchOne provisions a single workstream: clone, hydrate, row + lease,
// detached child. Failures after the row exists mark it failed so the
// session's bookkeeping stays truthful.
func (la *Launcher) launchOne(ctx context.Context, session *db.Session, projectPath, home string, cand Candidate, executable string) (*LaunchedWorkstream, error) {
	wsID := "ws-" + shortID(la.newID())
	runnerID := "runner-" + shortID(la.newID())
	branch := git.WorkstreamBranch(wsID)
	dst := filepath.Join(home, wsID)

	if err := la.clone(ctx, projectPath, dst, branch); err != nil {
		return nil, fmt.Errorf("provision workstream %s: %w", wsID, err)
	}
	if la.cfg.Parallel.HydrationCommand != "" {
		if err := la.hydrate(ctx, dst); err != nil {
			return nil, fmt.Errorf("hydrate workstream %s: %w", wsID, err)
		}
	}

	w := &db.Workstream{
		ID:            wsID,
		SessionID:     session.ID,
		Branch:        branch,
		SectionIDs:    cand.SectionIDs,
		WorkspacePath: dst,
	}
	if err := la.global.CreateWorkstream(w); err != nil {
		return nil, err
	}
	if err := la.global.ClaimLease(w, runnerID, la.cfg.LeaseDuration()); err != nil {
		return nil, err
	}

	var logPath string
	if la.cfg.Parallel.DaemonLogs {
		globalHome, err := config.GlobalHome()
		if err != nil {
			la.failWorkstream(w, err)
			return nil, err
		}
		logPath = logging.WorkstreamLogPath(globalHome, wsID)
	}

	pid, err := la.spawn(ctx, SpawnRequest{
		Executable:   executable,
		ProjectPath:  projectPath,
		SessionID:    session.ID,
		WorkstreamID: wsID,
		RunnerID:     runnerID,
		LogPath:      logPath,
	})
	if err != nil {
		la.failWorkstream(w, err)
		return nil, fmt.Errorf("spawn workstream %s: %w", wsID, err)
	}

	la.logger.Info("workstream started",
		"workstream", wsID, "runner", runnerID, "pid", pid, "sections", cand.SectionIDs)
	return &LaunchedWorkstream{
		ID:            wsID,
		Branch:        branch,
		WorkspacePath: dst,
		SectionIDs:    cand.SectionIDs,
		RunnerID:      runnerID,
		PID:           pid,
	}, nil
}

// failWorkstream marks a half-provisioned workstream failed and releases
// its lease. Best effort: the row may already be gone or re-owned.
func (la *Launcher) failWorkstream(w *db.Workstream, cause error) {
	la.logger.Error("workstream launch failed", "workstream", w.ID, "error", cause)
	if err := la.global.SetWorkstreamStatus(w, db.WorkstreamFailed); err != nil {
		la.logger.Error("mark workstream failed", "workstream", w.ID, "error", err)
		return
	}
	if err := la.global.ReleaseLease(w); err != nil {
		la.logger.Error("release workstream lease", "workstream", w.ID, "error", err)
	}
}

// cloneWorkspace clones the project into dst on a fresh workstream branch.
// Cloning from the local checkout is fast and leaves origin pointing at
// the checkout; when the project has a real remote the clone's origin is
// rewritten to it so pushes and the later merge fetch meet at the same
// place.
func (la *Launcher) cloneWorkspace(_ context.Context, projectPath, dst, branch string) error {
	src, err := git.Open(projectPath)
	if err != nil {
		return err
	}
	remoteURL, err := src.RemoteURL(la.cfg.Merge.Remote)
	if err != nil {
		// No remote configured: single-machine mode, the checkout itself
		// is the push target.
		remoteURL = ""
	}

	repo, err := git.Clone(projectPath, dst)
	if err != nil {
		return err
	}
	if remoteURL != "" {
		if err := repo.SetRemoteURL(la.cfg.Merge.Remote, remoteURL); err != nil {
			return err
		}
	}
	return repo.CheckoutNewBranch(branch)
}

// runHydration runs the configured hydration command inside a fresh clone
// via the shell, mirroring how the validation gate runs its command.
func (la *Launcher) runHydration(ctx context.Context, dir string) error {
	command := la.cfg.Parallel.HydrationCommand
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hydration command %q: %w\n%s", command, err, util.Truncate(string(out), 4096))
	}
	return nil
}

// shortID trims a uuid to its first group for readable workstream and
// runner ids. Short inputs (test id generators) pass through unchanged.
func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

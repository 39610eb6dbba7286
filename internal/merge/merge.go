// Package merge integrates completed workstream branches into mainline by
// cherry-picking their sealed commit lists onto an integration branch, in
// completion order, under a session-scoped merge lock.
//
// Every cherry-pick is checkpointed in a durable progress row before the
// next one starts, so a merge that crashes at any point can be re-run with
// the same session id and resume exactly where it stopped. Conflicts are
// resolved by a coder/reviewer provider pair inside the integration
// workspace; an optional validation command gates the final push.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/provider"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// ProviderResolver selects a provider and model for a role. Satisfied by
// *provider.Registry.
type ProviderResolver interface {
	ForRole(cfg *config.Config, role string) (provider.Provider, string, error)
}

// Engine merges a parallel session's workstreams into mainline.
type Engine struct {
	global    *db.GlobalDB
	cfg       *config.Config
	providers ProviderResolver
	logger    *slog.Logger
	runnerID  string
	gitRunner git.CommandRunner

	// Seams replaced in tests.
	workspace func(session *db.Session, p *plan) (*git.Repo, error)
	validate  func(ctx context.Context, dir, command string) validationOutcome
	removeAll func(path string) error
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRunnerID identifies the merge-lock holder. Defaults to a
// pid-derived id.
func WithRunnerID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.runnerID = id
		}
	}
}

// WithGitRunner substitutes the git subprocess runner, for tests.
func WithGitRunner(r git.CommandRunner) Option {
	return func(e *Engine) { e.gitRunner = r }
}

// WithIDGenerator replaces the escalation/invocation id source, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New creates a merge engine over the global control plane.
func New(global *db.GlobalDB, cfg *config.Config, providers ProviderResolver, opts ...Option) *Engine {
	e := &Engine{
		global:    global,
		cfg:       cfg,
		providers: providers,
		logger:    slog.Default(),
		runnerID:  fmt.Sprintf("merge-%d", os.Getpid()),
		validate:  runValidationCommand,
		removeAll: os.RemoveAll,
		newID:     uuid.NewString,
	}
	e.workspace = e.prepareWorkspace
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request names the session to merge and overrides engine defaults.
type Request struct {
	SessionID string

	// Workstreams restricts the merge to these ids, in the given order.
	// Empty means every completed workstream of the session, in
	// completion order.
	Workstreams []string

	// Remote and MainBranch default to the merge configuration.
	Remote     string
	MainBranch string

	// IntegrationBranch defaults to the session-derived name.
	IntegrationBranch string

	// ValidationCommand overrides the configured gate command.
	ValidationCommand string
}

// Result reports what a merge run accomplished.
type Result struct {
	SessionID        string   `json:"session_id"`
	Success          bool     `json:"success"`
	Workstreams      []string `json:"workstreams"`
	CompletedCommits int      `json:"completed_commits"`
	Conflicts        int      `json:"conflicts"`
	Skipped          int      `json:"skipped"`
	Pushed           bool     `json:"pushed"`
	EscalationID     string   `json:"escalation_id,omitempty"`
	Errors           []string `json:"errors"`
}

// plan is a Request resolved against the session and configuration.
type plan struct {
	sessionID         string
	projectPath       string
	remote            string
	mainBranch        string
	integrationBranch string
	integrationDir    string
	validationCommand string

	// workspaceHome is <workspaceRoot>/<hash(project)>; cleanup refuses
	// to delete anything outside it.
	workspaceHome string
}

// Merge runs the full integration procedure for one session. The returned
// Result is populated as far as the run got, even on error.
func (e *Engine) Merge(ctx context.Context, req Request) (*Result, error) {
	res := &Result{SessionID: req.SessionID, Errors: []string{}}

	session, err := e.global.GetSession(req.SessionID)
	if err != nil {
		return res, err
	}
	if session == nil {
		return res, steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
			"session %s not found", req.SessionID)
	}

	p, err := e.resolve(req, session)
	if err != nil {
		return res, err
	}

	lock, err := e.global.AcquireMergeLock(p.sessionID, e.runnerID, e.cfg.Merge.LockTimeout)
	if err != nil {
		return res, err
	}
	defer func() {
		if rerr := e.global.ReleaseMergeLock(lock); rerr != nil {
			e.logger.Warn("release merge lock", "session", p.sessionID, "error", rerr)
		}
	}()

	// The heartbeat keeps the lock alive across long provider invocations
	// and cancels the merge context if the epoch is ever lost.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hb := newLockHeartbeat(e.global, lock, e.cfg.Merge.LockTimeout, e.cfg.Merge.HeartbeatInterval, e.logger, cancel)
	hb.Start(ctx)
	defer hb.Stop()

	if err := e.global.SetSessionStatus(p.sessionID, db.SessionMerging); err != nil {
		return res, err
	}

	workstreams, err := e.selectWorkstreams(req, p)
	if err != nil {
		return res, err
	}
	for _, w := range workstreams {
		res.Workstreams = append(res.Workstreams, w.ID)
	}

	repo, err := e.workspace(session, p)
	if err != nil {
		return res, err
	}

	resuming, err := e.checkWorktree(repo, p)
	if err != nil {
		return res, err
	}

	for _, w := range workstreams {
		if err := e.fetchBranch(repo, p, w); err != nil {
			return res, err
		}
	}

	if err := e.seal(repo, p, workstreams); err != nil {
		return res, err
	}

	if !resuming {
		if err := repo.PullFFOnly(p.remote, p.mainBranch); err != nil {
			return res, pullError(err, p)
		}
	}

	if err := e.applyAll(ctx, repo, p, workstreams, res); err != nil {
		return res, err
	}

	if p.validationCommand != "" {
		if err := e.runValidationGate(ctx, repo, p, res); err != nil {
			return res, err
		}
	}

	if err := repo.Push(p.remote, p.mainBranch); err != nil {
		res.Errors = append(res.Errors, "Push to main failed.")
		if serr := e.global.SetSessionStatus(p.sessionID, db.SessionFailed); serr != nil {
			e.logger.Error("mark session failed", "session", p.sessionID, "error", serr)
		}
		return res, steroidserrors.Wrap(err, steroidserrors.CodePushFailed,
			fmt.Sprintf("push %s to %s failed", p.mainBranch, p.remote)).
			WithWhy("the remote rejected the mainline update after all commits applied").
			WithFix("check remote permissions and branch protection, then re-run the merge; applied commits resume from progress")
	}
	res.Pushed = true

	if e.cfg.Merge.CleanupOnSuccess {
		e.cleanup(repo, p, workstreams)
	}

	if err := e.finishSession(p); err != nil {
		return res, err
	}
	res.Success = true
	e.logger.Info("merge complete",
		"session", p.sessionID,
		"workstreams", len(workstreams),
		"commits", res.CompletedCommits,
		"conflicts", res.Conflicts)
	return res, nil
}

// resolve fills a plan from the request, the session row, and configured
// defaults.
func (e *Engine) resolve(req Request, session *db.Session) (*plan, error) {
	p := &plan{
		sessionID:         session.ID,
		projectPath:       session.ProjectPath,
		remote:            req.Remote,
		mainBranch:        req.MainBranch,
		integrationBranch: req.IntegrationBranch,
		validationCommand: req.ValidationCommand,
	}
	if p.remote == "" {
		p.remote = e.cfg.Merge.Remote
	}
	if p.mainBranch == "" {
		p.mainBranch = e.cfg.Merge.MainBranch
	}
	if p.integrationBranch == "" {
		p.integrationBranch = git.IntegrationBranch(session.ID)
	}
	if p.validationCommand == "" {
		p.validationCommand = e.cfg.Merge.ValidationCommand
	}

	hash, err := util.ProjectHash(session.ProjectPath)
	if err != nil {
		return nil, err
	}
	root, err := e.cfg.WorkspaceRoot()
	if err != nil {
		return nil, err
	}
	p.workspaceHome = filepath.Join(root, hash)
	p.integrationDir = filepath.Join(p.workspaceHome, "integration-"+shortID(session.ID))
	return p, nil
}

// selectWorkstreams loads the workstreams this run will merge, in order:
// the explicitly requested ids, or every completed/sealed workstream of the
// session sorted by completion order.
func (e *Engine) selectWorkstreams(req Request, p *plan) ([]*db.Workstream, error) {
	all, err := e.global.ListWorkstreams(p.sessionID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*db.Workstream, len(all))
	for i := range all {
		byID[all[i].ID] = &all[i]
	}

	if len(req.Workstreams) > 0 {
		picked := make([]*db.Workstream, 0, len(req.Workstreams))
		for _, id := range req.Workstreams {
			w, ok := byID[id]
			if !ok {
				return nil, steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
					"workstream %s does not belong to session %s", id, p.sessionID)
			}
			picked = append(picked, w)
		}
		return picked, nil
	}

	var picked []*db.Workstream
	for i := range all {
		w := &all[i]
		if w.Status == db.WorkstreamCompleted || w.SealedHeadSHA != "" {
			picked = append(picked, w)
		}
	}
	if len(picked) == 0 {
		return nil, steroidserrors.Newf(steroidserrors.CodeInvalidArgs,
			"session %s has no completed workstreams to merge", p.sessionID).
			WithFix("wait for workstream runners to finish, or pass explicit workstream ids")
	}
	return picked, nil
}

// checkWorktree verifies the integration workspace is in a state the engine
// understands and reports whether this run resumes an earlier one. A dirty
// tree is only legal when a cherry-pick is mid-flight.
func (e *Engine) checkWorktree(repo *git.Repo, p *plan) (bool, error) {
	clean, err := repo.IsClean()
	if err != nil {
		return false, err
	}
	resuming := false
	if !clean {
		if !repo.CherryPickInProgress() {
			return false, steroidserrors.ErrDirtyWorktree(repo.Dir())
		}
		resuming = true
	}
	progress, err := e.global.ListMergeProgress(p.sessionID)
	if err != nil {
		return false, err
	}
	if len(progress) > 0 {
		resuming = true
	}
	if resuming {
		e.logger.Info("resuming interrupted merge",
			"session", p.sessionID, "checkpoints", len(progress))
	}
	return resuming, nil
}

// fetchBranch updates the remote-tracking ref for one workstream branch. A
// branch that no longer exists on the remote is tolerated here; sealing
// decides whether its absence is fatal.
func (e *Engine) fetchBranch(repo *git.Repo, p *plan, w *db.Workstream) error {
	if err := repo.Fetch(p.remote, w.Branch); err != nil {
		if !repo.RemoteBranchExists(p.remote, w.Branch) {
			e.logger.Debug("workstream branch missing on remote",
				"workstream", w.ID, "branch", w.Branch)
			return nil
		}
		return steroidserrors.Wrap(err, steroidserrors.CodeFetchFailed,
			fmt.Sprintf("fetch %s from %s failed", w.Branch, p.remote))
	}
	return nil
}

// finishSession decides the terminal session status. The session completes
// only when every non-failed workstream is sealed and every sealed position
// has a terminal checkpoint; a partial merge resets it to running so the
// remaining workstreams keep going.
func (e *Engine) finishSession(p *plan) error {
	all, err := e.global.ListWorkstreams(p.sessionID)
	if err != nil {
		return err
	}
	progress, err := e.global.ListMergeProgress(p.sessionID)
	if err != nil {
		return err
	}
	settled := make(map[string]int)
	for i := range progress {
		row := &progress[i]
		if row.Status == db.ProgressApplied || row.Status == db.ProgressSkipped {
			settled[row.WorkstreamID]++
		}
	}

	for i := range all {
		w := &all[i]
		if w.Status == db.WorkstreamFailed {
			continue
		}
		if w.SealedHeadSHA == "" || settled[w.ID] < len(w.SealedCommits) {
			e.logger.Info("session continues, workstreams remain",
				"session", p.sessionID, "pending", w.ID)
			return e.global.SetSessionStatus(p.sessionID, db.SessionRunning)
		}
	}

	if err := e.global.SetSessionStatus(p.sessionID, db.SessionCompleted); err != nil {
		return err
	}
	if n, err := e.global.ResolveEscalationsForSession(p.sessionID); err != nil {
		e.logger.Warn("resolve escalations", "session", p.sessionID, "error", err)
	} else if n > 0 {
		e.logger.Info("resolved open escalations", "session", p.sessionID, "count", n)
	}
	return nil
}

func pullError(err error, p *plan) error {
	if errors.Is(err, git.ErrNonFastForward) {
		return steroidserrors.Wrap(err, steroidserrors.CodeNonFastForward,
			fmt.Sprintf("mainline %s diverged from %s", p.mainBranch, p.remote)).
			WithFix("reconcile the integration branch with the remote mainline, then re-run the merge")
	}
	return steroidserrors.Wrap(err, steroidserrors.CodePullFailed,
		fmt.Sprintf("pull %s from %s failed", p.mainBranch, p.remote))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

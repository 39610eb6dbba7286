// Package orchestrator drives the task lifecycle state machine: it selects
// the next eligible task, invokes coder and reviewer providers, classifies
// their output, and persists every transition with an audit entry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/provider"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// Audit actors not tied to a provider/model pair.
const (
	actorSystem      = "system"
	actorCoordinator = "coordinator"
)

// commitScanDepth bounds how far back gitSnapshot looks for new commits.
const commitScanDepth = 20

// ProviderResolver selects a provider and model for a role. Satisfied by
// *provider.Registry.
type ProviderResolver interface {
	ForRole(cfg *config.Config, role string) (provider.Provider, string, error)
}

// PauseAlert reports a credit-exhausted provider to the host loop.
type PauseAlert struct {
	Provider string
	Model    string
	Role     string
	Message  string
}

// PauseResolution is the host loop's answer to a pause alert.
type PauseResolution string

const (
	// ResolutionConfigChanged means the user reconfigured providers;
	// reload config and continue.
	ResolutionConfigChanged PauseResolution = "config_changed"
	// ResolutionStopped breaks the loop cleanly.
	ResolutionStopped PauseResolution = "stopped"
	// ResolutionImmediateFail exits the loop with an error.
	ResolutionImmediateFail PauseResolution = "immediate_fail"
)

// PauseHandler resolves a credit-exhaustion pause, typically by prompting
// the user or consulting daemon policy.
type PauseHandler func(alert PauseAlert) PauseResolution

// PauseError carries a pause alert up from a provider invocation to the
// loop, which owns the resolution.
type PauseError struct {
	Alert PauseAlert
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("provider %s (%s) out of credits: %s", e.Alert.Provider, e.Alert.Model, e.Alert.Message)
}

// Orchestrator runs tasks through pending -> in_progress -> review ->
// completed, with rejection, escalation, and dispute side paths.
type Orchestrator struct {
	store       *db.ProjectDB
	repo        *git.Repo
	providers   ProviderResolver
	cfg         *config.Config
	projectDir  string
	logger      *slog.Logger
	pause       PauseHandler
	stopCheck   func() bool
	sleep       func(time.Duration)
	newID       func() string
	observeTask func(taskID string)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPauseHandler sets the credit-exhaustion pause handler. Without one,
// every pause resolves as immediate fail.
func WithPauseHandler(h PauseHandler) Option {
	return func(o *Orchestrator) { o.pause = h }
}

// WithStopCheck sets the cooperative stop poll consulted between tasks.
func WithStopCheck(fn func() bool) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.stopCheck = fn
		}
	}
}

// WithSleep replaces the back-off sleep, for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithIDGenerator replaces the invocation/dispute id source, for tests.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithTaskObserver registers a callback invoked with the task id each time
// the loop picks work, and with the empty string when the loop exits. The
// runners mirror it into their global-store row so `runners status` shows
// what each process is on.
func WithTaskObserver(fn func(taskID string)) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.observeTask = fn
		}
	}
}

// New creates an orchestrator for one project checkout.
func New(store *db.ProjectDB, repo *git.Repo, providers ProviderResolver, cfg *config.Config, projectDir string, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		repo:        repo,
		providers:   providers,
		cfg:         cfg,
		projectDir:  projectDir,
		logger:      slog.Default(),
		stopCheck:   func() bool { return false },
		sleep:       time.Sleep,
		newID:       uuid.NewString,
		observeTask: func(string) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// LoopOptions tune a RunLoop call.
type LoopOptions struct {
	// Once drives a single task as far as it will go, then exits. Credit
	// pauses resolve as immediate fail.
	Once bool
	// Section restricts selection to one section, by id or name.
	Section string
}

// RunLoop processes tasks until none are eligible, a stop is requested, or
// an error propagates. It is the engine behind `steroids loop` and the
// workstream runner.
func (o *Orchestrator) RunLoop(ctx context.Context, opts LoopOptions) error {
	sectionID := ""
	if opts.Section != "" {
		sec, err := o.store.ResolveSection(opts.Section)
		if err != nil {
			return err
		}
		sectionID = sec.ID
	}
	defer o.observeTask("")

	var onceTaskID string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.stopCheck() {
			o.logger.Info("stop requested, exiting loop")
			return nil
		}

		t, err := o.store.NextTask(sectionID)
		if err != nil {
			return err
		}
		if t == nil {
			o.logger.Info("no eligible tasks, loop done")
			return nil
		}

		if opts.Once {
			if onceTaskID == "" {
				onceTaskID = t.ID
			} else if t.ID != onceTaskID {
				return nil
			}
		}
		o.observeTask(t.ID)

		if err := o.runTask(ctx, t); err != nil {
			var pe *PauseError
			if errors.As(err, &pe) {
				switch o.resolvePause(pe, opts.Once) {
				case ResolutionConfigChanged:
					cfg, cerr := config.Load(o.projectDir)
					if cerr != nil {
						return cerr
					}
					o.cfg = cfg
					o.logger.Info("config reloaded after pause, resuming")
					continue
				case ResolutionStopped:
					return nil
				default:
					return steroidserrors.Newf(steroidserrors.CodeCreditExhaustion,
						"provider %s out of credits", pe.Alert.Provider).WithWhy(pe.Alert.Message)
				}
			}
			return err
		}
	}
}

func (o *Orchestrator) resolvePause(pe *PauseError, once bool) PauseResolution {
	o.logger.Error("provider credits exhausted",
		"provider", pe.Alert.Provider,
		"model", pe.Alert.Model,
		"role", pe.Alert.Role,
		"message", pe.Alert.Message)
	if once || o.pause == nil {
		return ResolutionImmediateFail
	}
	return o.pause(pe.Alert)
}

// runTask advances one task by one phase.
func (o *Orchestrator) runTask(ctx context.Context, t *db.Task) error {
	o.logger.Info("processing task", "task", t.ID, "status", string(t.Status), "title", t.Title)

	switch t.Status {
	case task.StatusPending:
		updated, err := o.store.TransitionTask(t.ID, task.StatusInProgress,
			db.TransitionMeta{Actor: actorSystem, Notes: "picked up by runner"})
		if err != nil {
			return err
		}
		return o.coderPhase(ctx, updated)
	case task.StatusInProgress:
		return o.coderPhase(ctx, t)
	case task.StatusReview:
		return o.reviewerPhase(ctx, t)
	default:
		return steroidserrors.Newf(steroidserrors.CodeInvalidTransition,
			"task %s is in unexpected status %s", t.ID, t.Status)
	}
}

// coderPhase invokes the coder, classifies the run, and acts on the
// decision. Error decisions propagate without advancing the task.
func (o *Orchestrator) coderPhase(ctx context.Context, t *db.Task) error {
	prov, model, err := o.providers.ForRole(o.cfg, provider.RoleCoder)
	if err != nil {
		return err
	}

	history, err := o.store.RejectionHistory(t.ID)
	if err != nil {
		return err
	}
	guidance, err := o.store.LatestCoordinatorNote(t.ID)
	if err != nil {
		return err
	}

	sectionName := ""
	if t.SectionID != "" {
		sec, err := o.store.GetSection(t.SectionID)
		if err != nil {
			return err
		}
		if sec != nil {
			sectionName = sec.Name
		}
	}

	prompt, err := buildCoderPrompt(coderPromptInputs{
		Task:        t,
		SectionName: sectionName,
		History:     history,
		Guidance:    guidance,
		AgentsText:  readFileTruncated(filepath.Join(o.projectDir, o.cfg.Loop.AgentsFile), o.cfg.Loop.AgentsFileMaxChars),
		SpecText:    o.readSpec(t),
	})
	if err != nil {
		return err
	}

	headBefore, err := o.repo.Head()
	if err != nil {
		// Unborn branch: every commit the coder makes is new.
		headBefore = ""
	}

	res, kind, err := o.invoke(ctx, prov, model, provider.RoleCoder, t.ID, prompt)
	if err != nil {
		return err
	}
	if kind == provider.ErrorCreditExhaustion {
		return &PauseError{Alert: PauseAlert{
			Provider: prov.Name(), Model: model, Role: provider.RoleCoder, Message: creditMessage(res),
		}}
	}

	snap, err := o.gitSnapshot(headBefore)
	if err != nil {
		return err
	}

	decision := ClassifyCoderOutput(res, kind, snap)
	o.logger.Info("coder decision",
		"task", t.ID,
		"action", string(decision.Action),
		"confidence", decision.Confidence,
		"reasoning", decision.Reasoning)

	actor := prov.Name() + "/" + model
	switch decision.Action {
	case ActionSubmit:
		sha := ""
		if len(snap.NewCommits) > 0 {
			sha = snap.HeadAfter
		}
		_, err := o.store.TransitionTask(t.ID, task.StatusReview,
			db.TransitionMeta{Actor: actor, Notes: decision.Reasoning, CommitSHA: sha})
		return err

	case ActionStageCommitSubmit:
		if err := o.repo.StageAll(); err != nil {
			return err
		}
		msg := fmt.Sprintf("chore: stage remaining changes for %s", t.ID)
		if err := o.repo.Commit(msg); err != nil && !errors.Is(err, git.ErrNothingToCommit) {
			return err
		}
		head, err := o.repo.Head()
		if err != nil {
			return err
		}
		_, err = o.store.TransitionTask(t.ID, task.StatusReview,
			db.TransitionMeta{Actor: actor, Notes: decision.Reasoning, CommitSHA: head})
		return err

	case ActionRetry:
		wait := kind.RetryAfter()
		o.logger.Warn("transient provider error, backing off",
			"task", t.ID, "kind", string(kind), "wait", wait.String())
		o.sleep(wait)
		return nil

	default:
		return coderError(t.ID, decision)
	}
}

// coderError maps an error decision onto the error taxonomy. The task keeps
// its current status; a human or a later run decides what happens next.
func coderError(taskID string, d CoderDecision) error {
	switch d.ErrorKind {
	case CoderErrTimeout:
		return steroidserrors.Newf(steroidserrors.CodeInvocationTimeout,
			"coder invocation for task %s timed out", taskID).
			WithFix("re-run the loop, raise provider.timeout_seconds, or skip the task")
	case CoderErrNoChanges:
		return steroidserrors.Newf(steroidserrors.CodeCoderNoChanges,
			"coder finished without changes for task %s", taskID).
			WithWhy(d.Reasoning).
			WithFix("inspect the invocation log; clarify the task or skip it")
	default:
		return steroidserrors.Newf(steroidserrors.CodeCoderInvalidState,
			"coder left task %s in an invalid state", taskID).
			WithWhy(d.Reasoning).
			WithFix("inspect the invocation log and the working tree")
	}
}

// reviewerPhase invokes the reviewer on the commit under review and applies
// the verdict.
func (o *Orchestrator) reviewerPhase(ctx context.Context, t *db.Task) error {
	prov, model, err := o.providers.ForRole(o.cfg, provider.RoleReviewer)
	if err != nil {
		return err
	}

	commit, err := o.store.LatestReviewCommit(t.ID)
	if err != nil {
		return err
	}
	subject, patch := "", ""
	if commit != "" {
		if s, err := o.repo.CommitSubject(commit); err == nil {
			subject = s
		}
		if p, err := o.repo.CommitPatch(commit); err == nil {
			patch = util.Truncate(p, o.cfg.Loop.SpecFileMaxChars)
		}
	}

	history, err := o.store.RejectionHistory(t.ID)
	if err != nil {
		return err
	}
	guidance, err := o.store.LatestCoordinatorNote(t.ID)
	if err != nil {
		return err
	}

	prompt, err := buildReviewerPrompt(reviewerPromptInputs{
		Task:      t,
		History:   history,
		Guidance:  guidance,
		SpecText:  o.readSpec(t),
		CommitSHA: commit,
		Subject:   subject,
		Patch:     patch,
	})
	if err != nil {
		return err
	}

	res, kind, err := o.invoke(ctx, prov, model, provider.RoleReviewer, t.ID, prompt)
	if err != nil {
		return err
	}
	if kind == provider.ErrorCreditExhaustion {
		return &PauseError{Alert: PauseAlert{
			Provider: prov.Name(), Model: model, Role: provider.RoleReviewer, Message: creditMessage(res),
		}}
	}

	// The reviewer may have recorded its verdict itself through the CLI.
	fresh, err := o.store.GetTask(t.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return steroidserrors.ErrTaskNotFound(t.ID)
	}
	if fresh.Status != task.StatusReview {
		o.logger.Info("reviewer recorded verdict via command",
			"task", t.ID, "status", string(fresh.Status))
		if fresh.Status == task.StatusInProgress {
			return o.afterRejection(ctx, fresh)
		}
		return nil
	}

	decision := ClassifyReviewerOutput(res.Stdout, t.RejectionCount)
	o.logger.Info("review verdict",
		"task", t.ID,
		"verdict", string(decision.Verdict),
		"confidence", decision.Confidence)

	actor := prov.Name() + "/" + model
	switch decision.Verdict {
	case VerdictApprove:
		notes := decision.Feedback
		if notes == "" {
			notes = "approved by reviewer"
		}
		_, err := o.store.TransitionTask(t.ID, task.StatusCompleted,
			db.TransitionMeta{Actor: actor, Notes: notes, CommitSHA: commit})
		return err

	case VerdictReject:
		updated, err := o.store.TransitionTask(t.ID, task.StatusInProgress,
			db.TransitionMeta{Actor: actor, Notes: decision.Feedback, CommitSHA: commit})
		if err != nil {
			return err
		}
		return o.afterRejection(ctx, updated)

	case VerdictSkip:
		_, err := o.store.TransitionTask(t.ID, task.StatusSkipped,
			db.TransitionMeta{Actor: actor, Notes: "reviewer verdict: skip"})
		return err

	case VerdictDispute:
		if _, err := o.store.TransitionTask(t.ID, task.StatusDisputed,
			db.TransitionMeta{Actor: actor, Notes: decision.Feedback, CommitSHA: commit}); err != nil {
			return err
		}
		reason := decision.Feedback
		if reason == "" {
			reason = "reviewer disputes the task"
		}
		return o.store.CreateDispute(&db.Dispute{
			ID:               o.newID(),
			TaskID:           t.ID,
			Type:             task.DisputeReviewer,
			Reason:           reason,
			ReviewerPosition: decision.Feedback,
			CreatedBy:        actor,
		})

	default:
		o.logger.Warn("ambiguous review verdict, review will re-run",
			"task", t.ID, "confidence", decision.Confidence)
		return nil
	}
}

// afterRejection applies the escalation ladder after review -> in_progress.
// The rejection counter on t is already incremented.
func (o *Orchestrator) afterRejection(ctx context.Context, t *db.Task) error {
	count := t.RejectionCount
	o.logger.Info("task rejected", "task", t.ID, "rejections", count)

	if count >= o.cfg.Loop.MaxRejections {
		if _, err := o.store.TransitionTask(t.ID, task.StatusFailed, db.TransitionMeta{
			Actor: actorSystem,
			Notes: fmt.Sprintf("failed after %d rejections", count),
		}); err != nil {
			return err
		}
		return o.store.CreateDispute(&db.Dispute{
			ID:        o.newID(),
			TaskID:    t.ID,
			Type:      task.DisputeSystem,
			Reason:    fmt.Sprintf("task failed after %d rejections without convergence", count),
			CreatedBy: actorSystem,
		})
	}

	if slices.Contains(o.cfg.Loop.CoordinatorAt, count) {
		return o.coordinatorPass(ctx, t)
	}
	return nil
}

// coordinatorPass asks the coordinator role for a directive and records its
// guidance as a self-transition audit note, where prompt assembly finds it.
func (o *Orchestrator) coordinatorPass(ctx context.Context, t *db.Task) error {
	prov, model, err := o.providers.ForRole(o.cfg, provider.RoleOrchestrator)
	if err != nil {
		return err
	}

	history, err := o.store.RejectionHistory(t.ID)
	if err != nil {
		return err
	}

	prompt, err := buildCoordinatorPrompt(coordinatorPromptInputs{Task: t, History: history})
	if err != nil {
		return err
	}

	res, kind, err := o.invoke(ctx, prov, model, provider.RoleOrchestrator, t.ID, prompt)
	if err != nil {
		return err
	}
	if kind == provider.ErrorCreditExhaustion {
		return &PauseError{Alert: PauseAlert{
			Provider: prov.Name(), Model: model, Role: provider.RoleOrchestrator, Message: creditMessage(res),
		}}
	}

	directive, guidance := ParseCoordinatorOutput(res.Stdout)
	o.logger.Info("coordinator directive", "task", t.ID, "directive", directive)

	note := fmt.Sprintf("[%s] %s", directive, guidance)
	if _, err := o.store.TransitionTask(t.ID, task.StatusInProgress,
		db.TransitionMeta{Actor: actorCoordinator, Notes: note}); err != nil {
		return err
	}

	if directive == DirectiveOverrideReviewer {
		commit, err := o.store.LatestReviewCommit(t.ID)
		if err != nil {
			return err
		}
		_, err = o.store.TransitionTask(t.ID, task.StatusReview, db.TransitionMeta{
			Actor:     actorCoordinator,
			Notes:     "resubmitting current work for review per coordinator override",
			CommitSHA: commit,
		})
		return err
	}
	return nil
}

// invoke records the invocation row, runs the provider, and classifies the
// result. Spawn failures return an error; CLI failures return a result plus
// its error kind.
func (o *Orchestrator) invoke(ctx context.Context, prov provider.Provider, model, role, taskID, prompt string) (*provider.Result, provider.ErrorKind, error) {
	invID := o.newID()
	if err := o.store.StartInvocation(&db.Invocation{
		ID:       invID,
		TaskID:   taskID,
		Role:     role,
		Provider: prov.Name(),
		Model:    model,
	}); err != nil {
		return nil, provider.ErrorUnknown, err
	}

	res, err := prov.Invoke(ctx, prompt, provider.Options{
		Model:        model,
		WorkDir:      o.projectDir,
		Role:         role,
		Timeout:      o.cfg.InvocationTimeout(),
		InvocationID: invID,
	})
	if err != nil {
		return nil, provider.ErrorUnknown, err
	}
	return res, prov.ClassifyResult(res), nil
}

// gitSnapshot gathers the repository state a coder run left behind.
func (o *Orchestrator) gitSnapshot(headBefore string) (GitSnapshot, error) {
	var snap GitSnapshot

	head, err := o.repo.Head()
	if err != nil {
		head = "" // still unborn
	}
	snap.HeadAfter = head

	if head != "" {
		recent, err := o.repo.RecentCommits(commitScanDepth)
		if err != nil {
			return snap, err
		}
		for _, sha := range recent {
			if sha == headBefore {
				break
			}
			snap.NewCommits = append(snap.NewCommits, sha)
		}
	}

	porcelain, err := o.repo.StatusPorcelain()
	if err != nil {
		return snap, err
	}
	snap.Porcelain = porcelain
	snap.Uncommitted = strings.TrimSpace(porcelain) != ""

	summary, err := o.repo.DiffSummary()
	if err != nil {
		return snap, err
	}
	snap.DiffSummary = summary

	return snap, nil
}

// readSpec loads the task's linked specification file, truncated for
// prompt injection.
func (o *Orchestrator) readSpec(t *db.Task) string {
	if t.SpecPath == "" {
		return ""
	}
	path := t.SpecPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.projectDir, path)
	}
	return readFileTruncated(path, o.cfg.Loop.SpecFileMaxChars)
}

// creditMessage extracts a short human-readable message from a
// credit-exhausted invocation.
func creditMessage(res *provider.Result) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if len(msg) > 200 {
		msg = msg[len(msg)-200:]
	}
	if msg == "" {
		msg = "provider reports exhausted credits"
	}
	return msg
}

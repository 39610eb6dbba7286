package merge

import (
	"context"
	"errors"
	"fmt"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
)

// applyAll cherry-picks every sealed commit of every workstream onto the
// integration branch, consulting the progress checkpoint before each
// position:
//
//	row for a different source  -> clear checkpoint, fresh attempt
//	applied + still on branch   -> skip, already integrated
//	applied + rolled back       -> clear checkpoint, retry
//	skipped                     -> honor the skip
//	conflict + pick in flight   -> resume the conflict sub-loop
//	conflict + nothing in flight-> retry from scratch
//	no row                      -> fresh attempt
func (e *Engine) applyAll(ctx context.Context, repo *git.Repo, p *plan, workstreams []*db.Workstream, res *Result) error {
	for _, w := range workstreams {
		for pos, sha := range w.SealedCommits {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if err := e.applyOne(ctx, repo, p, w, pos, sha, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) applyOne(ctx context.Context, repo *git.Repo, p *plan, w *db.Workstream, pos int, sha string, res *Result) error {
	prev, err := e.global.GetMergeProgress(p.sessionID, w.ID, pos)
	if err != nil {
		return err
	}
	if prev != nil && prev.SourceSHA != sha {
		// The checkpoint was taken for a different source commit at this
		// position; it says nothing about the commit now sealed here.
		e.logger.Warn("checkpoint source mismatch, retrying position",
			"workstream", w.ID, "position", pos,
			"checkpointed", shortID(prev.SourceSHA), "sealed", shortID(sha))
		if err := e.global.ClearMergeProgress(p.sessionID, w.ID, pos); err != nil {
			return err
		}
		prev = nil
	}
	if prev != nil {
		switch prev.Status {
		case db.ProgressApplied:
			if prev.AppliedSHA != "" {
				ok, err := repo.BranchContains(prev.AppliedSHA, "HEAD")
				if err != nil {
					return err
				}
				if ok {
					res.CompletedCommits++
					return nil
				}
			}
			// The applied commit is gone from the integration branch
			// (rolled back by hand); forget the checkpoint and retry.
			e.logger.Warn("applied commit missing from integration branch, retrying",
				"workstream", w.ID, "position", pos, "applied", shortID(prev.AppliedSHA))
			if err := e.global.ClearMergeProgress(p.sessionID, w.ID, pos); err != nil {
				return err
			}
		case db.ProgressSkipped:
			res.Skipped++
			return nil
		case db.ProgressConflict:
			if repo.CherryPickInProgress() {
				res.Conflicts++
				return e.finishConflict(ctx, repo, p, w, pos, sha, prev.Notes, res)
			}
			// The conflicted pick is no longer in flight (aborted by a
			// human); fall through to a fresh attempt.
		}
	}

	if err := repo.CherryPick(sha); err != nil {
		if errors.Is(err, git.ErrCherryPickConflict) {
			res.Conflicts++
			if err := e.checkpointConflict(p, w, pos, sha, "cherry-pick reported conflicts"); err != nil {
				return err
			}
			return e.finishConflict(ctx, repo, p, w, pos, sha, "", res)
		}
		return steroidserrors.Wrap(err, steroidserrors.CodeGitError,
			fmt.Sprintf("cherry-pick %s (workstream %s position %d)", shortID(sha), w.ID, pos))
	}
	return e.checkpointApplied(repo, p, w, pos, sha, res)
}

// finishConflict drives the coder/reviewer sub-loop for a conflicted pick
// and checkpoints the result.
func (e *Engine) finishConflict(ctx context.Context, repo *git.Repo, p *plan, w *db.Workstream, pos int, sha, priorNotes string, res *Result) error {
	if err := e.resolveConflict(ctx, repo, p, w, pos, sha, priorNotes); err != nil {
		return err
	}
	return e.checkpointApplied(repo, p, w, pos, sha, res)
}

// checkpointApplied records a successful pick: the rewritten SHA now on the
// integration branch, keyed to the source position.
func (e *Engine) checkpointApplied(repo *git.Repo, p *plan, w *db.Workstream, pos int, sha string, res *Result) error {
	applied, err := repo.Head()
	if err != nil {
		return err
	}
	if err := e.global.UpsertMergeProgress(&db.MergeProgress{
		SessionID:    p.sessionID,
		WorkstreamID: w.ID,
		Position:     pos,
		SourceSHA:    sha,
		Status:       db.ProgressApplied,
		AppliedSHA:   applied,
	}); err != nil {
		return err
	}
	res.CompletedCommits++
	e.logger.Debug("commit applied",
		"workstream", w.ID, "position", pos,
		"source", shortID(sha), "applied", shortID(applied))
	return nil
}

func (e *Engine) checkpointConflict(p *plan, w *db.Workstream, pos int, sha, notes string) error {
	return e.global.UpsertMergeProgress(&db.MergeProgress{
		SessionID:    p.sessionID,
		WorkstreamID: w.ID,
		Position:     pos,
		SourceSHA:    sha,
		Status:       db.ProgressConflict,
		Notes:        notes,
	})
}

package merge

import (
	"fmt"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
)

// seal captures the immutable commit identity of every unsealed workstream
// in one transaction: the ordered commit list relative to mainline, the
// branch head, and the merge base. Completion order continues from the
// highest order already assigned in the session.
//
// Already-sealed workstreams are only checked for force-pushes: a remote
// head that no longer matches the sealed head means the branch was rewritten
// after sealing, and merging it would integrate commits nobody audited.
func (e *Engine) seal(repo *git.Repo, p *plan, workstreams []*db.Workstream) error {
	all, err := e.global.ListWorkstreams(p.sessionID)
	if err != nil {
		return err
	}
	nextOrder := 1
	for i := range all {
		if o := all[i].CompletionOrder; o != nil && *o >= nextOrder {
			nextOrder = *o + 1
		}
	}

	var seals []db.WorkstreamSeal
	for _, w := range workstreams {
		if w.SealedHeadSHA != "" {
			if err := e.checkSealedHead(repo, p, w); err != nil {
				return err
			}
			continue
		}

		ref := p.remote + "/" + w.Branch
		commits, err := repo.CommitList(p.mainBranch, ref)
		if err != nil {
			if !repo.RemoteBranchExists(p.remote, w.Branch) {
				return steroidserrors.Newf(steroidserrors.CodeRemoteBranchMissing,
					"workstream %s branch %s does not exist on %s", w.ID, w.Branch, p.remote).
					WithWhy("the branch was never pushed, or was deleted before sealing").
					WithFix("push the workstream branch, or merge the session without this workstream")
			}
			return steroidserrors.Wrap(err, steroidserrors.CodeCommitListFailed,
				fmt.Sprintf("list commits for workstream %s", w.ID))
		}
		head, err := repo.RevParse(ref)
		if err != nil {
			return steroidserrors.Wrap(err, steroidserrors.CodeRemoteBranchMissing,
				fmt.Sprintf("resolve head of %s", ref))
		}
		base, err := repo.MergeBase(p.remote+"/"+p.mainBranch, ref)
		if err != nil {
			return steroidserrors.Wrap(err, steroidserrors.CodeGitError,
				fmt.Sprintf("merge base of %s and %s", p.mainBranch, ref))
		}

		seals = append(seals, db.WorkstreamSeal{
			Workstream:      w,
			BaseSHA:         base,
			HeadSHA:         head,
			Commits:         commits,
			CompletionOrder: nextOrder,
		})
		nextOrder++
	}

	if len(seals) == 0 {
		return nil
	}
	if err := e.global.SealWorkstreams(seals); err != nil {
		return err
	}
	for i := range seals {
		e.logger.Info("workstream sealed",
			"workstream", seals[i].Workstream.ID,
			"commits", len(seals[i].Commits),
			"order", seals[i].CompletionOrder)
	}
	return nil
}

// checkSealedHead guards a resumed merge against a force-pushed workstream
// branch. A missing remote branch is fine: cleanup of an earlier partial
// run may already have deleted it, and the sealed list is authoritative.
func (e *Engine) checkSealedHead(repo *git.Repo, p *plan, w *db.Workstream) error {
	if !repo.RemoteBranchExists(p.remote, w.Branch) {
		return nil
	}
	cur, err := repo.RevParse(p.remote + "/" + w.Branch)
	if err != nil {
		return steroidserrors.Wrap(err, steroidserrors.CodeGitError,
			fmt.Sprintf("resolve head of %s/%s", p.remote, w.Branch))
	}
	if cur != w.SealedHeadSHA {
		return steroidserrors.Newf(steroidserrors.CodeSealedHeadMoved,
			"workstream %s branch %s moved from sealed head %s to %s",
			w.ID, w.Branch, shortID(w.SealedHeadSHA), shortID(cur)).
			WithWhy("the branch was force-pushed after sealing; the sealed commit list no longer matches the remote").
			WithFix("inspect the branch history; if the rewrite is intended, clear the session's merge progress and re-run")
	}
	return nil
}

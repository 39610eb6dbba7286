package merge

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/provider"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/templates"
)

// Prompt payloads are bounded so a giant patch cannot blow the provider's
// context window.
const (
	conflictPatchMaxChars = 10000
	conflictDiffMaxChars  = 15000
	conflictNotesMaxChars = 2000
)

// defaultRejectNotes is stored when the reviewer produced no parseable
// verdict. Ambiguity counts as rejection: an unresolved conflict must never
// ride into mainline on a shrug.
const defaultRejectNotes = "reviewer output contained no APPROVE verdict; treating as rejection"

// resolveConflict runs the coder/reviewer loop for one conflicted
// cherry-pick. Each round the coder resolves and stages inside the
// integration workspace, the reviewer judges the staged diff, and an
// approval continues the cherry-pick. Rejections feed the reviewer's notes
// back to the coder and bump the workstream's conflict counter; at the
// configured limit the session blocks for a human, with the conflict left
// in place on disk.
func (e *Engine) resolveConflict(ctx context.Context, repo *git.Repo, p *plan, w *db.Workstream, pos int, sha, priorNotes string) error {
	coder, coderModel, err := e.providers.ForRole(e.cfg, provider.RoleCoder)
	if err != nil {
		return err
	}
	reviewer, reviewerModel, err := e.providers.ForRole(e.cfg, provider.RoleReviewer)
	if err != nil {
		return err
	}

	subject, err := repo.CommitSubject(sha)
	if err != nil {
		return err
	}
	patch, err := repo.CommitPatch(sha)
	if err != nil {
		return err
	}

	notes := priorNotes
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if w.ConflictAttempts >= e.cfg.Merge.ConflictAttemptLimit {
			e.logger.Error("conflict attempt limit reached, blocking session",
				"session", p.sessionID, "workstream", w.ID,
				"attempts", w.ConflictAttempts)
			if serr := e.global.SetSessionStatus(p.sessionID, db.SessionBlockedConflict); serr != nil {
				return serr
			}
			return steroidserrors.ErrConflictAttemptLimit(w.ID, w.ConflictAttempts)
		}

		files, err := repo.UnmergedFiles()
		if err != nil {
			return err
		}
		prompt, err := e.conflictPrompt(w, sha, subject, files, patch, notes)
		if err != nil {
			return err
		}
		if _, err := coder.Invoke(ctx, prompt, provider.Options{
			Role:         provider.RoleCoder,
			Model:        coderModel,
			WorkDir:      repo.Dir(),
			Timeout:      e.cfg.InvocationTimeout(),
			InvocationID: e.newID(),
		}); err != nil {
			return err
		}

		// Conflict stages only clear on an explicit add, so stage the
		// whole tree before checking what the coder left behind.
		if err := repo.StageAll(); err != nil {
			return err
		}
		if left, err := repo.UnmergedFiles(); err != nil {
			return err
		} else if len(left) > 0 {
			notes = "unresolved conflict markers remain in: " + strings.Join(left, ", ")
			if err := e.recordRejection(p, w, pos, sha, notes); err != nil {
				return err
			}
			continue
		}

		stagedDiff, err := repo.DiffStaged()
		if err != nil {
			return err
		}
		resolved, err := repo.DiffStagedNames()
		if err != nil {
			return err
		}
		reviewPrompt, err := e.conflictReviewPrompt(w, sha, subject, resolved, stagedDiff)
		if err != nil {
			return err
		}
		rres, err := reviewer.Invoke(ctx, reviewPrompt, provider.Options{
			Role:         provider.RoleReviewer,
			Model:        reviewerModel,
			WorkDir:      repo.Dir(),
			Timeout:      e.cfg.InvocationTimeout(),
			InvocationID: e.newID(),
		})
		if err != nil {
			return err
		}

		decision := ParseReviewDecision(rres.Stdout)
		if decision.Approved {
			e.logger.Info("conflict resolution approved",
				"workstream", w.ID, "position", pos, "commit", shortID(sha))
			if err := repo.CherryPickContinue(); err != nil {
				return steroidserrors.Wrap(err, steroidserrors.CodeGitError,
					fmt.Sprintf("continue cherry-pick of %s after approval", shortID(sha)))
			}
			return nil
		}

		notes = decision.Notes
		e.logger.Warn("conflict resolution rejected",
			"workstream", w.ID, "position", pos, "notes", util.Truncate(notes, 200))
		if err := e.recordRejection(p, w, pos, sha, notes); err != nil {
			return err
		}
	}
}

// recordRejection checkpoints a failed resolution round and bumps the
// fenced attempt counter.
func (e *Engine) recordRejection(p *plan, w *db.Workstream, pos int, sha, notes string) error {
	if _, err := e.global.IncrementConflictAttempts(w); err != nil {
		return err
	}
	return e.checkpointConflict(p, w, pos, sha, util.Truncate(notes, conflictNotesMaxChars))
}

func (e *Engine) conflictPrompt(w *db.Workstream, sha, subject string, files []string, patch, priorNotes string) (string, error) {
	tpl, err := templates.Load("conflict.md")
	if err != nil {
		return "", err
	}
	prompt := templates.Render(tpl, map[string]string{
		"COMMIT_SHA":     sha,
		"WORKSTREAM_ID":  w.ID,
		"BRANCH_NAME":    w.Branch,
		"COMMIT_MESSAGE": subject,
		"CONFLICT_FILES": fileList(files),
		"COMMIT_PATCH":   util.Truncate(patch, conflictPatchMaxChars),
	})
	if priorNotes != "" {
		prompt += "\n## Previous Review Feedback\n\nYour last resolution was rejected:\n\n" +
			util.Truncate(priorNotes, conflictNotesMaxChars) +
			"\n\nAddress this feedback in the staged result.\n"
	}
	return prompt, nil
}

func (e *Engine) conflictReviewPrompt(w *db.Workstream, sha, subject string, resolved []string, stagedDiff string) (string, error) {
	tpl, err := templates.Load("conflict_review.md")
	if err != nil {
		return "", err
	}
	return templates.Render(tpl, map[string]string{
		"COMMIT_SHA":     sha,
		"WORKSTREAM_ID":  w.ID,
		"COMMIT_MESSAGE": subject,
		"RESOLVED_FILES": fileList(resolved),
		"STAGED_DIFF":    util.Truncate(stagedDiff, conflictDiffMaxChars),
	}), nil
}

func fileList(files []string) string {
	if len(files) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(files, "\n- ")
}

// ReviewDecision is a parsed conflict-review verdict.
type ReviewDecision struct {
	Approved bool
	Notes    string
}

var (
	approveVerdictRe = regexp.MustCompile(`\bAPPROVED?\b`)
	rejectVerdictRe  = regexp.MustCompile(`\bREJECT(?:ED)?\b`)
)

// ParseReviewDecision reads a reviewer's conflict verdict. Any REJECT token
// rejects, even alongside an APPROVE; an APPROVE alone approves; anything
// else (including empty output) rejects with default notes.
func ParseReviewDecision(output string) ReviewDecision {
	trimmed := strings.TrimSpace(output)
	switch {
	case rejectVerdictRe.MatchString(trimmed):
		return ReviewDecision{Approved: false, Notes: verdictNotes(trimmed, rejectVerdictRe)}
	case approveVerdictRe.MatchString(trimmed):
		return ReviewDecision{Approved: true, Notes: verdictNotes(trimmed, approveVerdictRe)}
	default:
		return ReviewDecision{Approved: false, Notes: defaultRejectNotes}
	}
}

// verdictNotes extracts the explanation following the verdict token on its
// line, falling back to the whole output.
func verdictNotes(output string, verdict *regexp.Regexp) string {
	for _, line := range strings.Split(output, "\n") {
		loc := verdict.FindStringIndex(line)
		if loc == nil {
			continue
		}
		rest := strings.TrimLeft(line[loc[1]:], " \t:-")
		rest = strings.TrimSpace(rest)
		if rest != "" {
			return rest
		}
	}
	return strings.TrimSpace(output)
}

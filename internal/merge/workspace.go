package merge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
)

// prepareWorkspace opens the integration clone for a session, creating it
// when this is the first run. A clone left behind by a crashed merge is
// reused as-is so its progress (including a mid-flight cherry-pick) is
// preserved.
func (e *Engine) prepareWorkspace(session *db.Session, p *plan) (*git.Repo, error) {
	if info, err := os.Stat(filepath.Join(p.integrationDir, ".git")); err == nil && info.IsDir() {
		repo, err := git.Open(p.integrationDir, e.gitOptions()...)
		if err != nil {
			return nil, err
		}
		cur, err := repo.CurrentBranch()
		if err != nil {
			return nil, err
		}
		if cur != p.integrationBranch {
			if err := repo.Checkout(p.integrationBranch); err != nil {
				return nil, steroidserrors.Wrap(err, steroidserrors.CodeGitError,
					fmt.Sprintf("integration workspace %s is on branch %s", p.integrationDir, cur)).
					WithFix("remove the workspace directory to start the merge from scratch")
			}
		}
		return repo, nil
	}

	if err := os.MkdirAll(p.workspaceHome, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	// Clone from the local project for speed, then point origin back at
	// the project's real upstream so fetches and the final push hit the
	// shared remote.
	repo, err := git.Clone(session.ProjectPath, p.integrationDir, e.gitOptions()...)
	if err != nil {
		return nil, err
	}
	if url := e.projectRemoteURL(session.ProjectPath, p.remote); url != "" {
		if err := repo.SetRemoteURL(p.remote, url); err != nil {
			return nil, err
		}
	}
	if err := repo.Checkout(p.mainBranch); err != nil {
		return nil, steroidserrors.Wrap(err, steroidserrors.CodeGitError,
			fmt.Sprintf("checkout %s in integration workspace", p.mainBranch))
	}
	if err := repo.CheckoutNewBranch(p.integrationBranch); err != nil {
		if errors.Is(err, git.ErrBranchExists) {
			if err := repo.Checkout(p.integrationBranch); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	return repo, nil
}

// projectRemoteURL reads the project's configured remote URL, or "" when
// the project has no such remote.
func (e *Engine) projectRemoteURL(projectPath, remote string) string {
	project, err := git.Open(projectPath, e.gitOptions()...)
	if err != nil {
		return ""
	}
	url, err := project.RemoteURL(remote)
	if err != nil {
		return ""
	}
	return url
}

func (e *Engine) gitOptions() []git.Option {
	if e.gitRunner != nil {
		return []git.Option{git.WithRunner(e.gitRunner)}
	}
	return nil
}

package merge

import (
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/git"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// cleanup tears down the merged workstreams after a successful push:
// remote branches deleted, stale tracking refs pruned, clone directories
// removed. Every step is best-effort; a half-cleaned workspace costs disk,
// not correctness.
func (e *Engine) cleanup(repo *git.Repo, p *plan, workstreams []*db.Workstream) {
	for _, w := range workstreams {
		if err := repo.PushDelete(p.remote, w.Branch); err != nil {
			e.logger.Warn("delete remote branch", "branch", w.Branch, "error", err)
		}
	}
	if err := repo.RemotePrune(p.remote); err != nil {
		e.logger.Warn("prune remote", "remote", p.remote, "error", err)
	}
	for _, w := range workstreams {
		e.removeWorkspace(p, w.WorkspacePath)
	}
	e.removeWorkspace(p, repo.Dir())
}

// removeWorkspace deletes a clone directory, but only inside this project's
// hashed workspace root. Workstream rows carry their paths as data; a
// corrupted or hostile path must never turn cleanup into rm -rf elsewhere.
func (e *Engine) removeWorkspace(p *plan, path string) {
	if path == "" {
		return
	}
	if !util.IsPathWithin(p.workspaceHome, path) {
		e.logger.Warn("refusing to remove path outside workspace root",
			"path", path, "root", p.workspaceHome)
		return
	}
	if err := e.removeAll(path); err != nil {
		e.logger.Warn("remove workspace", "path", path, "error", err)
		return
	}
	e.logger.Debug("workspace removed", "path", path)
}

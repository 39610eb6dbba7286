package git

import "errors"

// Sentinel errors for git operations.
var (
	// ErrNotGitRepo indicates the path is not inside a git work tree.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrBranchExists indicates the branch already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrNothingToCommit indicates there are no staged changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrCherryPickConflict indicates a cherry-pick stopped on conflicts and
	// is waiting for resolution.
	ErrCherryPickConflict = errors.New("cherry-pick conflict")

	// ErrNonFastForward indicates a pull could not fast-forward because the
	// local and remote branches diverged.
	ErrNonFastForward = errors.New("non-fast-forward")

	// ErrPushRejected indicates the remote reported an error during push.
	ErrPushRejected = errors.New("push rejected by remote")
)

// GitError wraps a git command failure with the operation that ran it.
type GitError struct {
	Op     string // Operation that failed (e.g. "push", "cherry-pick")
	Output string // Combined stdout/stderr output, when captured
	Err    error  // Underlying error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return e.Op + ": " + e.Output
	}
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": git command failed"
}

func (e *GitError) Unwrap() error {
	return e.Err
}

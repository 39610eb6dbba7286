// Package git wraps the git binary for steroids.
//
// All operations shell out through a CommandRunner so tests can substitute
// a scripted responder. Paths handed to Repo are always absolute.
package git

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Repo is a handle on a single git checkout.
type Repo struct {
	dir    string
	runner CommandRunner
}

// Option configures a Repo.
type Option func(*Repo)

// WithRunner sets a custom command runner. Used by tests to inject a
// scripted responder.
func WithRunner(runner CommandRunner) Option {
	return func(r *Repo) {
		r.runner = runner
	}
}

// Open returns a Repo for an existing checkout. It verifies the directory
// is inside a git work tree.
func Open(dir string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	r := &Repo{dir: abs, runner: NewExecRunner()}
	for _, opt := range opts {
		opt(r)
	}

	if _, err := r.run("rev-parse", "--git-dir"); err != nil {
		return nil, ErrNotGitRepo
	}
	return r, nil
}

// Clone clones src into dst and returns a Repo on the new checkout.
// The destination directory must not already contain a checkout.
func Clone(src, dst string, opts ...Option) (*Repo, error) {
	r := &Repo{dir: dst, runner: NewExecRunner()}
	for _, opt := range opts {
		opt(r)
	}

	// Clone runs from the parent so dst may not exist yet.
	parent := filepath.Dir(dst)
	if _, err := r.runner.Run(parent, "clone", src, dst); err != nil {
		return nil, &GitError{Op: "clone", Err: err}
	}
	return r, nil
}

// Dir returns the checkout directory.
func (r *Repo) Dir() string {
	return r.dir
}

func (r *Repo) run(args ...string) (string, error) {
	return r.runner.Run(r.dir, args...)
}

// Run executes an arbitrary git command in the checkout and returns stdout.
func (r *Repo) Run(args ...string) (string, error) {
	return r.run(args...)
}

// --- Queries ---

// StatusPorcelain returns `git status --porcelain` output.
func (r *Repo) StatusPorcelain() (string, error) {
	out, err := r.run("status", "--porcelain")
	if err != nil {
		return "", &GitError{Op: "status", Err: err}
	}
	return out, nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (r *Repo) IsClean() (bool, error) {
	status, err := r.StatusPorcelain()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(status) == "", nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	out, err := r.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", &GitError{Op: "current branch", Err: err}
	}
	return out, nil
}

// Head returns the HEAD commit SHA.
func (r *Repo) Head() (string, error) {
	return r.RevParse("HEAD")
}

// RevParse resolves a ref to a commit SHA.
func (r *Repo) RevParse(ref string) (string, error) {
	out, err := r.run("rev-parse", ref)
	if err != nil {
		return "", &GitError{Op: "rev-parse " + ref, Err: err}
	}
	return out, nil
}

// MergeBase returns the best common ancestor of two refs.
func (r *Repo) MergeBase(a, b string) (string, error) {
	out, err := r.run("merge-base", a, b)
	if err != nil {
		return "", &GitError{Op: "merge-base", Err: err}
	}
	return out, nil
}

// CommitList returns the commits reachable from head but not base, oldest
// first. This is the sealing query for workstream branches.
func (r *Repo) CommitList(base, head string) ([]string, error) {
	out, err := r.run("log", base+".."+head, "--format=%H", "--reverse")
	if err != nil {
		return nil, &GitError{Op: "commit list", Err: err}
	}
	return splitLines(out), nil
}

// CommitSubject returns the one-line subject of a commit.
func (r *Repo) CommitSubject(sha string) (string, error) {
	out, err := r.run("log", "-1", "--format=%s", sha)
	if err != nil {
		return "", &GitError{Op: "commit subject", Err: err}
	}
	return out, nil
}

// CommitPatch returns the full patch text of a commit.
func (r *Repo) CommitPatch(sha string) (string, error) {
	out, err := r.run("show", sha)
	if err != nil {
		return "", &GitError{Op: "show", Err: err}
	}
	return out, nil
}

// RecentCommits returns the newest n commit SHAs on HEAD, newest first.
func (r *Repo) RecentCommits(n int) ([]string, error) {
	out, err := r.run("log", fmt.Sprintf("-%d", n), "--format=%H")
	if err != nil {
		// An unborn branch has no commits yet.
		return nil, nil
	}
	return splitLines(out), nil
}

// BranchContains reports whether the commit is reachable from ref.
func (r *Repo) BranchContains(sha, ref string) (bool, error) {
	out, err := r.run("branch", "--contains", sha, "--format=%(refname:short)")
	if err != nil {
		return false, &GitError{Op: "branch --contains", Err: err}
	}
	if ref == "HEAD" {
		// Any local branch listing counts as reachable from the current tip.
		return strings.TrimSpace(out) != "", nil
	}
	for _, line := range splitLines(out) {
		if line == ref {
			return true, nil
		}
	}
	return false, nil
}

// DiffStaged returns the staged diff.
func (r *Repo) DiffStaged() (string, error) {
	out, err := r.run("diff", "--cached")
	if err != nil {
		return "", &GitError{Op: "diff staged", Err: err}
	}
	return out, nil
}

// DiffStagedNames returns the file names in the staged diff.
func (r *Repo) DiffStagedNames() ([]string, error) {
	out, err := r.run("diff", "--cached", "--name-only")
	if err != nil {
		return nil, &GitError{Op: "diff staged names", Err: err}
	}
	return splitLines(out), nil
}

// DiffSummary returns a short stat of unstaged changes.
func (r *Repo) DiffSummary() (string, error) {
	out, err := r.run("diff", "--stat")
	if err != nil {
		return "", &GitError{Op: "diff summary", Err: err}
	}
	return out, nil
}

// UnmergedFiles returns the paths still in conflict during a merge or
// cherry-pick.
func (r *Repo) UnmergedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, &GitError{Op: "unmerged files", Err: err}
	}
	return splitLines(out), nil
}

// CherryPickInProgress reports whether a cherry-pick is mid-flight in the
// checkout.
func (r *Repo) CherryPickInProgress() bool {
	_, err := r.run("rev-parse", "--verify", "--quiet", "CHERRY_PICK_HEAD")
	return err == nil
}

// RemoteBranchExists reports whether remote/branch resolves.
func (r *Repo) RemoteBranchExists(remote, branch string) bool {
	_, err := r.run("rev-parse", "--verify", "--quiet", remote+"/"+branch)
	return err == nil
}

// --- Mutations ---

// Checkout switches to the given ref.
func (r *Repo) Checkout(ref string) error {
	if _, err := r.run("checkout", ref); err != nil {
		return &GitError{Op: "checkout", Err: err}
	}
	return nil
}

// CheckoutNewBranch creates a branch at HEAD and switches to it.
func (r *Repo) CheckoutNewBranch(name string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	if _, err := r.run("checkout", "-b", name); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return ErrBranchExists
		}
		return &GitError{Op: "checkout -b", Err: err}
	}
	return nil
}

// Fetch fetches refs from the remote with pruning. Additional refspecs
// narrow the fetch to specific branches.
func (r *Repo) Fetch(remote string, refspecs ...string) error {
	args := append([]string{"fetch", "--prune", remote}, refspecs...)
	if _, err := r.run(args...); err != nil {
		return &GitError{Op: "fetch", Err: err}
	}
	return nil
}

// PullFFOnly fast-forwards the current branch from the remote. Divergence
// is an error.
func (r *Repo) PullFFOnly(remote, branch string) error {
	out, err := r.run("pull", "--ff-only", remote, branch)
	if err != nil {
		if strings.Contains(err.Error(), "Not possible to fast-forward") ||
			strings.Contains(err.Error(), "diverg") {
			return ErrNonFastForward
		}
		return &GitError{Op: "pull --ff-only", Output: out, Err: err}
	}
	return nil
}

// CherryPick applies a single commit onto HEAD. A conflict is reported as
// ErrCherryPickConflict so callers can enter conflict resolution.
func (r *Repo) CherryPick(sha string) error {
	out, err := r.run("cherry-pick", sha)
	if err != nil {
		combined := out + " " + err.Error()
		if strings.Contains(combined, "CONFLICT") ||
			strings.Contains(combined, "could not apply") ||
			strings.Contains(combined, "after resolving the conflicts") {
			return ErrCherryPickConflict
		}
		return &GitError{Op: "cherry-pick", Output: out, Err: err}
	}
	return nil
}

// CherryPickContinue finishes a conflicted cherry-pick after resolution.
// core.editor is forced to true so git keeps the default commit message
// without opening an editor.
func (r *Repo) CherryPickContinue() error {
	out, err := r.run("-c", "core.editor=true", "cherry-pick", "--continue")
	if err != nil {
		return &GitError{Op: "cherry-pick --continue", Output: out, Err: err}
	}
	return nil
}

// CherryPickAbort abandons an in-flight cherry-pick.
func (r *Repo) CherryPickAbort() error {
	if _, err := r.run("cherry-pick", "--abort"); err != nil {
		return &GitError{Op: "cherry-pick --abort", Err: err}
	}
	return nil
}

// StageAll stages every change in the working tree.
func (r *Repo) StageAll() error {
	if _, err := r.run("add", "-A"); err != nil {
		return &GitError{Op: "stage all", Err: err}
	}
	return nil
}

// Commit records the staged changes.
func (r *Repo) Commit(message string) error {
	out, err := r.run("commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") ||
			strings.Contains(err.Error(), "nothing to commit") {
			return ErrNothingToCommit
		}
		return &GitError{Op: "commit", Output: out, Err: err}
	}
	return nil
}

// Push pushes a branch to the remote. Git sometimes reports hook and
// ref-update failures on stdout with a zero exit, so the output is also
// scanned for error markers.
func (r *Repo) Push(remote, branch string) error {
	out, err := r.run("push", remote, branch)
	if err != nil {
		return &GitError{Op: "push", Output: out, Err: err}
	}
	if strings.Contains(out, "error:") || strings.Contains(out, "fatal:") {
		return &GitError{Op: "push", Output: out, Err: ErrPushRejected}
	}
	return nil
}

// PushDelete removes a branch from the remote.
func (r *Repo) PushDelete(remote, branch string) error {
	if _, err := r.run("push", remote, "--delete", branch); err != nil {
		return &GitError{Op: "push --delete", Err: err}
	}
	return nil
}

// RemotePrune drops remote-tracking refs that no longer exist upstream.
func (r *Repo) RemotePrune(remote string) error {
	if _, err := r.run("remote", "prune", remote); err != nil {
		return &GitError{Op: "remote prune", Err: err}
	}
	return nil
}

// RemoteURL returns the fetch URL configured for a remote.
func (r *Repo) RemoteURL(remote string) (string, error) {
	out, err := r.run("remote", "get-url", remote)
	if err != nil {
		return "", &GitError{Op: "remote get-url", Err: err}
	}
	return out, nil
}

// SetRemoteURL points a remote at a new URL. Local clones inherit their
// source path as origin; this redirects them at the real upstream.
func (r *Repo) SetRemoteURL(remote, url string) error {
	if _, err := r.run("remote", "set-url", remote, url); err != nil {
		return &GitError{Op: "remote set-url", Err: err}
	}
	return nil
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

package git

import (
	"bytes"
	"os/exec"
	"strings"
)

// CommandRunner runs one git invocation. The seam exists so tests can
// substitute a scripted responder for the git binary.
type CommandRunner interface {
	// Run executes git with args in workDir and returns the trimmed
	// stdout. On failure the stderr (falling back to stdout) comes back
	// both as the first value and inside the error.
	Run(workDir string, args ...string) (stdout string, err error)
}

// ExecRunner invokes the real git binary.
type ExecRunner struct{}

// NewExecRunner returns the production runner.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

// Run shells out to git.
func (r *ExecRunner) Run(workDir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		out := strings.TrimSpace(stderr.String())
		if out == "" {
			out = strings.TrimSpace(stdout.String())
		}
		if out == "" {
			out = err.Error()
		}
		return out, &CommandError{Args: args, WorkDir: workDir, Output: out, Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError is a failed git invocation and whatever the binary said
// about it.
type CommandError struct {
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "git " + strings.Join(e.Args, " ") + " failed"
}

func (e *CommandError) Unwrap() error { return e.Err }

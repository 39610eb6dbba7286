// Package errors provides structured error types for steroids.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for steroids.
const (
	// Initialization and store errors
	CodeNotInitialized    Code = "NOT_INITIALIZED"
	CodeMigrationRequired Code = "MIGRATION_REQUIRED"

	// Task store errors
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeSectionNotFound   Code = "SECTION_NOT_FOUND"
	CodeSectionAmbiguous  Code = "SECTION_AMBIGUOUS"
	CodeTaskLocked        Code = "TASK_LOCKED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeCyclicDependency  Code = "CYCLIC_DEPENDENCY"
	CodeDisputeOpen       Code = "DISPUTE_OPEN"

	// Git errors
	CodeDirtyWorktree       Code = "DIRTY_WORKTREE"
	CodeRemoteBranchMissing Code = "REMOTE_BRANCH_MISSING"
	CodeSealedHeadMoved     Code = "SEALED_HEAD_MOVED"
	CodePullFailed          Code = "PULL_FAILED"
	CodeNonFastForward      Code = "NON_FAST_FORWARD"
	CodePushFailed          Code = "PUSH_FAILED"
	CodeFetchFailed         Code = "FETCH_FAILED"
	CodeGitError            Code = "GIT_ERROR"
	CodeCommitListFailed    Code = "COMMIT_LIST_FAILED"

	// Lease and lock errors
	CodeMergeLockHeld          Code = "MERGE_LOCK_HELD"
	CodeMergeLockFenceLost     Code = "MERGE_LOCK_FENCE_LOST"
	CodeMergeLockEpochMismatch Code = "MERGE_LOCK_EPOCH_MISMATCH"
	CodeMergeLockExpired       Code = "MERGE_LOCK_EXPIRED"
	CodeMergeLockNotFound      Code = "MERGE_LOCK_NOT_FOUND"
	CodeLeaseFenceFailed       Code = "LEASE_FENCE_FAILED"
	CodeSessionConflict        Code = "SESSION_CONFLICT"
	CodeSessionNotFound        Code = "SESSION_NOT_FOUND"
	CodeResourceLocked         Code = "RESOURCE_LOCKED"

	// Merge engine errors
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeConflictAttemptLimit Code = "CONFLICT_ATTEMPT_LIMIT"

	// Provider errors
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeCreditExhaustion    Code = "CREDIT_EXHAUSTION"
	CodeRateLimit           Code = "RATE_LIMIT"
	CodeAuthError           Code = "AUTH_ERROR"
	CodeNetworkError        Code = "NETWORK_ERROR"
	CodeModelNotFound       Code = "MODEL_NOT_FOUND"
	CodeContextExceeded     Code = "CONTEXT_EXCEEDED"
	CodeInvocationTimeout   Code = "INVOCATION_TIMEOUT"

	// Scheduler errors
	CodeSharedDependencyDir Code = "SHARED_DEPENDENCY_DIR"
	CodeWorkspaceUnsafe     Code = "WORKSPACE_UNSAFE"

	// Orchestrator errors
	CodeCoderNoChanges    Code = "CODER_NO_CHANGES"
	CodeCoderInvalidState Code = "CODER_INVALID_STATE"

	// CLI boundary errors
	CodeInvalidArgs  Code = "INVALID_ARGS"
	CodeConfigError  Code = "CONFIG_ERROR"
	CodeHealthFailed Code = "HEALTH_FAILED"
	CodeUnknown      Code = "UNKNOWN"
)

// Exit codes per the CLI contract.
const (
	ExitOK             = 0
	ExitGeneral        = 1
	ExitInvalidArgs    = 2
	ExitNotInitialized = 3
	ExitNotFound       = 4
	ExitPermission     = 5
	ExitResourceLocked = 6
	ExitHealthFailed   = 7
)

// exitCodes maps error codes to process exit codes.
var exitCodes = map[Code]int{
	CodeNotInitialized:    ExitNotInitialized,
	CodeMigrationRequired: ExitNotInitialized,
	CodeConfigError:       ExitNotInitialized,
	CodeTaskNotFound:      ExitNotFound,
	CodeSectionNotFound:   ExitNotFound,
	CodeSessionNotFound:   ExitNotFound,
	CodeMergeLockNotFound: ExitNotFound,
	CodeInvalidArgs:       ExitInvalidArgs,
	CodeSectionAmbiguous:  ExitInvalidArgs,
	CodeTaskLocked:        ExitResourceLocked,
	CodeResourceLocked:    ExitResourceLocked,
	CodeMergeLockHeld:     ExitResourceLocked,
	CodeSessionConflict:   ExitResourceLocked,
	CodeAuthError:         ExitPermission,
	CodeHealthFailed:      ExitHealthFailed,
}

// ExitCodeFor returns the process exit code for an error code.
func ExitCodeFor(code Code) int {
	if ec, ok := exitCodes[code]; ok {
		return ec
	}
	return ExitGeneral
}

// SteroidsError is the structured error type for steroids.
type SteroidsError struct {
	Code  Code   `json:"code"`
	What  string `json:"message"`
	Why   string `json:"details,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *SteroidsError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *SteroidsError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SteroidsError with the same code.
func (e *SteroidsError) Is(target error) bool {
	t, ok := target.(*SteroidsError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// ExitCode returns the process exit code for this error.
func (e *SteroidsError) ExitCode() int {
	return ExitCodeFor(e.Code)
}

// UserMessage returns a human-readable message for CLI output.
func (e *SteroidsError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Envelope is the JSON failure envelope emitted when --json is requested.
type Envelope struct {
	Success bool           `json:"success"`
	Error   *envelopeError `json:"error"`
}

type envelopeError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// JSONEnvelope renders the error as the {success:false, error:{...}} envelope.
func JSONEnvelope(err error) []byte {
	env := Envelope{Success: false, Error: &envelopeError{Code: CodeUnknown, Message: err.Error()}}
	if se := AsSteroidsError(err); se != nil {
		env.Error.Code = se.Code
		env.Error.Message = se.What
		env.Error.Details = se.Why
		if se.Cause != nil {
			if env.Error.Details != "" {
				env.Error.Details += ": "
			}
			env.Error.Details += se.Cause.Error()
		}
	}
	data, jerr := json.Marshal(env)
	if jerr != nil {
		return []byte(`{"success":false,"error":{"code":"UNKNOWN","message":"marshal failure"}}`)
	}
	return data
}

// New creates a SteroidsError with a code and message.
func New(code Code, what string) *SteroidsError {
	return &SteroidsError{Code: code, What: what}
}

// Newf creates a SteroidsError with a formatted message.
func Newf(code Code, format string, args ...any) *SteroidsError {
	return &SteroidsError{Code: code, What: fmt.Sprintf(format, args...)}
}

// Wrap wraps a generic error with a code and message.
func Wrap(err error, code Code, what string) *SteroidsError {
	return &SteroidsError{Code: code, What: what, Cause: err}
}

// WithWhy returns a copy of the error with an explanation attached.
func (e *SteroidsError) WithWhy(why string) *SteroidsError {
	c := *e
	c.Why = why
	return &c
}

// WithFix returns a copy of the error with a suggested fix attached.
func (e *SteroidsError) WithFix(fix string) *SteroidsError {
	c := *e
	c.Fix = fix
	return &c
}

// WithCause returns a copy of the error with the given cause.
func (e *SteroidsError) WithCause(err error) *SteroidsError {
	c := *e
	c.Cause = err
	return &c
}

// AsSteroidsError attempts to convert an error to a SteroidsError.
// Returns nil if the error is not a SteroidsError anywhere in its chain.
func AsSteroidsError(err error) *SteroidsError {
	for err != nil {
		if se, ok := err.(*SteroidsError); ok {
			return se
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// --- Error constructors ---

// ErrNotInitialized reports a project without a .steroids directory.
func ErrNotInitialized(path string) *SteroidsError {
	return &SteroidsError{
		Code: CodeNotInitialized,
		What: "steroids is not initialized in this project",
		Why:  fmt.Sprintf("No .steroids/ directory found at %s", path),
		Fix:  "Run 'steroids init' inside the project to initialize it",
	}
}

// ErrTaskNotFound reports a missing task.
func ErrTaskNotFound(id string) *SteroidsError {
	return &SteroidsError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", id),
		Fix:  "Run 'steroids tasks list' to see available tasks",
	}
}

// ErrSectionNotFound reports a missing section.
func ErrSectionNotFound(ref string) *SteroidsError {
	return &SteroidsError{
		Code: CodeSectionNotFound,
		What: fmt.Sprintf("section %s not found", ref),
		Fix:  "Run 'steroids sections list' to see available sections",
	}
}

// ErrSectionAmbiguous reports a section prefix that matches several sections.
func ErrSectionAmbiguous(prefix string, matches []string) *SteroidsError {
	return &SteroidsError{
		Code: CodeSectionAmbiguous,
		What: fmt.Sprintf("section prefix %q is ambiguous", prefix),
		Why:  fmt.Sprintf("Matches: %s", strings.Join(matches, ", ")),
		Fix:  "Use a longer prefix or the full section id",
	}
}

// ErrCyclicDependency reports a dependency edge that would close a cycle.
func ErrCyclicDependency(from, to string) *SteroidsError {
	return &SteroidsError{
		Code: CodeCyclicDependency,
		What: fmt.Sprintf("dependency %s -> %s would create a cycle", from, to),
		Why:  "Section dependencies must form a directed acyclic graph",
	}
}

// ErrDirtyWorktree reports uncommitted changes blocking a merge.
func ErrDirtyWorktree(path string) *SteroidsError {
	return &SteroidsError{
		Code: CodeDirtyWorktree,
		What: "integration worktree has uncommitted changes",
		Why:  fmt.Sprintf("Workspace %s is dirty and no cherry-pick is in progress", path),
		Fix:  "Inspect the workspace, then re-run the merge to resume",
	}
}

// ErrLeaseFenceFailed reports a lost workstream lease.
func ErrLeaseFenceFailed(workstreamID string) *SteroidsError {
	return &SteroidsError{
		Code: CodeLeaseFenceFailed,
		What: fmt.Sprintf("lease fence failed for workstream %s", workstreamID),
		Why:  "Another runner claimed the workstream; this runner must stop mutating it",
	}
}

// ErrMergeLockFenceLost reports a merge-state mutation under a stale epoch.
func ErrMergeLockFenceLost(sessionID string) *SteroidsError {
	return &SteroidsError{
		Code: CodeMergeLockFenceLost,
		What: fmt.Sprintf("merge lock fence lost for session %s", sessionID),
		Why:  "The merge lock epoch no longer matches; another runner owns the merge",
	}
}

// ErrMergeLockHeld reports an already-held merge lock.
func ErrMergeLockHeld(sessionID, holder string) *SteroidsError {
	return &SteroidsError{
		Code: CodeMergeLockHeld,
		What: fmt.Sprintf("could not acquire merge lock for session %s", sessionID),
		Why:  fmt.Sprintf("Runner %s holds a non-expired lock", holder),
		Fix:  "Wait for the holder to finish or for its lock to expire",
	}
}

// ErrTaskLocked reports a task claimed by another live runner.
func ErrTaskLocked(id string, pid int) *SteroidsError {
	return &SteroidsError{
		Code: CodeTaskLocked,
		What: fmt.Sprintf("task %s is already being executed", id),
		Why:  fmt.Sprintf("Runner pid %d holds the task", pid),
	}
}

// ErrRunnerActive reports a project start guard held by another process.
func ErrRunnerActive(pid int) *SteroidsError {
	e := &SteroidsError{
		Code: CodeResourceLocked,
		What: "a runner is already active for this project",
		Fix:  "Stop it with 'steroids runners stop' or wait for it to finish",
	}
	if pid > 0 {
		e.Why = fmt.Sprintf("Process %d holds the start guard", pid)
	}
	return e
}

// ErrValidationFailed reports a failed validation gate.
func ErrValidationFailed(command string, exitCode int) *SteroidsError {
	return &SteroidsError{
		Code: CodeValidationFailed,
		What: "validation gate failed",
		Why:  fmt.Sprintf("Command %q exited with status %d", command, exitCode),
		Fix:  "Inspect the preserved integration workspace, fix, and re-run the merge",
	}
}

// ErrSharedDependencyDir reports a configuration that would share a mutable
// dependency directory between workstream clones.
func ErrSharedDependencyDir(dir string) *SteroidsError {
	return &SteroidsError{
		Code: CodeSharedDependencyDir,
		What: fmt.Sprintf("shared directory %q cannot be used across workstream clones", dir),
		Why:  "Mutable dependency directories let one workstream corrupt another's build",
		Fix:  "Remove the directory from parallel.shared_dirs",
	}
}

// ErrConflictAttemptLimit reports an exhausted conflict-resolution budget.
func ErrConflictAttemptLimit(workstreamID string, attempts int) *SteroidsError {
	return &SteroidsError{
		Code: CodeConflictAttemptLimit,
		What: fmt.Sprintf("conflict resolution for workstream %s exhausted after %d attempts", workstreamID, attempts),
		Fix:  "Resolve the conflict manually in the integration workspace, then re-run the merge",
	}
}

// Package provider adapts heterogeneous LLM CLI back ends behind a uniform
// invocation interface. Adapters are thin argv builders over a shared
// subprocess executor; error classification lives in an injected Classifier
// rather than in the adapters themselves.
package provider

import (
	"context"
	"time"
)

// Invocation roles. The role selects the provider/model pair from config
// and is recorded on the invocation row.
const (
	RoleOrchestrator = "orchestrator"
	RoleCoder        = "coder"
	RoleReviewer     = "reviewer"
)

// DefaultTimeout bounds an invocation when Options.Timeout is zero.
const DefaultTimeout = 900 * time.Second

// ActivityFunc receives streaming progress lines while an invocation runs.
type ActivityFunc func(line string)

// Options configure a single invocation.
type Options struct {
	// Model identifies the back-end model. Empty selects the adapter's
	// default for the role.
	Model string

	// WorkDir is the directory the provider CLI runs in.
	WorkDir string

	// PromptFile, when set, receives a copy of the prompt before the CLI
	// starts. Some CLIs read it; for the rest it is an audit artifact.
	PromptFile string

	// Role is orchestrator, coder, or reviewer.
	Role string

	// Timeout bounds the invocation. Zero means DefaultTimeout.
	Timeout time.Duration

	// OnActivity, when set, receives stdout lines as they stream.
	OnActivity ActivityFunc

	// InvocationID keys the NDJSON activity log and the invocation row.
	// Empty disables both.
	InvocationID string
}

// TokenUsage reports token consumption when the provider CLI exposes it.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the outcome of one provider invocation. A non-zero exit is not
// a Go error; callers classify Stderr/Stdout to decide what happened.
type Result struct {
	Success   bool
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	TimedOut  bool
	SessionID string
	Usage     *TokenUsage
}

// Provider is the uniform interface over LLM CLI back ends.
type Provider interface {
	// Name returns the registry name (claude, openai, gemini, mistral,
	// ollama).
	Name() string

	// Invoke runs the provider CLI with the prompt and captures its
	// output. Spawn failures return an error; classification of CLI
	// failures is left to the caller.
	Invoke(ctx context.Context, prompt string, opts Options) (*Result, error)

	// Resume continues a prior provider session. Adapters without session
	// support fall back to a fresh Invoke.
	Resume(ctx context.Context, sessionID, prompt string, opts Options) (*Result, error)

	// ListModels returns the models this provider can run.
	ListModels(ctx context.Context) ([]string, error)

	// DefaultModel returns the model used for a role when config carries
	// no override.
	DefaultModel(role string) string

	// Available reports whether the provider CLI is installed.
	Available() bool

	// ClassifyError classifies raw CLI output.
	ClassifyError(exitCode int, stderr, stdout string) ErrorKind

	// ClassifyResult classifies a completed invocation. Successful
	// results classify as ErrorNone.
	ClassifyResult(res *Result) ErrorKind
}

// base carries what every adapter shares: the subprocess executor and the
// injected classifier.
type base struct {
	exec       *Executor
	classifier Classifier
}

// ClassifyError classifies raw CLI output via the injected classifier.
func (b base) ClassifyError(exitCode int, stderr, stdout string) ErrorKind {
	return b.classifier.Classify(exitCode, stderr, stdout)
}

// ClassifyResult classifies a completed invocation via the injected
// classifier.
func (b base) ClassifyResult(res *Result) ErrorKind {
	return b.classifier.ClassifyResult(res)
}

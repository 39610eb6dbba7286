package provider

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
)

const claudeBinary = "claude"

// Claude adapts the claude CLI in headless print mode.
type Claude struct {
	base
}

// NewClaude creates the claude adapter.
func NewClaude(exec *Executor, c Classifier) *Claude {
	return &Claude{base{exec: exec, classifier: c}}
}

// Name implements Provider.
func (p *Claude) Name() string { return "claude" }

// Invoke runs one headless turn with the prompt on stdin.
func (p *Claude) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	return p.run(ctx, "", prompt, opts)
}

// Resume continues a prior session via --resume.
func (p *Claude) Resume(ctx context.Context, sessionID, prompt string, opts Options) (*Result, error) {
	return p.run(ctx, sessionID, prompt, opts)
}

func (p *Claude) run(ctx context.Context, sessionID, prompt string, opts Options) (*Result, error) {
	argv := []string{claudeBinary, "-p", "--output-format", "json", "--dangerously-skip-permissions"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if sessionID != "" {
		argv = append(argv, "--resume", sessionID)
	}
	res, err := p.exec.Run(ctx, p.Name(), argv, prompt, opts)
	if err != nil {
		return nil, err
	}
	decodeClaudeResult(res)
	return res, nil
}

// decodeClaudeResult lifts the session id, token usage, and result text out
// of the CLI's JSON envelope. Plain-text output passes through untouched.
func decodeClaudeResult(res *Result) {
	body := strings.TrimSpace(res.Stdout)
	if !strings.HasPrefix(body, "{") || !gjson.Valid(body) {
		return
	}
	if sid := gjson.Get(body, "session_id"); sid.Exists() {
		res.SessionID = sid.String()
	}
	if usage := gjson.Get(body, "usage"); usage.Exists() {
		res.Usage = &TokenUsage{
			InputTokens:  int(usage.Get("input_tokens").Int()),
			OutputTokens: int(usage.Get("output_tokens").Int()),
		}
	}
	if text := gjson.Get(body, "result"); text.Exists() {
		res.Stdout = text.String()
	}
}

// ListModels returns the model aliases the claude CLI accepts.
func (p *Claude) ListModels(ctx context.Context) ([]string, error) {
	return []string{"opus", "sonnet", "haiku"}, nil
}

// DefaultModel prefers opus for review and sonnet everywhere else.
func (p *Claude) DefaultModel(role string) string {
	if role == RoleReviewer {
		return "opus"
	}
	return "sonnet"
}

// Available implements Provider.
func (p *Claude) Available() bool { return p.exec.BinaryAvailable(claudeBinary) }

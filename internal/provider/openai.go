package provider

import "context"

const codexBinary = "codex"

// OpenAI adapts the codex CLI in non-interactive exec mode.
type OpenAI struct {
	base
}

// NewOpenAI creates the openai adapter.
func NewOpenAI(exec *Executor, c Classifier) *OpenAI {
	return &OpenAI{base{exec: exec, classifier: c}}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Invoke runs codex exec with the prompt on stdin.
func (p *OpenAI) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	argv := []string{codexBinary, "exec", "--skip-git-repo-check", "--full-auto"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	argv = append(argv, "-")
	return p.exec.Run(ctx, p.Name(), argv, prompt, opts)
}

// Resume continues a prior codex session.
func (p *OpenAI) Resume(ctx context.Context, sessionID, prompt string, opts Options) (*Result, error) {
	argv := []string{codexBinary, "exec", "resume", sessionID, "--skip-git-repo-check", "--full-auto"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	argv = append(argv, "-")
	return p.exec.Run(ctx, p.Name(), argv, prompt, opts)
}

// ListModels returns the static codex model set.
func (p *OpenAI) ListModels(ctx context.Context) ([]string, error) {
	return []string{"gpt-5-codex", "gpt-5", "o4-mini"}, nil
}

// DefaultModel prefers the codex coding model for coder work.
func (p *OpenAI) DefaultModel(role string) string {
	if role == RoleCoder {
		return "gpt-5-codex"
	}
	return "gpt-5"
}

// Available implements Provider.
func (p *OpenAI) Available() bool { return p.exec.BinaryAvailable(codexBinary) }

package provider

import "context"

const mistralBinary = "mistral"

// Mistral adapts the mistral CLI chat mode.
type Mistral struct {
	base
}

// NewMistral creates the mistral adapter.
func NewMistral(exec *Executor, c Classifier) *Mistral {
	return &Mistral{base{exec: exec, classifier: c}}
}

// Name implements Provider.
func (p *Mistral) Name() string { return "mistral" }

// Invoke runs mistral chat with the prompt on stdin.
func (p *Mistral) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	argv := []string{mistralBinary, "chat"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return p.exec.Run(ctx, p.Name(), argv, prompt, opts)
}

// Resume re-invokes with the prompt; the mistral CLI has no session resume.
func (p *Mistral) Resume(ctx context.Context, sessionID, prompt string, opts Options) (*Result, error) {
	return p.Invoke(ctx, prompt, opts)
}

// ListModels returns the static mistral model set.
func (p *Mistral) ListModels(ctx context.Context) ([]string, error) {
	return []string{"mistral-large-latest", "devstral-medium-latest", "codestral-latest"}, nil
}

// DefaultModel prefers devstral for coder work.
func (p *Mistral) DefaultModel(role string) string {
	if role == RoleCoder {
		return "devstral-medium-latest"
	}
	return "mistral-large-latest"
}

// Available implements Provider.
func (p *Mistral) Available() bool { return p.exec.BinaryAvailable(mistralBinary) }

package provider

import "context"

const geminiBinary = "gemini"

// Gemini adapts the gemini CLI.
type Gemini struct {
	base
}

// NewGemini creates the gemini adapter.
func NewGemini(exec *Executor, c Classifier) *Gemini {
	return &Gemini{base{exec: exec, classifier: c}}
}

// Name implements Provider.
func (p *Gemini) Name() string { return "gemini" }

// Invoke runs the gemini CLI with the prompt on stdin.
func (p *Gemini) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	argv := []string{geminiBinary, "--yolo"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return p.exec.Run(ctx, p.Name(), argv, prompt, opts)
}

// Resume re-invokes with the prompt; the gemini CLI has no session resume.
func (p *Gemini) Resume(ctx context.Context, sessionID, prompt string, opts Options) (*Result, error) {
	return p.Invoke(ctx, prompt, opts)
}

// ListModels returns the static gemini model set.
func (p *Gemini) ListModels(ctx context.Context) ([]string, error) {
	return []string{"gemini-2.5-pro", "gemini-2.5-flash"}, nil
}

// DefaultModel implements Provider.
func (p *Gemini) DefaultModel(role string) string { return "gemini-2.5-pro" }

// Available implements Provider.
func (p *Gemini) Available() bool { return p.exec.BinaryAvailable(geminiBinary) }

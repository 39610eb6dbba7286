package provider

import (
	"context"
	"strings"
)

const ollamaBinary = "ollama"

// Ollama adapts a local ollama daemon.
type Ollama struct {
	base
}

// NewOllama creates the ollama adapter.
func NewOllama(exec *Executor, c Classifier) *Ollama {
	return &Ollama{base{exec: exec, classifier: c}}
}

// Name implements Provider.
func (p *Ollama) Name() string { return "ollama" }

// Invoke runs the model with the prompt on stdin.
func (p *Ollama) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	model := opts.Model
	if model == "" {
		model = p.DefaultModel(opts.Role)
	}
	argv := []string{ollamaBinary, "run", model}
	return p.exec.Run(ctx, p.Name(), argv, prompt, opts)
}

// Resume re-invokes with the prompt; ollama runs are stateless.
func (p *Ollama) Resume(ctx context.Context, sessionID, prompt string, opts Options) (*Result, error) {
	return p.Invoke(ctx, prompt, opts)
}

// ListModels queries the local daemon for its pulled models.
func (p *Ollama) ListModels(ctx context.Context) ([]string, error) {
	out, err := p.exec.Capture(ctx, ollamaBinary, "list")
	if err != nil {
		return nil, err
	}
	return parseOllamaList(out), nil
}

// parseOllamaList extracts model names from `ollama list` output. The first
// column carries name:tag; the header row is skipped.
func parseOllamaList(out string) []string {
	var models []string
	for i, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if i == 0 && strings.EqualFold(fields[0], "name") {
			continue
		}
		models = append(models, fields[0])
	}
	return models
}

// DefaultModel implements Provider.
func (p *Ollama) DefaultModel(role string) string { return "qwen2.5-coder" }

// Available implements Provider.
func (p *Ollama) Available() bool { return p.exec.BinaryAvailable(ollamaBinary) }

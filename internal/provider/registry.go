package provider

import (
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/config"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
)

// Registry resolves provider adapters by name. All adapters share one
// executor and one classifier.
type Registry struct {
	providers map[string]Provider
	names     []string
}

// NewRegistry builds the standard adapter set on top of the executor.
func NewRegistry(exec *Executor) *Registry {
	var c Classifier
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range []Provider{
		NewClaude(exec, c),
		NewOpenAI(exec, c),
		NewGemini(exec, c),
		NewMistral(exec, c),
		NewOllama(exec, c),
	} {
		r.providers[p.Name()] = p
		r.names = append(r.names, p.Name())
	}
	return r
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Get resolves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, errors.Newf(errors.CodeProviderUnavailable, "unknown provider %q", name).
			WithFix("Run 'steroids ai providers' to see the registered providers")
	}
	return p, nil
}

// ForRole resolves the provider and model for a role from config, falling
// back to the adapter's default model when no override is set.
func (r *Registry) ForRole(cfg *config.Config, role string) (Provider, string, error) {
	p, err := r.Get(cfg.RoleProvider(role))
	if err != nil {
		return nil, "", err
	}
	model := cfg.RoleModelName(role)
	if model == "" {
		model = p.DefaultModel(role)
	}
	return p, model, nil
}

package config

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
)

// forbiddenSharedPatterns matches mutable dependency directories that must
// never be shared between workstream clones. Sharing one lets a workstream
// mutate state under another workstream's feet.
var forbiddenSharedPatterns = []string{
	"**/node_modules",
	"**/node_modules/**",
	"**/.venv",
	"**/.venv/**",
	"**/venv",
	"**/vendor",
	"**/vendor/**",
	"**/target",
	"**/target/**",
	"**/.gradle",
	"**/build",
	"**/dist",
	"**/__pycache__",
	"**/.tox",
	"**/.cargo/registry",
}

// CheckSharedDirs rejects configurations that would share a mutable
// dependency directory between clones.
func (c *Config) CheckSharedDirs() error {
	for _, dir := range c.Parallel.SharedDirs {
		for _, pattern := range forbiddenSharedPatterns {
			ok, err := doublestar.Match(pattern, dir)
			if err != nil {
				return fmt.Errorf("invalid shared-dir pattern %q: %w", pattern, err)
			}
			if ok {
				return steroidserrors.ErrSharedDependencyDir(dir)
			}
		}
	}
	return nil
}

// Package templates provides embedded prompt templates.
package templates

import "embed"

// Prompts contains the role prompt files rendered before each provider
// invocation: coder, reviewer, coordinator, and the merge-conflict pair.
//
//go:embed prompts/*.md
var Prompts embed.FS

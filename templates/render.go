package templates

import (
	"fmt"
	"regexp"
)

// varPattern matches {{VARIABLE_NAME}} placeholders.
var varPattern = regexp.MustCompile(`\{\{([A-Z_][A-Z0-9_]*)\}\}`)

// Load reads an embedded prompt template by base name, e.g. "coder.md".
func Load(name string) (string, error) {
	data, err := Prompts.ReadFile("prompts/" + name)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	return string(data), nil
}

// Render replaces {{VAR}} placeholders with values from vars.
// Missing variables are replaced with empty string.
func Render(content string, vars map[string]string) string {
	if content == "" {
		return content
	}
	return varPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-2]
		if value, ok := vars[name]; ok {
			return value
		}
		return ""
	})
}

package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// apiKeyVars are stripped from child environments so provider CLIs
// authenticate from their own stored credentials instead of inheriting
// whatever keys the parent shell exports.
var apiKeyVars = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"CLAUDE_API_KEY",
	"OPENAI_API_KEY",
	"OPENAI_ORG_ID",
	"GOOGLE_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_GENAI_API_KEY",
	"MISTRAL_API_KEY",
	"XAI_API_KEY",
	"DEEPSEEK_API_KEY",
	"OPENROUTER_API_KEY",
}

// providerKeyVars maps a provider name to the vendor variable its CLI
// reads. Ollama talks to a local daemon and has no key.
var providerKeyVars = map[string]string{
	"claude":  "ANTHROPIC_API_KEY",
	"openai":  "OPENAI_API_KEY",
	"gemini":  "GEMINI_API_KEY",
	"mistral": "MISTRAL_API_KEY",
}

// SanitizedEnv returns the process environment with API-key variables
// removed: the vendor-native names plus every STEROIDS_<PROVIDER>_API_KEY.
func SanitizedEnv() []string {
	return stripVars(os.Environ(), apiKeyVars)
}

func stripVars(env []string, names []string) []string {
	strip := make(map[string]bool, len(names))
	for _, n := range names {
		strip[n] = true
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, ok := strings.Cut(kv, "=")
		if ok && (strip[name] || isScopedKeyVar(name)) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// isScopedKeyVar matches the STEROIDS_<PROVIDER>_API_KEY family.
func isScopedKeyVar(name string) bool {
	return strings.HasPrefix(name, "STEROIDS_") && strings.HasSuffix(name, "_API_KEY")
}

// scopedKeyVar names the steroids-managed key variable for a provider,
// e.g. STEROIDS_CLAUDE_API_KEY.
func scopedKeyVar(providerName string) string {
	return "STEROIDS_" + strings.ToUpper(providerName) + "_API_KEY"
}

// applyProviderKey reads STEROIDS_<PROVIDER>_API_KEY for the active
// provider and, when set, hands its value to the child under the vendor
// variable the CLI reads. The scoped variable itself never reaches
// children; only the translated vendor name does.
func applyProviderKey(env []string, providerName string) []string {
	vendor, ok := providerKeyVars[providerName]
	if !ok {
		return env
	}
	key := os.Getenv(scopedKeyVar(providerName))
	if key == "" {
		return env
	}
	return setEnvVar(env, vendor, key)
}

// setEnvVar replaces or appends a NAME=value pair.
func setEnvVar(env []string, name, value string) []string {
	prefix := name + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// authHomeEntries are linked from the real home into a temporary home so
// provider CLIs keep their stored credentials while everything else stays
// isolated.
var authHomeEntries = []string{
	".claude",
	".claude.json",
	".codex",
	".config/openai",
	".gemini",
	".config/gcloud",
	".mistral",
	".ollama",
	".gitconfig",
	".ssh",
}

// NewTempHome creates a temporary home directory containing symlinks to the
// real home's provider auth files plus .gitconfig and .ssh. The returned
// cleanup removes the directory; it never touches the link targets.
func NewTempHome(realHome string) (dir string, cleanup func(), err error) {
	dir, err = os.MkdirTemp("", "steroids-home-")
	if err != nil {
		return "", nil, fmt.Errorf("create temp home: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	for _, entry := range authHomeEntries {
		src := filepath.Join(realHome, filepath.FromSlash(entry))
		if _, statErr := os.Lstat(src); statErr != nil {
			continue
		}
		dst := filepath.Join(dir, filepath.FromSlash(entry))
		if mkErr := os.MkdirAll(filepath.Dir(dst), 0755); mkErr != nil {
			cleanup()
			return "", nil, fmt.Errorf("prepare temp home: %w", mkErr)
		}
		if linkErr := os.Symlink(src, dst); linkErr != nil {
			cleanup()
			return "", nil, fmt.Errorf("link %s into temp home: %w", entry, linkErr)
		}
	}
	return dir, cleanup, nil
}

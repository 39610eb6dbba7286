package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// ProjectHash returns the canonical identity of a project checkout: the
// hex-encoded SHA-256 of its resolved absolute path. Symlinked and relative
// spellings of the same checkout hash to the same value.
func ProjectHash(projectPath string) (string, error) {
	real, err := filepath.EvalSymlinks(projectPath)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	abs, err := filepath.Abs(real)
	if err != nil {
		return "", fmt.Errorf("absolutize project path: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalProjectPath resolves symlinks and relative segments so two
// spellings of the same checkout compare equal.
func CanonicalProjectPath(projectPath string) (string, error) {
	real, err := filepath.EvalSymlinks(projectPath)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	return filepath.Abs(real)
}

// IsPathWithin reports whether path sits inside root after both are
// cleaned. It never consults the filesystem, so it is safe to call on
// paths that may no longer exist.
func IsPathWithin(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == path {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Truncate clips s to at most max bytes, appending a marker when clipped.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}

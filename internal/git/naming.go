package git

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxBranchNameLength is the maximum allowed length for branch names.
const MaxBranchNameLength = 256

// ErrInvalidBranchName indicates a branch name failed validation.
var ErrInvalidBranchName = errors.New("invalid branch name")

// branchNamePattern validates branch names: alphanumeric, slash, hyphen,
// underscore, dot. Must start with alphanumeric.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// gitReservedNames contains branch names reserved by git.
var gitReservedNames = map[string]bool{
	"head": true, // HEAD (case-insensitive)
}

// WorkstreamBranchPrefix namespaces every branch steroids creates.
const WorkstreamBranchPrefix = "steroids/"

// WorkstreamBranch returns the branch name for a workstream.
func WorkstreamBranch(workstreamID string) string {
	return WorkstreamBranchPrefix + workstreamID
}

// IntegrationBranch returns the integration branch name for a session. Only
// a short prefix of the session id is used to keep ref names readable.
func IntegrationBranch(sessionID string) string {
	prefix := sessionID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return WorkstreamBranchPrefix + "integration-" + prefix
}

// ValidateBranchName validates a branch name for git compatibility and
// shell safety. Returns an error describing the failure, or nil if valid.
//
// Validation rules:
//   - Must not be empty
//   - Must not exceed MaxBranchNameLength characters
//   - Must start with an alphanumeric character
//   - May only contain: a-z, A-Z, 0-9, /, -, _, .
//   - Must not contain spaces or shell metacharacters
//   - Must not contain path traversal (..)
//   - Must not end with .lock, '.', or '/'
//   - Must not be a git reserved name (HEAD)
//   - Must not contain git revision syntax (@{)
//   - Components must not start or end with '.'
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidBranchName)
	}
	if len(name) > MaxBranchNameLength {
		return fmt.Errorf("%w: exceeds maximum length of %d characters", ErrInvalidBranchName, MaxBranchNameLength)
	}

	if gitReservedNames[strings.ToLower(name)] {
		return fmt.Errorf("%w: '%s' is a reserved name", ErrInvalidBranchName, name)
	}

	if strings.Contains(name, "@{") {
		return fmt.Errorf("%w: cannot contain '@{' (git revision syntax)", ErrInvalidBranchName)
	}
	if name == "@" {
		return fmt.Errorf("%w: '@' alone is not allowed (it's shorthand for HEAD)", ErrInvalidBranchName)
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidBranchName)
	}
	if strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: cannot end with '.lock'", ErrInvalidBranchName)
	}
	if strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: cannot end with '.'", ErrInvalidBranchName)
	}
	if strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: cannot end with '/'", ErrInvalidBranchName)
	}
	if strings.Contains(name, "//") {
		return fmt.Errorf("%w: cannot contain '//'", ErrInvalidBranchName)
	}
	if strings.Contains(name, "/.") {
		return fmt.Errorf("%w: path components cannot start with '.'", ErrInvalidBranchName)
	}
	if strings.Contains(name, "./") {
		return fmt.Errorf("%w: path components cannot end with '.'", ErrInvalidBranchName)
	}
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("%w: contains invalid characters (allowed: a-z, A-Z, 0-9, /, -, _, .)", ErrInvalidBranchName)
	}
	return nil
}

// SanitizeBranchName converts a branch name to a safe directory name.
func SanitizeBranchName(branch string) string {
	safe := strings.ReplaceAll(branch, "/", "-")
	safe = strings.ToLower(safe)
	safe = regexp.MustCompile(`[^a-z0-9-]`).ReplaceAllString(safe, "")
	safe = regexp.MustCompile(`-+`).ReplaceAllString(safe, "-")
	safe = strings.Trim(safe, "-")
	return safe
}

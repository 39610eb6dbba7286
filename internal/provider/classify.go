package provider

import (
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

// Error kinds, ordered roughly by classification precedence.
const (
	// ErrorNone means the invocation succeeded.
	ErrorNone ErrorKind = ""

	ErrorCreditExhaustion ErrorKind = "credit_exhaustion"
	ErrorRateLimit        ErrorKind = "rate_limit"
	ErrorAuth             ErrorKind = "auth_error"
	ErrorNetwork          ErrorKind = "network_error"
	ErrorModelNotFound    ErrorKind = "model_not_found"
	ErrorContextExceeded  ErrorKind = "context_exceeded"
	ErrorUnknown          ErrorKind = "unknown"
)

// Retryable reports whether retrying without user intervention may succeed.
// Credit, auth, model, and context errors need a human.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorRateLimit, ErrorNetwork, ErrorUnknown:
		return true
	}
	return false
}

// RetryAfter suggests a backoff before retrying a retryable kind.
func (k ErrorKind) RetryAfter() time.Duration {
	switch k {
	case ErrorRateLimit:
		return 60 * time.Second
	case ErrorNetwork, ErrorUnknown:
		return 5 * time.Second
	}
	return 0
}

// Structured error codes that mean the account is out of credit.
var creditErrorCodes = map[string]bool{
	"insufficient_quota":         true,
	"billing_hard_limit_reached": true,
}

var creditPhraseRe = regexp.MustCompile(`(?i)insufficient\s+(credits?|funds|balance|quota)|payment\s+required|out\s+of\s+tokens|usage\s+limit\s+reached|plan\s+limit|subscription\s+(has\s+)?expired`)

var authWordRe = regexp.MustCompile(`(?i)\b(unauthorized|unauthenticated|auth|authentication|authorization)\b`)

var modelNotFoundRe = regexp.MustCompile(`(?i)model\s+.{0,40}not\s+found|unknown\s+model|invalid\s+model|no\s+such\s+model|model_not_found`)

var contextExceededRe = regexp.MustCompile(`(?i)context\s+(length|window)|maximum\s+context|context[_\s]length[_\s]exceeded|prompt\s+is\s+too\s+long|too\s+many\s+tokens|input\s+is\s+too\s+long`)

// Classifier applies the error-classification precedence chain to provider
// CLI output. Adapters share one instance through injection; none override
// any step.
type Classifier struct{}

// ClassifyResult classifies a completed invocation. Successful results
// classify as ErrorNone; timeouts classify as network (retryable).
func (c Classifier) ClassifyResult(res *Result) ErrorKind {
	if res == nil {
		return ErrorUnknown
	}
	if res.Success {
		return ErrorNone
	}
	if res.TimedOut {
		return ErrorNetwork
	}
	return c.Classify(res.ExitCode, res.Stderr, res.Stdout)
}

// Classify applies the precedence chain to stderr, falling back to stdout
// when stderr carries no signal. Steps, in order: structured JSON credit
// codes, RESOURCE_EXHAUSTED disambiguation, credit phrases, rate limiting,
// auth failures, network failures, unknown model, exceeded context, unknown.
func (c Classifier) Classify(exitCode int, stderr, stdout string) ErrorKind {
	text := stderr
	if strings.TrimSpace(text) == "" {
		text = stdout
	}
	if strings.TrimSpace(text) == "" {
		return ErrorUnknown
	}
	lower := strings.ToLower(text)

	// Structured JSON codes win over any substring, including "429" in
	// the same output.
	if code := structuredErrorCode(text); creditErrorCodes[code] {
		return ErrorCreditExhaustion
	}

	if strings.Contains(text, "RESOURCE_EXHAUSTED") {
		switch {
		case strings.Contains(lower, "per minute"),
			strings.Contains(lower, "per second"),
			strings.Contains(lower, "retry after"):
			return ErrorRateLimit
		case strings.Contains(lower, "billing"),
			strings.Contains(lower, "budget"),
			strings.Contains(lower, "hard limit"):
			return ErrorCreditExhaustion
		}
		// Bare RESOURCE_EXHAUSTED is a per-time quota more often than a
		// billing stop.
		return ErrorRateLimit
	}

	if creditPhraseRe.MatchString(text) {
		return ErrorCreditExhaustion
	}

	switch {
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "capacity"),
		strings.Contains(lower, "busy"):
		return ErrorRateLimit
	}

	if authWordRe.MatchString(text) || strings.Contains(lower, "api key") {
		return ErrorAuth
	}

	switch {
	case strings.Contains(lower, "connection"),
		strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "network"):
		return ErrorNetwork
	}

	if modelNotFoundRe.MatchString(text) {
		return ErrorModelNotFound
	}

	if contextExceededRe.MatchString(text) {
		return ErrorContextExceeded
	}

	return ErrorUnknown
}

// structuredErrorCode extracts an error code from embedded JSON, looking at
// the conventional error.code/error.type shapes. Returns "" when the text
// carries no parseable JSON object.
func structuredErrorCode(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	body := text[start : end+1]
	if !gjson.Valid(body) {
		return ""
	}
	for _, path := range []string{"error.code", "error.type", "code", "type"} {
		if v := gjson.Get(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

package orchestrator

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/provider"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

// CoderAction is the orchestrator's interpretation of a coder run.
type CoderAction string

const (
	// ActionSubmit hands the committed work to review.
	ActionSubmit CoderAction = "submit"
	// ActionStageCommitSubmit commits leftover working-tree changes on the
	// coder's behalf, then hands the work to review.
	ActionStageCommitSubmit CoderAction = "stage_commit_submit"
	// ActionRetry re-runs the coder after a transient provider error.
	ActionRetry CoderAction = "retry"
	// ActionError stops the task without advancing its status.
	ActionError CoderAction = "error"
)

// Error kinds attached to ActionError decisions.
const (
	CoderErrNoChanges    = "no_changes"
	CoderErrTimeout      = "timeout"
	CoderErrInvalidState = "invalid_state"
)

// CoderDecision is the structured outcome of classifying a coder run.
type CoderDecision struct {
	Action     CoderAction
	NextStatus task.Status
	Confidence float64
	Reasoning  string
	ErrorKind  string // set when Action == ActionError
}

// GitSnapshot captures repository state gathered after a coder run.
type GitSnapshot struct {
	// NewCommits are SHAs added since the invocation started, newest first.
	NewCommits []string
	// Uncommitted reports a non-empty porcelain status.
	Uncommitted bool
	Porcelain   string
	DiffSummary string
	HeadAfter   string
}

// alreadyExistsRe matches coder summaries reporting that the requested work
// was done in an earlier run, which counts as a submission.
var alreadyExistsRe = regexp.MustCompile(`(?i)already\s+(exists?|implemented|done|completed|present|in\s+place)`)

// ClassifyCoderOutput folds the invocation result, its provider error kind,
// and the post-run git state into a coder decision.
func ClassifyCoderOutput(res *provider.Result, kind provider.ErrorKind, snap GitSnapshot) CoderDecision {
	if res == nil || res.TimedOut {
		return CoderDecision{
			Action:     ActionError,
			NextStatus: task.StatusInProgress,
			Confidence: 0.98,
			ErrorKind:  CoderErrTimeout,
			Reasoning:  "invocation exceeded its timeout",
		}
	}

	if res.Success {
		switch {
		case len(snap.NewCommits) > 0 && !snap.Uncommitted:
			return CoderDecision{
				Action:     ActionSubmit,
				NextStatus: task.StatusReview,
				Confidence: 0.90,
				Reasoning:  fmt.Sprintf("%d new commit(s), clean tree", len(snap.NewCommits)),
			}
		case len(snap.NewCommits) > 0:
			return CoderDecision{
				Action:     ActionStageCommitSubmit,
				NextStatus: task.StatusReview,
				Confidence: 0.82,
				Reasoning:  fmt.Sprintf("%d new commit(s) plus uncommitted changes", len(snap.NewCommits)),
			}
		case snap.Uncommitted:
			// The coder did the work but never committed. Commit for it
			// rather than discarding the changes.
			return CoderDecision{
				Action:     ActionStageCommitSubmit,
				NextStatus: task.StatusReview,
				Confidence: 0.75,
				Reasoning:  "uncommitted changes without a commit",
			}
		case alreadyExistsRe.MatchString(res.Stdout):
			return CoderDecision{
				Action:     ActionSubmit,
				NextStatus: task.StatusReview,
				Confidence: 0.85,
				Reasoning:  "coder reports the work already exists",
			}
		default:
			return CoderDecision{
				Action:     ActionError,
				NextStatus: task.StatusInProgress,
				Confidence: 0.90,
				ErrorKind:  CoderErrNoChanges,
				Reasoning:  "exit 0 but no commits and no changes",
			}
		}
	}

	if kind.Retryable() {
		return CoderDecision{
			Action:     ActionRetry,
			NextStatus: task.StatusInProgress,
			Confidence: 0.80,
			Reasoning:  fmt.Sprintf("transient %s error, retrying", kind),
		}
	}

	return CoderDecision{
		Action:     ActionError,
		NextStatus: task.StatusInProgress,
		Confidence: 0.70,
		ErrorKind:  CoderErrInvalidState,
		Reasoning:  fmt.Sprintf("exit %d with non-retryable output", res.ExitCode),
	}
}

// ReviewVerdict is the orchestrator's interpretation of a reviewer run.
type ReviewVerdict string

const (
	VerdictApprove   ReviewVerdict = "approve"
	VerdictReject    ReviewVerdict = "reject"
	VerdictSkip      ReviewVerdict = "skip"
	VerdictDispute   ReviewVerdict = "dispute"
	VerdictAmbiguous ReviewVerdict = "ambiguous"
)

// ReviewDecision is the structured outcome of classifying a reviewer run.
type ReviewDecision struct {
	Verdict    ReviewVerdict
	Confidence float64
	Feedback   string
	// Items holds rejection checklist entries when the reviewer used
	// unchecked checkboxes.
	Items []string
}

var (
	// commandVerdictRe matches an explicit CLI verdict in reviewer output.
	commandVerdictRe = regexp.MustCompile(`steroids\s+tasks\s+(approve|reject|skip|dispute)\b`)
	// commandReasonRe captures the --reason argument of a verdict command.
	commandReasonRe = regexp.MustCompile(`--reason\s+"([^"]*)"`)
	// checkboxRe matches unchecked markdown checkboxes, one required change
	// per line.
	checkboxRe = regexp.MustCompile(`(?m)^\s*[-*] \[ \][ \t]*(.+)$`)
	// Verdict tokens. The uppercase forms are matched exactly; the phrase
	// forms case-insensitively.
	approveTokenRe = regexp.MustCompile(`\bAPPROVED\b|\bLGTM\b|(?i:\blooks good\b)`)
	rejectTokenRe  = regexp.MustCompile(`\bREJECTED\b|(?i:\bneeds changes\b|\bmust fix\b)`)
)

// highRejectionCount is the rejection count from which an approval is
// treated as a deliberate signal and gains confidence.
const highRejectionCount = 5

// ClassifyReviewerOutput derives a review decision from reviewer stdout.
// Signals are ranked: explicit verdict commands, then verdict tokens, then
// unchecked checkboxes; anything else is ambiguous and the review re-runs.
func ClassifyReviewerOutput(stdout string, rejectionCount int) ReviewDecision {
	items := extractCheckboxItems(stdout)
	approveToken := approveTokenRe.MatchString(stdout)
	rejectToken := rejectTokenRe.MatchString(stdout)

	if m := commandVerdictRe.FindStringSubmatch(stdout); m != nil {
		d := ReviewDecision{Verdict: ReviewVerdict(m[1]), Confidence: 0.95}
		if rm := commandReasonRe.FindStringSubmatch(stdout); rm != nil {
			d.Feedback = rm[1]
		}
		switch d.Verdict {
		case VerdictApprove:
			if approveToken {
				d.Confidence += 0.05
			}
			if rejectToken || len(items) > 0 {
				d.Confidence -= 0.10
			}
		case VerdictReject:
			if rejectToken || len(items) > 0 {
				d.Confidence += 0.05
			}
			if approveToken {
				d.Confidence -= 0.10
			}
			d.Items = items
			if d.Feedback == "" {
				fb, fallback := rejectionFeedback(stdout, items)
				d.Feedback = fb
				if fallback {
					d.Confidence -= 0.15
				}
			}
		}
		return finishReview(d, rejectionCount)
	}

	switch {
	case approveToken && !rejectToken:
		d := ReviewDecision{Verdict: VerdictApprove, Confidence: 0.85}
		if len(items) > 0 {
			// Unchecked items contradict an approval.
			d.Confidence -= 0.10
		}
		return finishReview(d, rejectionCount)

	case rejectToken:
		d := ReviewDecision{Verdict: VerdictReject, Confidence: 0.85, Items: items}
		if approveToken {
			d.Confidence -= 0.10
		} else if len(items) > 0 {
			d.Confidence += 0.05
		}
		fb, fallback := rejectionFeedback(stdout, items)
		d.Feedback = fb
		if fallback {
			d.Confidence -= 0.15
		}
		return finishReview(d, rejectionCount)

	case len(items) > 0:
		d := ReviewDecision{
			Verdict:    VerdictReject,
			Confidence: 0.88,
			Items:      items,
			Feedback:   "- [ ] " + strings.Join(items, "\n- [ ] "),
		}
		return finishReview(d, rejectionCount)
	}

	return ReviewDecision{Verdict: VerdictAmbiguous, Confidence: 0.45}
}

func finishReview(d ReviewDecision, rejectionCount int) ReviewDecision {
	if d.Verdict == VerdictApprove && rejectionCount >= highRejectionCount {
		d.Confidence += 0.05
	}
	d.Confidence = math.Max(0, math.Min(1, d.Confidence))
	return d
}

func extractCheckboxItems(stdout string) []string {
	var items []string
	for _, m := range checkboxRe.FindAllStringSubmatch(stdout, -1) {
		if item := strings.TrimSpace(m[1]); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// rejectionFeedback assembles the notes stored with a rejection. It prefers
// checklist items, then the text after the REJECTED token; as a last resort
// it falls back to the tail of the raw output and reports fallback=true.
func rejectionFeedback(stdout string, items []string) (string, bool) {
	if len(items) > 0 {
		return "- [ ] " + strings.Join(items, "\n- [ ] "), false
	}
	if idx := strings.Index(stdout, "REJECTED"); idx >= 0 {
		after := strings.TrimSpace(strings.TrimLeft(stdout[idx+len("REJECTED"):], ":- \t"))
		if after != "" {
			return truncateFeedback(after), false
		}
	}
	return truncateFeedback(strings.TrimSpace(stdout)), true
}

const feedbackLimit = 500

func truncateFeedback(s string) string {
	if len(s) <= feedbackLimit {
		return s
	}
	return s[len(s)-feedbackLimit:]
}

// Coordinator directives.
const (
	DirectiveGuideCoder       = "guide_coder"
	DirectiveOverrideReviewer = "override_reviewer"
	DirectiveNarrowScope      = "narrow_scope"
)

var directiveRe = regexp.MustCompile(`DIRECTIVE:\s*(guide_coder|override_reviewer|narrow_scope)`)

// ParseCoordinatorOutput extracts the directive and guidance text from a
// coordinator run. Missing or malformed directives default to guide_coder
// so an escalation always produces usable guidance.
func ParseCoordinatorOutput(stdout string) (directive, guidance string) {
	directive = DirectiveGuideCoder
	guidance = strings.TrimSpace(stdout)

	m := directiveRe.FindStringSubmatchIndex(stdout)
	if m == nil {
		for _, d := range []string{DirectiveOverrideReviewer, DirectiveNarrowScope} {
			if strings.Contains(stdout, d) {
				directive = d
				break
			}
		}
		return directive, guidance
	}

	directive = stdout[m[2]:m[3]]
	guidance = strings.TrimSpace(stdout[m[1]:])
	if guidance == "" {
		guidance = strings.TrimSpace(stdout[:m[0]])
	}
	return directive, guidance
}

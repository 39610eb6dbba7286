package orchestrator

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/templates"
)

// fullRejectionTail is how many trailing rejection entries are rendered in
// full; older entries appear as titles only.
const fullRejectionTail = 3

// repeatedTitleThreshold is how often the same rejection title must recur
// before the prompt warns that resubmission is unlikely to pass.
const repeatedTitleThreshold = 3

// BuildRejectionContext renders the rejection-history block injected into
// coder and reviewer prompts via {{REJECTION_CONTEXT}}.
func BuildRejectionContext(history []db.RejectionEntry) string {
	if len(history) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Rejection History\n\nThis task has been rejected %d time(s):\n\n", len(history))
	for _, e := range history {
		fmt.Fprintf(&b, "%d. %s\n", e.Ordinal, rejectionTitle(e.Notes))
	}

	tail := history
	if len(tail) > fullRejectionTail {
		tail = tail[len(tail)-fullRejectionTail:]
	}
	b.WriteString("\nMost recent feedback in full:\n")
	for _, e := range tail {
		fmt.Fprintf(&b, "\n### Rejection %d\n\n%s\n", e.Ordinal, strings.TrimSpace(e.Notes))
	}

	if title, n := repeatedRejectionTitle(history); n >= repeatedTitleThreshold {
		fmt.Fprintf(&b, `
## Pattern Detected

The same issue has been raised %d times: %q.
Resubmitting the same change will not pass. If you believe the rejection is
wrong, dispute the task instead of resubmitting.
`, n, title)
	}

	return b.String()
}

// rejectionTitle reduces rejection notes to a one-line title.
func rejectionTitle(notes string) string {
	line := notes
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- [ ]"))
	if line == "" {
		return "(no notes recorded)"
	}
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

// repeatedRejectionTitle returns the most frequent normalized rejection
// title and its count.
func repeatedRejectionTitle(history []db.RejectionEntry) (string, int) {
	counts := make(map[string]int)
	titles := make(map[string]string)
	for _, e := range history {
		title := rejectionTitle(e.Notes)
		norm := strings.ToLower(strings.Join(strings.Fields(title), " "))
		counts[norm]++
		titles[norm] = title
	}
	var bestNorm string
	best := 0
	for norm, n := range counts {
		if n > best {
			best = n
			bestNorm = norm
		}
	}
	return titles[bestNorm], best
}

// buildGuidanceContext renders the coordinator note block, or "" when no
// coordinator has touched the task.
func buildGuidanceContext(note string) string {
	if note == "" {
		return ""
	}
	return fmt.Sprintf(`## Coordinator Guidance

A coordinator reviewed this task's rejection history and left this
instruction. It binds both coder and reviewer:

%s
`, strings.TrimSpace(note))
}

// fileScopeRe matches path-like tokens in task text, e.g.
// "internal/api/routes.go" or "tests/fixtures/plan.json".
var fileScopeRe = regexp.MustCompile(`\b(?:src|lib|tests?|scripts|config|internal|cmd|pkg|app|api|docs)/[\w./-]*\.\w+`)

// FileScopeHints extracts path-like tokens from task text, deduplicated in
// first-seen order, so prompts can point the coder at the right files.
func FileScopeHints(texts ...string) []string {
	seen := make(map[string]bool)
	var hints []string
	for _, text := range texts {
		for _, m := range fileScopeRe.FindAllString(text, -1) {
			if !seen[m] {
				seen[m] = true
				hints = append(hints, m)
			}
		}
	}
	return hints
}

func buildFileScopeBlock(hints []string) string {
	if len(hints) == 0 {
		return ""
	}
	return "## Likely Files\n\nThe task text mentions these paths:\n\n- " + strings.Join(hints, "\n- ") + "\n"
}

func buildAgentsContext(content string) string {
	if content == "" {
		return ""
	}
	return fmt.Sprintf("## Project Instructions\n\n%s\n", content)
}

func buildSpecContext(content, path string) string {
	if content == "" {
		return ""
	}
	if path == "" {
		path = "specification"
	}
	return fmt.Sprintf("## Linked Specification (%s)\n\n%s\n", path, content)
}

// readFileTruncated reads a context file for prompt injection. A missing or
// unreadable file contributes nothing rather than failing the run.
func readFileTruncated(path string, maxChars int) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return util.Truncate(strings.TrimSpace(string(data)), maxChars)
}

type coderPromptInputs struct {
	Task        *db.Task
	SectionName string
	History     []db.RejectionEntry
	Guidance    string
	AgentsText  string
	SpecText    string
}

func buildCoderPrompt(in coderPromptInputs) (string, error) {
	tpl, err := templates.Load("coder.md")
	if err != nil {
		return "", err
	}
	sectionName := in.SectionName
	if sectionName == "" {
		sectionName = "(no section)"
	}
	return templates.Render(tpl, map[string]string{
		"TASK_ID":              in.Task.ID,
		"TASK_TITLE":           in.Task.Title,
		"TASK_DESCRIPTION":     in.Task.Description,
		"SECTION_NAME":         sectionName,
		"REJECTION_CONTEXT":    BuildRejectionContext(in.History),
		"COORDINATOR_GUIDANCE": buildGuidanceContext(in.Guidance),
		"FILE_SCOPE":           buildFileScopeBlock(FileScopeHints(in.Task.Title, in.Task.Description, in.SpecText)),
		"SPEC_CONTEXT":         buildSpecContext(in.SpecText, in.Task.SpecPath),
		"AGENTS_CONTEXT":       buildAgentsContext(in.AgentsText),
	}), nil
}

type reviewerPromptInputs struct {
	Task      *db.Task
	History   []db.RejectionEntry
	Guidance  string
	SpecText  string
	CommitSHA string
	Subject   string
	Patch     string
}

func buildReviewerPrompt(in reviewerPromptInputs) (string, error) {
	tpl, err := templates.Load("reviewer.md")
	if err != nil {
		return "", err
	}
	return templates.Render(tpl, map[string]string{
		"TASK_ID":              in.Task.ID,
		"TASK_TITLE":           in.Task.Title,
		"TASK_DESCRIPTION":     in.Task.Description,
		"REJECTION_CONTEXT":    BuildRejectionContext(in.History),
		"COORDINATOR_GUIDANCE": buildGuidanceContext(in.Guidance),
		"COMMIT_SHA":           in.CommitSHA,
		"COMMIT_SUBJECT":       in.Subject,
		"COMMIT_PATCH":         in.Patch,
		"SPEC_CONTEXT":         buildSpecContext(in.SpecText, in.Task.SpecPath),
	}), nil
}

type coordinatorPromptInputs struct {
	Task    *db.Task
	History []db.RejectionEntry
}

func buildCoordinatorPrompt(in coordinatorPromptInputs) (string, error) {
	tpl, err := templates.Load("coordinator.md")
	if err != nil {
		return "", err
	}

	var hist strings.Builder
	for _, e := range in.History {
		fmt.Fprintf(&hist, "### Rejection %d", e.Ordinal)
		if e.CommitSHA != "" {
			fmt.Fprintf(&hist, " (commit %s)", shortSHA(e.CommitSHA))
		}
		hist.WriteString("\n\n")
		notes := strings.TrimSpace(e.Notes)
		if notes == "" {
			notes = "(no notes recorded)"
		}
		hist.WriteString(notes)
		hist.WriteString("\n\n")
	}
	if hist.Len() == 0 {
		hist.WriteString("(no rejections recorded)\n")
	}

	return templates.Render(tpl, map[string]string{
		"TASK_ID":           in.Task.ID,
		"TASK_TITLE":        in.Task.Title,
		"TASK_DESCRIPTION":  in.Task.Description,
		"REJECTION_COUNT":   fmt.Sprintf("%d", in.Task.RejectionCount),
		"REJECTION_HISTORY": strings.TrimSpace(hist.String()),
	}), nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

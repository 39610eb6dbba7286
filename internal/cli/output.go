package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

// envelope is the success shape of --json output; failures go through
// steroidserrors.JSONEnvelope.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// printJSON writes a success envelope to stdout.
func (a *app) printJSON(data any) error {
	out, err := json.MarshalIndent(envelope{Success: true, Data: data}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(a.stdout, string(out))
	return nil
}

// printError renders a failed command: a JSON envelope under --json,
// otherwise the What/Why/Fix message on stderr.
func (a *app) printError(err error) {
	if a.jsonOut {
		fmt.Fprintln(a.stdout, string(steroidserrors.JSONEnvelope(err)))
		return
	}
	if serr := steroidserrors.AsSteroidsError(err); serr != nil {
		fmt.Fprintln(a.stderr, a.styles().Error.Render(serr.UserMessage()))
		return
	}
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
}

// colorEnabled reports whether styled output should be used. JSON mode,
// NO_COLOR, CI, and non-terminal stdout all disable it.
func (a *app) colorEnabled() bool {
	if a.noColor || a.jsonOut {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("CI") != "" {
		return false
	}
	f, ok := a.stdout.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// cliStyles holds the lipgloss styles for human-readable output.
type cliStyles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warn    lipgloss.Style
	Subtle  lipgloss.Style
}

func (a *app) styles() cliStyles {
	if !a.colorEnabled() {
		plain := lipgloss.NewStyle()
		return cliStyles{Header: plain, Success: plain, Error: plain, Warn: plain, Subtle: plain}
	}
	return cliStyles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")),
		Success: lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		Warn: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
		Subtle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
	}
}

// termWidth returns the terminal width, or a sane default when stdout
// is not a terminal.
func (a *app) termWidth() int {
	if f, ok := a.stdout.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return 100
}

// table renders header + rows through a tabwriter, truncating the last
// column so rows fit the terminal.
func (a *app) table(header []string, rows [][]string) {
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	writeRow(w, header)
	underline := make([]string, len(header))
	for i, h := range header {
		underline[i] = dashes(len(h))
	}
	writeRow(w, underline)

	// Leave the last column whatever room the fixed columns don't take.
	lastMax := a.termWidth()
	for _, h := range header[:len(header)-1] {
		lastMax -= len(h) + 2
	}
	if lastMax < 16 {
		lastMax = 16
	}
	for _, row := range rows {
		if len(row) > 0 {
			row[len(row)-1] = truncate(row[len(row)-1], lastMax)
		}
		writeRow(w, row)
	}
	w.Flush()
}

func writeRow(w io.Writer, cells []string) {
	for i, c := range cells {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}

func dashes(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = '-'
	}
	return string(out)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func statusIcon(status task.Status) string {
	switch status {
	case task.StatusPending:
		return "○"
	case task.StatusInProgress:
		return "◐"
	case task.StatusReview:
		return "◑"
	case task.StatusCompleted:
		return "●"
	case task.StatusDisputed:
		return "⚑"
	case task.StatusFailed:
		return "✗"
	case task.StatusSkipped:
		return "⊘"
	case task.StatusPartial:
		return "◔"
	default:
		return "?"
	}
}

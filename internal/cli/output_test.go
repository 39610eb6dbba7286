package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/merge"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"this is far too long", 10, "this is..."},
		{"abc", 2, "ab"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncate(tt.in, tt.maxLen))
	}
}

func TestStatusIcon(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status task.Status
		want   string
	}{
		{task.StatusPending, "○"},
		{task.StatusInProgress, "◐"},
		{task.StatusReview, "◑"},
		{task.StatusCompleted, "●"},
		{task.StatusDisputed, "⚑"},
		{task.StatusFailed, "✗"},
		{task.StatusSkipped, "⊘"},
		{task.StatusPartial, "◔"},
		{task.Status("bogus"), "?"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusIcon(tt.status))
	}
}

func TestAgoString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "-", agoString(time.Time{}))
	got := agoString(time.Now().Add(-90 * time.Second))
	assert.Contains(t, got, "ago")
	assert.Contains(t, got, "1m3")
}

func TestLeaseString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "unclaimed", leaseString(db.Workstream{}))

	future := time.Now().Add(2 * time.Minute)
	assert.Contains(t, leaseString(db.Workstream{LeaseExpiresAt: &future}), "expires in")

	past := time.Now().Add(-time.Minute)
	assert.Contains(t, leaseString(db.Workstream{LeaseExpiresAt: &past}), "expired")
}

func TestTableAlignsAndTruncates(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	a := newApp()
	a.stdout = buf

	a.table([]string{"ID", "TITLE"}, [][]string{
		{"TASK-001", "Short title"},
		{"TASK-002", strings.Repeat("long ", 60)},
	})

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, lines[0], "TITLE")
	assert.Contains(t, lines[1], "--")
	assert.Contains(t, lines[2], "TASK-001")
	assert.Contains(t, lines[3], "...")
	// A buffer is not a terminal, so the fallback width bounds the row.
	assert.Less(t, len(lines[3]), 120)
}

func TestPrintMergeResultShowsEscalationDetail(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	a := newApp()
	a.stdout = buf
	a.noColor = true

	a.printMergeResult(&merge.Result{
		SessionID:    "sess-1",
		Success:      false,
		EscalationID: "esc-9",
	}, &db.ValidationEscalation{
		ID:            "esc-9",
		Command:       "go test ./...",
		ErrorMessage:  "validation command failed: exit status 1",
		WorkspacePath: "/tmp/steroids/integration",
	})

	out := buf.String()
	assert.Contains(t, out, "merge incomplete")
	assert.Contains(t, out, "Escalation filed: esc-9")
	assert.Contains(t, out, "validation: go test ./...")
	assert.Contains(t, out, "exit status 1")
	assert.Contains(t, out, "workspace kept at /tmp/steroids/integration")
}

func TestColorDisabledOutsideTerminal(t *testing.T) {
	a := newApp()
	a.stdout = &bytes.Buffer{}
	assert.False(t, a.colorEnabled(), "buffers are not terminals")

	a.jsonOut = true
	assert.False(t, a.colorEnabled())
}

func TestColorDisabledByNoColorEnv(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	a := newApp()
	assert.False(t, a.colorEnabled())
}

func TestStylesPlainWhenColorDisabled(t *testing.T) {
	t.Parallel()
	buf := &bytes.Buffer{}
	a := newApp()
	a.stdout = buf
	a.noColor = true

	st := a.styles()
	assert.Equal(t, "hello", st.Error.Render("hello"), "plain styles pass text through")
}

func TestOrDash(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "-", orDash(""))
	assert.Equal(t, "x", orDash("x"))
}

package provider

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func TestActivityLogNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, err := OpenActivityLog(dir, "inv-123")
	if err != nil {
		t.Fatalf("OpenActivityLog: %v", err)
	}

	log.Start("claude", "sonnet", RoleCoder)
	log.Activity("reading files")
	log.Activity(strings.Repeat("x", 2*activityNoteLimit))
	log.Complete("completed", 0, 1500*time.Millisecond, false)
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "inv-123.log"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4", len(lines))
	}
	for i, line := range lines {
		if !gjson.Valid(line) {
			t.Fatalf("line %d is not valid JSON: %s", i, line)
		}
	}

	if got := gjson.Get(lines[0], "event").String(); got != EventStart {
		t.Errorf("first event = %q, want start", got)
	}
	if got := gjson.Get(lines[0], "provider").String(); got != "claude" {
		t.Errorf("provider = %q", got)
	}
	if got := gjson.Get(lines[1], "note").String(); got != "reading files" {
		t.Errorf("note = %q", got)
	}
	if n := len(gjson.Get(lines[2], "note").String()); n != activityNoteLimit {
		t.Errorf("long note truncated to %d, want %d", n, activityNoteLimit)
	}
	last := lines[len(lines)-1]
	if got := gjson.Get(last, "event").String(); got != EventComplete {
		t.Errorf("last event = %q, want complete", got)
	}
	if got := gjson.Get(last, "status").String(); got != "completed" {
		t.Errorf("status = %q", got)
	}
	if got := gjson.Get(last, "duration_ms").Int(); got != 1500 {
		t.Errorf("duration_ms = %d, want 1500", got)
	}
}

package db

import (
	"strings"
	"testing"
)

func TestEscalation_RecordTruncatesSnippets(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	e := &ValidationEscalation{
		ID:            "esc-1",
		SessionID:     "sess-1",
		ProjectPath:   "/home/user/project",
		WorkspacePath: "/tmp/workspaces/hash/integration",
		Command:       "make test",
		ErrorMessage:  "exit status 2",
		StdoutSnippet: strings.Repeat("x", 9000),
		StderrSnippet: "FAIL: TestThing",
	}
	if err := gdb.RecordValidationEscalation(e); err != nil {
		t.Fatalf("RecordValidationEscalation failed: %v", err)
	}

	got, err := gdb.GetValidationEscalation("esc-1")
	if err != nil {
		t.Fatalf("GetValidationEscalation failed: %v", err)
	}
	if got.Status != EscalationOpen {
		t.Errorf("Status = %q, want open", got.Status)
	}
	if len(got.StdoutSnippet) > escalationSnippetLimit+len("\n... (truncated)") {
		t.Errorf("stdout snippet not truncated: %d bytes", len(got.StdoutSnippet))
	}
	if !strings.HasSuffix(got.StdoutSnippet, "(truncated)") {
		t.Error("truncation marker missing")
	}
	if got.StderrSnippet != "FAIL: TestThing" {
		t.Errorf("short snippet mangled: %q", got.StderrSnippet)
	}
}

func TestEscalation_ResolveForSession(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	for _, id := range []string{"esc-1", "esc-2"} {
		if err := gdb.RecordValidationEscalation(&ValidationEscalation{
			ID: id, SessionID: "sess-1", ProjectPath: "/p", Command: "npm test",
		}); err != nil {
			t.Fatalf("RecordValidationEscalation failed: %v", err)
		}
	}
	if err := gdb.RecordValidationEscalation(&ValidationEscalation{
		ID: "esc-other", SessionID: "sess-2", ProjectPath: "/p",
	}); err != nil {
		t.Fatalf("RecordValidationEscalation failed: %v", err)
	}

	open, err := gdb.ListOpenEscalations("")
	if err != nil {
		t.Fatalf("ListOpenEscalations failed: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("open = %d, want 3", len(open))
	}

	n, err := gdb.ResolveEscalationsForSession("sess-1")
	if err != nil {
		t.Fatalf("ResolveEscalationsForSession failed: %v", err)
	}
	if n != 2 {
		t.Errorf("resolved = %d, want 2", n)
	}

	open, _ = gdb.ListOpenEscalations("")
	if len(open) != 1 || open[0].ID != "esc-other" {
		t.Errorf("open after resolve = %+v, want only esc-other", open)
	}

	got, _ := gdb.GetValidationEscalation("esc-1")
	if got.Status != EscalationResolved || got.ResolvedAt == nil {
		t.Errorf("esc-1 = %+v, want resolved with timestamp", got)
	}

	// Resolving again is a no-op
	n, _ = gdb.ResolveEscalationsForSession("sess-1")
	if n != 0 {
		t.Errorf("second resolve = %d, want 0", n)
	}
}

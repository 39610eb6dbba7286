package db

import (
	"errors"
	"testing"
)

func TestSession_NonTerminalUniquenessPerRepo(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	first := &Session{ID: "sess-1", ProjectPath: "/home/user/project", RepoID: "repo-a"}
	if err := gdb.CreateSession(first); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Second non-terminal session for the same repo id is refused at insert
	err := gdb.CreateSession(&Session{ID: "sess-2", ProjectPath: "/home/user/project", RepoID: "repo-a"})
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("err = %v, want ErrSessionConflict", err)
	}

	// A different repo is unaffected
	if err := gdb.CreateSession(&Session{ID: "sess-3", ProjectPath: "/other", RepoID: "repo-b"}); err != nil {
		t.Fatalf("CreateSession for other repo failed: %v", err)
	}

	// Every non-terminal status keeps the slot occupied
	for _, status := range []string{SessionMerging, SessionBlockedValidation, SessionBlockedConflict, SessionCleanupDraining, SessionCleanupPending} {
		if err := gdb.SetSessionStatus("sess-1", status); err != nil {
			t.Fatalf("SetSessionStatus(%s) failed: %v", status, err)
		}
		err := gdb.CreateSession(&Session{ID: "sess-x", ProjectPath: "/home/user/project", RepoID: "repo-a"})
		if !errors.Is(err, ErrSessionConflict) {
			t.Fatalf("status %s: err = %v, want ErrSessionConflict", status, err)
		}
	}

	// A terminal session releases the slot
	if err := gdb.SetSessionStatus("sess-1", SessionCompleted); err != nil {
		t.Fatalf("SetSessionStatus(completed) failed: %v", err)
	}
	if err := gdb.CreateSession(&Session{ID: "sess-4", ProjectPath: "/home/user/project", RepoID: "repo-a"}); err != nil {
		t.Fatalf("CreateSession after terminal failed: %v", err)
	}
}

func TestSession_ActiveSessionForRepo(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	active, err := gdb.ActiveSessionForRepo("repo-a")
	if err != nil {
		t.Fatalf("ActiveSessionForRepo failed: %v", err)
	}
	if active != nil {
		t.Fatalf("active = %+v, want nil", active)
	}

	if err := gdb.CreateSession(&Session{ID: "sess-1", ProjectPath: "/p", RepoID: "repo-a"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	active, _ = gdb.ActiveSessionForRepo("repo-a")
	if active == nil || active.ID != "sess-1" {
		t.Fatalf("active = %+v, want sess-1", active)
	}

	if err := gdb.SetSessionStatus("sess-1", SessionAborted); err != nil {
		t.Fatalf("SetSessionStatus failed: %v", err)
	}
	active, _ = gdb.ActiveSessionForRepo("repo-a")
	if active != nil {
		t.Fatalf("active after abort = %+v, want nil", active)
	}

	got, _ := gdb.GetSession("sess-1")
	if got.CompletedAt == nil {
		t.Error("terminal status did not stamp completed_at")
	}
}

func TestSession_TerminalPredicate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status string
		want   bool
	}{
		{SessionRunning, false},
		{SessionMerging, false},
		{SessionCleanupDraining, false},
		{SessionCleanupPending, false},
		{SessionBlockedValidation, false},
		{SessionBlockedConflict, false},
		{SessionCompleted, true},
		{SessionFailed, true},
		{SessionAborted, true},
	}
	for _, tc := range tests {
		if got := SessionTerminal(tc.status); got != tc.want {
			t.Errorf("SessionTerminal(%s) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestSession_DeleteCascadesWorkstreams(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	if err := gdb.CreateSession(&Session{ID: "sess-1", ProjectPath: "/p", RepoID: "repo-a"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	ws := &Workstream{ID: "ws-1", SessionID: "sess-1", Branch: "steroids/ws-1", SectionIDs: []string{"SEC-001"}}
	if err := gdb.CreateWorkstream(ws); err != nil {
		t.Fatalf("CreateWorkstream failed: %v", err)
	}

	if err := gdb.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	got, err := gdb.GetWorkstream("ws-1")
	if err != nil {
		t.Fatalf("GetWorkstream failed: %v", err)
	}
	if got != nil {
		t.Error("workstream survived session delete")
	}
}

package db

import (
	"testing"
	"time"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
)

func newSessionWithWorkstream(t *testing.T, gdb *GlobalDB, wsID string) *Workstream {
	t.Helper()
	if s, _ := gdb.GetSession("sess-1"); s == nil {
		if err := gdb.CreateSession(&Session{ID: "sess-1", ProjectPath: "/p", RepoID: "repo-a"}); err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
	}
	ws := &Workstream{
		ID:            wsID,
		SessionID:     "sess-1",
		Branch:        "steroids/" + wsID,
		SectionIDs:    []string{"SEC-001", "SEC-002"},
		WorkspacePath: "/tmp/workspaces/hash/" + wsID,
	}
	if err := gdb.CreateWorkstream(ws); err != nil {
		t.Fatalf("CreateWorkstream failed: %v", err)
	}
	return ws
}

func wantLeaseFence(t *testing.T, err error) {
	t.Helper()
	se := steroidserrors.AsSteroidsError(err)
	if se == nil || se.Code != steroidserrors.CodeLeaseFenceFailed {
		t.Fatalf("err = %v, want LEASE_FENCE_FAILED", err)
	}
}

func TestWorkstream_ClaimBumpsGeneration(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	ws := newSessionWithWorkstream(t, gdb, "ws-1")

	if ws.ClaimGeneration != 0 {
		t.Fatalf("fresh generation = %d, want 0", ws.ClaimGeneration)
	}
	if err := gdb.ClaimLease(ws, "runner-1", DefaultLeaseTTL); err != nil {
		t.Fatalf("ClaimLease failed: %v", err)
	}
	if ws.ClaimGeneration != 1 || ws.RunnerID != "runner-1" {
		t.Errorf("after claim: gen=%d runner=%s, want 1/runner-1", ws.ClaimGeneration, ws.RunnerID)
	}
	if ws.LeaseExpiresAt == nil || !ws.LeaseExpiresAt.After(time.Now()) {
		t.Error("lease expiry not in the future")
	}

	persisted, _ := gdb.GetWorkstream("ws-1")
	if persisted.ClaimGeneration != 1 || persisted.RunnerID != "runner-1" {
		t.Errorf("persisted gen=%d runner=%s", persisted.ClaimGeneration, persisted.RunnerID)
	}
}

func TestWorkstream_StaleFenceIsNoOp(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	ws := newSessionWithWorkstream(t, gdb, "ws-1")

	if err := gdb.ClaimLease(ws, "runner-1", DefaultLeaseTTL); err != nil {
		t.Fatalf("ClaimLease failed: %v", err)
	}

	// A second caller holding the pre-claim snapshot has a stale fence:
	// every mutation it attempts must change nothing and fail loudly.
	stale, _ := gdb.GetWorkstream("ws-1")
	stale.ClaimGeneration = 0

	wantLeaseFence(t, gdb.ClaimLease(stale, "runner-2", DefaultLeaseTTL))
	wantLeaseFence(t, gdb.RefreshLease(stale, DefaultLeaseTTL))
	wantLeaseFence(t, gdb.SetWorkstreamStatus(stale, WorkstreamCompleted))
	if _, err := gdb.IncrementConflictAttempts(stale); err == nil {
		t.Fatal("IncrementConflictAttempts with stale fence succeeded")
	}

	// The row is untouched
	current, _ := gdb.GetWorkstream("ws-1")
	if current.ClaimGeneration != 1 || current.RunnerID != "runner-1" || current.Status != WorkstreamRunning {
		t.Errorf("row mutated through stale fence: %+v", current)
	}
}

func TestWorkstream_TakeoverAfterExpiry(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	ws := newSessionWithWorkstream(t, gdb, "ws-1")

	// Claim with an already-lapsed ttl to simulate a dead runner
	if err := gdb.ClaimLease(ws, "runner-dead", -time.Second); err != nil {
		t.Fatalf("ClaimLease failed: %v", err)
	}

	expired, err := gdb.ExpiredLeaseWorkstreams(time.Now())
	if err != nil {
		t.Fatalf("ExpiredLeaseWorkstreams failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "ws-1" {
		t.Fatalf("expired = %+v, want ws-1", expired)
	}

	// Takeover claims with the read fence and bumps the generation again
	takeover := &expired[0]
	if !takeover.LeaseExpired(time.Now()) {
		t.Fatal("lease should read as expired")
	}
	if err := gdb.ClaimLease(takeover, "runner-2", DefaultLeaseTTL); err != nil {
		t.Fatalf("takeover ClaimLease failed: %v", err)
	}
	if takeover.ClaimGeneration != 2 {
		t.Errorf("generation after takeover = %d, want 2", takeover.ClaimGeneration)
	}

	// The dead runner's fence is now stale
	wantLeaseFence(t, gdb.RefreshLease(ws, DefaultLeaseTTL))
}

func TestWorkstream_RefreshAndRelease(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	ws := newSessionWithWorkstream(t, gdb, "ws-1")

	if err := gdb.ClaimLease(ws, "runner-1", time.Second); err != nil {
		t.Fatalf("ClaimLease failed: %v", err)
	}
	before := *ws.LeaseExpiresAt

	if err := gdb.RefreshLease(ws, time.Hour); err != nil {
		t.Fatalf("RefreshLease failed: %v", err)
	}
	if !ws.LeaseExpiresAt.After(before) {
		t.Error("refresh did not advance expiry")
	}
	if err := gdb.VerifyLease(ws); err != nil {
		t.Fatalf("VerifyLease failed: %v", err)
	}

	if err := gdb.ReleaseLease(ws); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	current, _ := gdb.GetWorkstream("ws-1")
	if current.RunnerID != "" || current.LeaseExpiresAt != nil {
		t.Errorf("lease not cleared: %+v", current)
	}
	// Generation survives release so history stays monotonic
	if current.ClaimGeneration != 1 {
		t.Errorf("generation after release = %d, want 1", current.ClaimGeneration)
	}
}

func TestWorkstream_SealBatchIsAtomic(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	ws1 := newSessionWithWorkstream(t, gdb, "ws-1")
	ws2 := newSessionWithWorkstream(t, gdb, "ws-2")
	if err := gdb.ClaimLease(ws1, "runner-1", DefaultLeaseTTL); err != nil {
		t.Fatalf("ClaimLease failed: %v", err)
	}
	if err := gdb.ClaimLease(ws2, "runner-1", DefaultLeaseTTL); err != nil {
		t.Fatalf("ClaimLease failed: %v", err)
	}

	// Poison the second seal with a stale fence
	stale := *ws2
	stale.ClaimGeneration = 0

	err := gdb.SealWorkstreams([]WorkstreamSeal{
		{Workstream: ws1, BaseSHA: "base1", HeadSHA: "head1", Commits: []string{"a", "b"}, CompletionOrder: 1},
		{Workstream: &stale, BaseSHA: "base2", HeadSHA: "head2", Commits: []string{"c"}, CompletionOrder: 2},
	})
	wantLeaseFence(t, err)

	// Neither workstream was sealed
	for _, id := range []string{"ws-1", "ws-2"} {
		got, _ := gdb.GetWorkstream(id)
		if got.SealedHeadSHA != "" || got.CompletionOrder != nil {
			t.Errorf("%s partially sealed after rollback: %+v", id, got)
		}
	}

	// With both fences current the batch commits
	err = gdb.SealWorkstreams([]WorkstreamSeal{
		{Workstream: ws1, BaseSHA: "base1", HeadSHA: "head1", Commits: []string{"a", "b"}, CompletionOrder: 1},
		{Workstream: ws2, BaseSHA: "base2", HeadSHA: "head2", Commits: []string{"c"}, CompletionOrder: 2},
	})
	if err != nil {
		t.Fatalf("SealWorkstreams failed: %v", err)
	}

	got, _ := gdb.GetWorkstream("ws-1")
	if got.SealedBaseSHA != "base1" || got.SealedHeadSHA != "head1" {
		t.Errorf("sealed SHAs = %s..%s", got.SealedBaseSHA, got.SealedHeadSHA)
	}
	if len(got.SealedCommits) != 2 || got.SealedCommits[0] != "a" || got.SealedCommits[1] != "b" {
		t.Errorf("sealed commits = %v, want [a b]", got.SealedCommits)
	}
	if got.CompletionOrder == nil || *got.CompletionOrder != 1 {
		t.Errorf("completion order = %v, want 1", got.CompletionOrder)
	}
	if got.CompletedAt == nil {
		t.Error("sealing did not stamp completed_at")
	}

	// Listing returns completion order
	list, err := gdb.ListWorkstreams("sess-1")
	if err != nil {
		t.Fatalf("ListWorkstreams failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "ws-1" || list[1].ID != "ws-2" {
		t.Errorf("list order = %v", []string{list[0].ID, list[1].ID})
	}
}

func TestWorkstream_AttemptCounters(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	ws := newSessionWithWorkstream(t, gdb, "ws-1")
	if err := gdb.ClaimLease(ws, "runner-1", DefaultLeaseTTL); err != nil {
		t.Fatalf("ClaimLease failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		n, err := gdb.IncrementConflictAttempts(ws)
		if err != nil {
			t.Fatalf("IncrementConflictAttempts failed: %v", err)
		}
		if n != want {
			t.Errorf("conflict attempts = %d, want %d", n, want)
		}
	}
	n, err := gdb.IncrementRecoveryAttempts(ws)
	if err != nil {
		t.Fatalf("IncrementRecoveryAttempts failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovery attempts = %d, want 1", n)
	}

	got, _ := gdb.GetWorkstream("ws-1")
	if got.ConflictAttempts != 3 || got.RecoveryAttempts != 1 {
		t.Errorf("persisted counters = %d/%d, want 3/1", got.ConflictAttempts, got.RecoveryAttempts)
	}
}

func TestWorkstream_Reconcile(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)
	ws := newSessionWithWorkstream(t, gdb, "ws-1")

	if err := gdb.MarkWorkstreamReconciled(ws.ID, "branch had 2 unmerged commits, resealed"); err != nil {
		t.Fatalf("MarkWorkstreamReconciled failed: %v", err)
	}
	got, _ := gdb.GetWorkstream("ws-1")
	if got.ReconciledAt == nil {
		t.Error("ReconciledAt not stamped")
	}
	if got.ReconcileNotes == "" {
		t.Error("ReconcileNotes not stored")
	}

	if err := gdb.MarkWorkstreamReconciled("ws-404", "x"); err == nil {
		t.Fatal("reconcile of missing workstream succeeded")
	}
}

package db

import (
	"testing"
)

func TestMergeProgress_UpsertAndGet(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	p := &MergeProgress{
		SessionID:    "sess-1",
		WorkstreamID: "ws-1",
		Position:     0,
		SourceSHA:    "aaa111",
		Status:       ProgressApplied,
		AppliedSHA:   "bbb222",
	}
	if err := gdb.UpsertMergeProgress(p); err != nil {
		t.Fatalf("UpsertMergeProgress failed: %v", err)
	}

	got, err := gdb.GetMergeProgress("sess-1", "ws-1", 0)
	if err != nil {
		t.Fatalf("GetMergeProgress failed: %v", err)
	}
	if got == nil || got.Status != ProgressApplied || got.AppliedSHA != "bbb222" {
		t.Fatalf("got %+v, want applied/bbb222", got)
	}

	// Unattempted positions read as nil
	missing, err := gdb.GetMergeProgress("sess-1", "ws-1", 1)
	if err != nil {
		t.Fatalf("GetMergeProgress missing failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing = %+v, want nil", missing)
	}

	// Re-attempt replaces the checkpoint in place
	p.Status = ProgressConflict
	p.AppliedSHA = ""
	p.ConflictTaskID = "conflict-1"
	p.Notes = "REJECT: dropped the null check"
	if err := gdb.UpsertMergeProgress(p); err != nil {
		t.Fatalf("UpsertMergeProgress update failed: %v", err)
	}
	got, _ = gdb.GetMergeProgress("sess-1", "ws-1", 0)
	if got.Status != ProgressConflict || got.AppliedSHA != "" || got.ConflictTaskID != "conflict-1" {
		t.Errorf("after update: %+v", got)
	}
}

func TestMergeProgress_ListOrderAndClear(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	rows := []MergeProgress{
		{SessionID: "sess-1", WorkstreamID: "ws-b", Position: 0, SourceSHA: "c", Status: ProgressApplied},
		{SessionID: "sess-1", WorkstreamID: "ws-a", Position: 1, SourceSHA: "b", Status: ProgressSkipped},
		{SessionID: "sess-1", WorkstreamID: "ws-a", Position: 0, SourceSHA: "a", Status: ProgressApplied},
		{SessionID: "sess-2", WorkstreamID: "ws-x", Position: 0, SourceSHA: "z", Status: ProgressApplied},
	}
	for i := range rows {
		if err := gdb.UpsertMergeProgress(&rows[i]); err != nil {
			t.Fatalf("UpsertMergeProgress failed: %v", err)
		}
	}

	list, err := gdb.ListMergeProgress("sess-1")
	if err != nil {
		t.Fatalf("ListMergeProgress failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len(list) = %d, want 3", len(list))
	}
	wantOrder := []string{"a", "b", "c"}
	for i, want := range wantOrder {
		if list[i].SourceSHA != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].SourceSHA, want)
		}
	}

	if err := gdb.ClearMergeProgress("sess-1", "ws-a", 0); err != nil {
		t.Fatalf("ClearMergeProgress failed: %v", err)
	}
	got, _ := gdb.GetMergeProgress("sess-1", "ws-a", 0)
	if got != nil {
		t.Errorf("checkpoint survived clear: %+v", got)
	}
	list, _ = gdb.ListMergeProgress("sess-1")
	if len(list) != 2 {
		t.Errorf("len(list) after clear = %d, want 2", len(list))
	}
}

package db

import (
	"testing"
	"time"
)

func TestInvocation_Lifecycle(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	inv := &Invocation{
		ID:       "inv-001",
		TaskID:   "TASK-001",
		Role:     "coder",
		Provider: "claude",
		Model:    "opus",
	}
	if err := pdb.StartInvocation(inv); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	if inv.Status != InvocationRunning {
		t.Errorf("Status = %q, want running", inv.Status)
	}

	if err := pdb.CompleteInvocation("inv-001", InvocationCompleted, "done, submitting", "", true, false); err != nil {
		t.Fatalf("CompleteInvocation failed: %v", err)
	}

	got, err := pdb.GetInvocation("inv-001")
	if err != nil {
		t.Fatalf("GetInvocation failed: %v", err)
	}
	if got.Status != InvocationCompleted || !got.Success || got.TimedOut {
		t.Errorf("invocation = %+v, want completed/success", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
	if got.Response != "done, submitting" {
		t.Errorf("Response = %q", got.Response)
	}
}

func TestInvocation_CompleteValidatesStatus(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	if err := pdb.StartInvocation(&Invocation{ID: "inv-001", Role: "coder", Provider: "claude"}); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	if err := pdb.CompleteInvocation("inv-001", "paused", "", "", false, false); err == nil {
		t.Fatal("CompleteInvocation accepted a bad status")
	}
	if err := pdb.CompleteInvocation("inv-404", InvocationFailed, "", "boom", false, false); err == nil {
		t.Fatal("CompleteInvocation succeeded for a missing id")
	}
}

func TestInvocation_ListAndPrune(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	old := &Invocation{ID: "inv-old", TaskID: "TASK-001", Role: "coder", Provider: "claude",
		StartedAt: time.Now().Add(-48 * time.Hour)}
	if err := pdb.StartInvocation(old); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}
	fresh := &Invocation{ID: "inv-new", TaskID: "TASK-001", Role: "reviewer", Provider: "claude"}
	if err := pdb.StartInvocation(fresh); err != nil {
		t.Fatalf("StartInvocation failed: %v", err)
	}

	list, err := pdb.ListInvocations("TASK-001")
	if err != nil {
		t.Fatalf("ListInvocations failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}

	pruned, err := pdb.PruneInvocations(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneInvocations failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	list, _ = pdb.ListInvocations("TASK-001")
	if len(list) != 1 || list[0].ID != "inv-new" {
		t.Errorf("after prune list = %+v, want only inv-new", list)
	}
}

package db

import (
	"testing"
	"time"
)

func TestRunner_Lifecycle(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	r := &Runner{ID: "runner-1", PID: 4242, ProjectPath: "/home/user/project"}
	if err := gdb.RegisterRunner(r); err != nil {
		t.Fatalf("RegisterRunner failed: %v", err)
	}
	if r.Status != RunnerRunning {
		t.Errorf("Status = %q, want running", r.Status)
	}

	stop, err := gdb.IsStopRequested("runner-1")
	if err != nil {
		t.Fatalf("IsStopRequested failed: %v", err)
	}
	if stop {
		t.Error("fresh runner already stop-requested")
	}

	if err := gdb.SetRunnerTask("runner-1", "TASK-007"); err != nil {
		t.Fatalf("SetRunnerTask failed: %v", err)
	}
	got, _ := gdb.GetRunner("runner-1")
	if got.CurrentTaskID != "TASK-007" {
		t.Errorf("CurrentTaskID = %q, want TASK-007", got.CurrentTaskID)
	}

	if err := gdb.StopRunner("runner-1"); err != nil {
		t.Fatalf("StopRunner failed: %v", err)
	}
	stop, _ = gdb.IsStopRequested("runner-1")
	if !stop {
		t.Error("stop not observed after StopRunner")
	}
}

func TestRunner_MissingRowMeansStop(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	// A deleted row means a cleanup pass already decided this runner is
	// gone; the runner should wind down rather than resurrect itself.
	stop, err := gdb.IsStopRequested("runner-ghost")
	if err != nil {
		t.Fatalf("IsStopRequested failed: %v", err)
	}
	if !stop {
		t.Error("missing runner row should read as stop requested")
	}
}

func TestRunner_ActiveWindow(t *testing.T) {
	t.Parallel()
	gdb := NewTestGlobalDB(t)

	fresh := &Runner{ID: "runner-fresh", PID: 1, ProjectPath: "/p1"}
	if err := gdb.RegisterRunner(fresh); err != nil {
		t.Fatalf("RegisterRunner failed: %v", err)
	}

	stale := &Runner{ID: "runner-stale", PID: 2, ProjectPath: "/p2",
		HeartbeatAt: time.Now().Add(-ActiveHeartbeatWindow - time.Minute)}
	if err := gdb.RegisterRunner(stale); err != nil {
		t.Fatalf("RegisterRunner failed: %v", err)
	}

	stopped := &Runner{ID: "runner-stopped", PID: 3, ProjectPath: "/p3", Status: RunnerStopped}
	if err := gdb.RegisterRunner(stopped); err != nil {
		t.Fatalf("RegisterRunner failed: %v", err)
	}

	tests := []struct {
		project string
		want    bool
	}{
		{"/p1", true},
		{"/p2", false}, // heartbeat outside the window
		{"/p3", false}, // stopped
		{"/p4", false}, // no runner at all
	}
	for _, tc := range tests {
		active, err := gdb.HasActiveRunnerForProject(tc.project)
		if err != nil {
			t.Fatalf("HasActiveRunnerForProject(%s) failed: %v", tc.project, err)
		}
		if active != tc.want {
			t.Errorf("HasActiveRunnerForProject(%s) = %v, want %v", tc.project, active, tc.want)
		}
	}

	staleRunners, err := gdb.StaleRunners()
	if err != nil {
		t.Fatalf("StaleRunners failed: %v", err)
	}
	if len(staleRunners) != 1 || staleRunners[0].ID != "runner-stale" {
		t.Errorf("StaleRunners = %+v, want exactly runner-stale", staleRunners)
	}

	// Heartbeat brings a stale runner back inside the window
	if err := gdb.HeartbeatRunner("runner-stale"); err != nil {
		t.Fatalf("HeartbeatRunner failed: %v", err)
	}
	active, _ := gdb.HasActiveRunnerForProject("/p2")
	if !active {
		t.Error("runner not active after heartbeat")
	}
}

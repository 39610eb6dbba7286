package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Runner statuses.
const (
	RunnerRunning = "running"
	RunnerStopped = "stopped"
)

// ActiveHeartbeatWindow is how recently a runner must have heartbeated to
// count as active.
const ActiveHeartbeatWindow = 5 * time.Minute

// Runner represents a live runner process registered in the control plane.
type Runner struct {
	ID            string
	PID           int
	ProjectPath   string
	Status        string
	CurrentTaskID string
	StartedAt     time.Time
	HeartbeatAt   time.Time
}

// RegisterRunner inserts a runner row at process start.
func (g *GlobalDB) RegisterRunner(r *Runner) error {
	if r.Status == "" {
		r.Status = RunnerRunning
	}
	now := time.Now()
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if r.HeartbeatAt.IsZero() {
		r.HeartbeatAt = now
	}
	_, err := g.Exec(`
		INSERT INTO runners (id, pid, project_path, status, current_task_id, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.PID, r.ProjectPath, r.Status, nullIfEmpty(r.CurrentTaskID),
		formatTime(r.StartedAt), formatTime(r.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("register runner: %w", err)
	}
	return nil
}

// HeartbeatRunner refreshes a runner's heartbeat timestamp.
func (g *GlobalDB) HeartbeatRunner(id string) error {
	_, err := g.Exec("UPDATE runners SET heartbeat_at = ? WHERE id = ?", formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("heartbeat runner: %w", err)
	}
	return nil
}

// SetRunnerTask records which task the runner is currently executing. Pass
// an empty id between tasks.
func (g *GlobalDB) SetRunnerTask(id, taskID string) error {
	_, err := g.Exec("UPDATE runners SET current_task_id = ?, heartbeat_at = ? WHERE id = ?",
		nullIfEmpty(taskID), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set runner task: %w", err)
	}
	return nil
}

// StopRunner marks a runner stopped. Runners poll this status between
// tasks, so the stop takes effect at the next task boundary.
func (g *GlobalDB) StopRunner(id string) error {
	_, err := g.Exec("UPDATE runners SET status = ?, heartbeat_at = ? WHERE id = ?",
		RunnerStopped, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("stop runner: %w", err)
	}
	return nil
}

// GetRunner retrieves a runner by id. Returns (nil, nil) when absent.
func (g *GlobalDB) GetRunner(id string) (*Runner, error) {
	row := g.QueryRow(`
		SELECT id, pid, project_path, status, current_task_id, started_at, heartbeat_at
		FROM runners WHERE id = ?
	`, id)
	r, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get runner %s: %w", id, err)
	}
	return r, nil
}

// IsStopRequested reports whether the runner row has been marked stopped.
func (g *GlobalDB) IsStopRequested(id string) (bool, error) {
	r, err := g.GetRunner(id)
	if err != nil {
		return false, err
	}
	if r == nil {
		return true, nil
	}
	return r.Status == RunnerStopped, nil
}

// ListRunners returns every runner row, newest first.
func (g *GlobalDB) ListRunners() ([]Runner, error) {
	rows, err := g.Query(`
		SELECT id, pid, project_path, status, current_task_id, started_at, heartbeat_at
		FROM runners ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runners []Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan runner: %w", err)
		}
		runners = append(runners, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runners: %w", err)
	}
	return runners, nil
}

// HasActiveRunnerForProject reports whether a runner for the project is not
// stopped and has heartbeated within the active window.
func (g *GlobalDB) HasActiveRunnerForProject(projectPath string) (bool, error) {
	cutoff := formatTime(time.Now().Add(-ActiveHeartbeatWindow))
	var n int
	row := g.QueryRow(`
		SELECT COUNT(*) FROM runners
		WHERE project_path = ? AND status != ? AND heartbeat_at >= ?
	`, projectPath, RunnerStopped, cutoff)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("count active runners: %w", err)
	}
	return n > 0, nil
}

// StaleRunners returns runners that are not stopped but whose heartbeat is
// older than the active window. The wakeup controller sweeps these before
// scanning for pending work.
func (g *GlobalDB) StaleRunners() ([]Runner, error) {
	cutoff := formatTime(time.Now().Add(-ActiveHeartbeatWindow))
	rows, err := g.Query(`
		SELECT id, pid, project_path, status, current_task_id, started_at, heartbeat_at
		FROM runners WHERE status != ? AND heartbeat_at < ?
	`, RunnerStopped, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale runners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runners []Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale runner: %w", err)
		}
		runners = append(runners, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale runners: %w", err)
	}
	return runners, nil
}

// DeleteRunner removes a runner row.
func (g *GlobalDB) DeleteRunner(id string) error {
	_, err := g.Exec("DELETE FROM runners WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	return nil
}

func scanRunner(row rowScanner) (*Runner, error) {
	var r Runner
	var currentTaskID sql.NullString
	var startedAt, heartbeatAt string
	if err := row.Scan(&r.ID, &r.PID, &r.ProjectPath, &r.Status, &currentTaskID,
		&startedAt, &heartbeatAt); err != nil {
		return nil, err
	}
	r.CurrentTaskID = currentTaskID.String
	r.StartedAt = parseTimestamp(startedAt)
	r.HeartbeatAt = parseTimestamp(heartbeatAt)
	return &r, nil
}

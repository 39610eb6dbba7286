package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Invocation statuses.
const (
	InvocationRunning   = "running"
	InvocationCompleted = "completed"
	InvocationFailed    = "failed"
	InvocationTimeout   = "timeout"
)

// Invocation is the per-invocation audit record for a provider call. The
// companion NDJSON activity log lives at
// <project>/.steroids/invocations/<id>.log.
type Invocation struct {
	ID          string
	TaskID      string
	Role        string
	Provider    string
	Model       string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Response    string
	Error       string
	Success     bool
	TimedOut    bool
}

// StartInvocation records the start of a provider invocation.
func (p *ProjectDB) StartInvocation(inv *Invocation) error {
	if inv.Status == "" {
		inv.Status = InvocationRunning
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now()
	}
	_, err := p.Exec(`
		INSERT INTO invocations (id, task_id, role, provider, model, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, nullIfEmpty(inv.TaskID), inv.Role, inv.Provider, nullIfEmpty(inv.Model),
		inv.Status, formatTime(inv.StartedAt))
	if err != nil {
		return fmt.Errorf("start invocation: %w", err)
	}
	return nil
}

// CompleteInvocation records the terminal outcome of an invocation. Status
// must be one of completed, failed, or timeout.
func (p *ProjectDB) CompleteInvocation(id, status, response, errText string, success, timedOut bool) error {
	switch status {
	case InvocationCompleted, InvocationFailed, InvocationTimeout:
	default:
		return fmt.Errorf("complete invocation: invalid status %q", status)
	}

	successInt := 0
	if success {
		successInt = 1
	}
	timedOutInt := 0
	if timedOut {
		timedOutInt = 1
	}

	res, err := p.Exec(`
		UPDATE invocations
		SET status = ?, completed_at = ?, response = ?, error = ?, success = ?, timed_out = ?
		WHERE id = ?
	`, status, formatTime(time.Now()), nullIfEmpty(response), nullIfEmpty(errText),
		successInt, timedOutInt, id)
	if err != nil {
		return fmt.Errorf("complete invocation: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("complete invocation: %s not found", id)
	}
	return nil
}

// GetInvocation retrieves an invocation by id. Returns (nil, nil) when
// absent.
func (p *ProjectDB) GetInvocation(id string) (*Invocation, error) {
	row := p.QueryRow(`
		SELECT id, task_id, role, provider, model, status, started_at, completed_at,
			response, error, success, timed_out
		FROM invocations WHERE id = ?
	`, id)
	inv, err := scanInvocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get invocation %s: %w", id, err)
	}
	return inv, nil
}

// ListInvocations returns a task's invocations, oldest first.
func (p *ProjectDB) ListInvocations(taskID string) ([]Invocation, error) {
	rows, err := p.Query(`
		SELECT id, task_id, role, provider, model, status, started_at, completed_at,
			response, error, success, timed_out
		FROM invocations WHERE task_id = ? ORDER BY started_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invocations []Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		invocations = append(invocations, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return invocations, nil
}

// PruneInvocations deletes invocation rows older than the cutoff and
// returns how many were removed.
func (p *ProjectDB) PruneInvocations(olderThan time.Time) (int64, error) {
	res, err := p.Exec("DELETE FROM invocations WHERE started_at < ?", formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune invocations: %w", err)
	}
	return rowsChanged(res)
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var inv Invocation
	var taskID, model, response, errText sql.NullString
	var startedAt string
	var completedAt sql.NullString
	var success, timedOut int
	if err := row.Scan(&inv.ID, &taskID, &inv.Role, &inv.Provider, &model, &inv.Status,
		&startedAt, &completedAt, &response, &errText, &success, &timedOut); err != nil {
		return nil, err
	}
	inv.TaskID = taskID.String
	inv.Model = model.String
	inv.Response = response.String
	inv.Error = errText.String
	inv.StartedAt = parseTimestamp(startedAt)
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		inv.CompletedAt = &t
	}
	inv.Success = success != 0
	inv.TimedOut = timedOut != 0
	return &inv, nil
}

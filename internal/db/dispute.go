package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	steroidserrors "github.com/UnlikeOtherAI/steroids-cli-sub003/internal/errors"
	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/task"
)

// Dispute records a disagreement between coder and reviewer, or a system
// escalation.
type Dispute struct {
	ID               string
	TaskID           string
	Type             task.DisputeType
	Status           task.DisputeStatus
	Reason           string
	CoderPosition    string
	ReviewerPosition string
	Resolution       string
	ResolutionNotes  string
	CreatedBy        string
	ResolvedBy       string
	CreatedAt        time.Time
	ResolvedAt       *time.Time
}

// CreateDispute opens a dispute. The unique partial index on open blocking
// disputes enforces at most one open non-minor dispute per task; a second
// insert surfaces as DISPUTE_OPEN.
func (p *ProjectDB) CreateDispute(d *Dispute) error {
	if !task.IsValidDisputeType(d.Type) {
		return fmt.Errorf("create dispute: invalid type %q", d.Type)
	}
	if d.Status == "" {
		d.Status = task.DisputeOpen
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := p.Exec(`
		INSERT INTO disputes (id, task_id, type, status, reason, coder_position, reviewer_position,
			resolution, resolution_notes, created_by, resolved_by, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TaskID, string(d.Type), string(d.Status), nullIfEmpty(d.Reason),
		nullIfEmpty(d.CoderPosition), nullIfEmpty(d.ReviewerPosition),
		nullIfEmpty(d.Resolution), nullIfEmpty(d.ResolutionNotes),
		nullIfEmpty(d.CreatedBy), nullIfEmpty(d.ResolvedBy),
		formatTime(d.CreatedAt), formatNullableTime(d.ResolvedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			return steroidserrors.Newf(steroidserrors.CodeDisputeOpen,
				"task %s already has an open blocking dispute", d.TaskID)
		}
		return fmt.Errorf("create dispute: %w", err)
	}
	return nil
}

// GetDispute retrieves a dispute by id. Returns (nil, nil) when absent.
func (p *ProjectDB) GetDispute(id string) (*Dispute, error) {
	row := p.QueryRow(`
		SELECT id, task_id, type, status, reason, coder_position, reviewer_position,
			resolution, resolution_notes, created_by, resolved_by, created_at, resolved_at
		FROM disputes WHERE id = ?
	`, id)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get dispute %s: %w", id, err)
	}
	return d, nil
}

// ListDisputes returns a task's disputes, newest first. taskID may be empty
// to list every dispute.
func (p *ProjectDB) ListDisputes(taskID string) ([]Dispute, error) {
	query := `
		SELECT id, task_id, type, status, reason, coder_position, reviewer_position,
			resolution, resolution_notes, created_by, resolved_by, created_at, resolved_at
		FROM disputes
	`
	var args []any
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := p.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var disputes []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		disputes = append(disputes, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disputes: %w", err)
	}
	return disputes, nil
}

// OpenBlockingDispute returns the task's open non-minor dispute, or
// (nil, nil) when there is none.
func (p *ProjectDB) OpenBlockingDispute(taskID string) (*Dispute, error) {
	row := p.QueryRow(`
		SELECT id, task_id, type, status, reason, coder_position, reviewer_position,
			resolution, resolution_notes, created_by, resolved_by, created_at, resolved_at
		FROM disputes
		WHERE task_id = ? AND status = ? AND type != ?
	`, taskID, string(task.DisputeOpen), string(task.DisputeMinor))
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("open blocking dispute for %s: %w", taskID, err)
	}
	return d, nil
}

// ResolveDispute closes a dispute with a decision.
func (p *ProjectDB) ResolveDispute(id, resolution, notes, resolvedBy string) error {
	res, err := p.Exec(`
		UPDATE disputes
		SET status = ?, resolution = ?, resolution_notes = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(task.DisputeResolved), resolution, nullIfEmpty(notes), resolvedBy,
		formatTime(time.Now()), id, string(task.DisputeOpen))
	if err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("resolve dispute: %s is not open", id)
	}
	return nil
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var typ, status string
	var reason, coderPos, reviewerPos, resolution, resolutionNotes, createdBy, resolvedBy sql.NullString
	var createdAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&d.ID, &d.TaskID, &typ, &status, &reason, &coderPos, &reviewerPos,
		&resolution, &resolutionNotes, &createdBy, &resolvedBy, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	d.Type = task.DisputeType(typ)
	d.Status = task.DisputeStatus(status)
	d.Reason = reason.String
	d.CoderPosition = coderPos.String
	d.ReviewerPosition = reviewerPos.String
	d.Resolution = resolution.String
	d.ResolutionNotes = resolutionNotes.String
	d.CreatedBy = createdBy.String
	d.ResolvedBy = resolvedBy.String
	d.CreatedAt = parseTimestamp(createdAt)
	if resolvedAt.Valid {
		t := parseTimestamp(resolvedAt.String)
		d.ResolvedAt = &t
	}
	return &d, nil
}

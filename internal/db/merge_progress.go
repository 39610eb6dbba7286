package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Merge progress statuses. One row per cherry-pick checkpoint.
const (
	ProgressApplied  = "applied"
	ProgressConflict = "conflict"
	ProgressSkipped  = "skipped"
)

// MergeProgress is the durable checkpoint for one cherry-pick: the source
// commit at a given position of a workstream's sealed list, and what became
// of it. A crashed merge resumes by reading these rows back.
type MergeProgress struct {
	SessionID      string
	WorkstreamID   string
	Position       int
	SourceSHA      string
	Status         string
	AppliedSHA     string
	ConflictTaskID string
	Notes          string
	UpdatedAt      time.Time
}

// UpsertMergeProgress writes a checkpoint, replacing any prior row at the
// same (session, workstream, position).
func (g *GlobalDB) UpsertMergeProgress(p *MergeProgress) error {
	p.UpdatedAt = time.Now()
	_, err := g.Exec(`
		INSERT INTO merge_progress (session_id, workstream_id, position, source_sha, status, applied_sha, conflict_task_id, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, workstream_id, position) DO UPDATE SET
			source_sha = excluded.source_sha,
			status = excluded.status,
			applied_sha = excluded.applied_sha,
			conflict_task_id = excluded.conflict_task_id,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`, p.SessionID, p.WorkstreamID, p.Position, p.SourceSHA, p.Status,
		nullIfEmpty(p.AppliedSHA), nullIfEmpty(p.ConflictTaskID), nullIfEmpty(p.Notes),
		formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert merge progress: %w", err)
	}
	return nil
}

// GetMergeProgress reads the checkpoint at one position. Returns (nil, nil)
// when the position has never been attempted.
func (g *GlobalDB) GetMergeProgress(sessionID, workstreamID string, position int) (*MergeProgress, error) {
	row := g.QueryRow(`
		SELECT session_id, workstream_id, position, source_sha, status, applied_sha, conflict_task_id, notes, updated_at
		FROM merge_progress
		WHERE session_id = ? AND workstream_id = ? AND position = ?
	`, sessionID, workstreamID, position)
	p, err := scanMergeProgress(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get merge progress: %w", err)
	}
	return p, nil
}

// ListMergeProgress returns every checkpoint of a session ordered by
// workstream then position.
func (g *GlobalDB) ListMergeProgress(sessionID string) ([]MergeProgress, error) {
	rows, err := g.Query(`
		SELECT session_id, workstream_id, position, source_sha, status, applied_sha, conflict_task_id, notes, updated_at
		FROM merge_progress
		WHERE session_id = ?
		ORDER BY workstream_id, position
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list merge progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var progress []MergeProgress
	for rows.Next() {
		p, err := scanMergeProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merge progress: %w", err)
		}
		progress = append(progress, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge progress: %w", err)
	}
	return progress, nil
}

// ClearMergeProgress removes one checkpoint so the position can be retried,
// used when a previously applied commit is found rolled back on mainline.
func (g *GlobalDB) ClearMergeProgress(sessionID, workstreamID string, position int) error {
	_, err := g.Exec(`
		DELETE FROM merge_progress
		WHERE session_id = ? AND workstream_id = ? AND position = ?
	`, sessionID, workstreamID, position)
	if err != nil {
		return fmt.Errorf("clear merge progress: %w", err)
	}
	return nil
}

func scanMergeProgress(row rowScanner) (*MergeProgress, error) {
	var p MergeProgress
	var appliedSHA, conflictTaskID, notes sql.NullString
	var updatedAt string
	if err := row.Scan(&p.SessionID, &p.WorkstreamID, &p.Position, &p.SourceSHA, &p.Status,
		&appliedSHA, &conflictTaskID, &notes, &updatedAt); err != nil {
		return nil, err
	}
	p.AppliedSHA = appliedSHA.String
	p.ConflictTaskID = conflictTaskID.String
	p.Notes = notes.String
	p.UpdatedAt = parseTimestamp(updatedAt)
	return &p, nil
}

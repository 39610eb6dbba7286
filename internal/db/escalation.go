package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// Validation escalation statuses.
const (
	EscalationOpen     = "open"
	EscalationResolved = "resolved"
)

// escalationSnippetLimit bounds the stored stdout/stderr snippets so a noisy
// validation command cannot bloat the global store.
const escalationSnippetLimit = 8000

// ValidationEscalation records a failed validation gate for human review.
// The integration workspace is preserved on disk; the row carries its path
// and enough output to diagnose without re-running.
type ValidationEscalation struct {
	ID            string
	SessionID     string
	ProjectPath   string
	WorkspacePath string
	Command       string
	ErrorMessage  string
	StdoutSnippet string
	StderrSnippet string
	Status        string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// RecordValidationEscalation persists an escalation, truncating output
// snippets to the storage limit.
func (g *GlobalDB) RecordValidationEscalation(e *ValidationEscalation) error {
	if e.Status == "" {
		e.Status = EscalationOpen
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.StdoutSnippet = util.Truncate(e.StdoutSnippet, escalationSnippetLimit)
	e.StderrSnippet = util.Truncate(e.StderrSnippet, escalationSnippetLimit)

	_, err := g.Exec(`
		INSERT INTO validation_escalations (id, session_id, project_path, workspace_path, command, error_message, stdout_snippet, stderr_snippet, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.ProjectPath, nullIfEmpty(e.WorkspacePath), nullIfEmpty(e.Command),
		nullIfEmpty(e.ErrorMessage), nullIfEmpty(e.StdoutSnippet), nullIfEmpty(e.StderrSnippet),
		e.Status, formatTime(e.CreatedAt), formatNullableTime(e.ResolvedAt))
	if err != nil {
		return fmt.Errorf("record validation escalation: %w", err)
	}
	return nil
}

// GetValidationEscalation retrieves an escalation by id. Returns (nil, nil)
// when absent.
func (g *GlobalDB) GetValidationEscalation(id string) (*ValidationEscalation, error) {
	row := g.QueryRow(`
		SELECT id, session_id, project_path, workspace_path, command, error_message, stdout_snippet, stderr_snippet, status, created_at, resolved_at
		FROM validation_escalations WHERE id = ?
	`, id)
	e, err := scanEscalation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get validation escalation %s: %w", id, err)
	}
	return e, nil
}

// ListOpenEscalations returns open escalations, oldest first. sessionID may
// be empty to list across sessions.
func (g *GlobalDB) ListOpenEscalations(sessionID string) ([]ValidationEscalation, error) {
	query := `
		SELECT id, session_id, project_path, workspace_path, command, error_message, stdout_snippet, stderr_snippet, status, created_at, resolved_at
		FROM validation_escalations
		WHERE status = ?
	`
	args := []any{EscalationOpen}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at, id"

	rows, err := g.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list open escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var escalations []ValidationEscalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		escalations = append(escalations, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return escalations, nil
}

// ResolveEscalationsForSession closes every open escalation of a session.
// Called when the merge finally completes. Returns the number resolved.
func (g *GlobalDB) ResolveEscalationsForSession(sessionID string) (int64, error) {
	res, err := g.Exec(`
		UPDATE validation_escalations
		SET status = ?, resolved_at = ?
		WHERE session_id = ? AND status = ?
	`, EscalationResolved, formatTime(time.Now()), sessionID, EscalationOpen)
	if err != nil {
		return 0, fmt.Errorf("resolve escalations: %w", err)
	}
	return rowsChanged(res)
}

func scanEscalation(row rowScanner) (*ValidationEscalation, error) {
	var e ValidationEscalation
	var workspacePath, command, errorMessage, stdoutSnippet, stderrSnippet sql.NullString
	var createdAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&e.ID, &e.SessionID, &e.ProjectPath, &workspacePath, &command,
		&errorMessage, &stdoutSnippet, &stderrSnippet, &e.Status, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	e.WorkspacePath = workspacePath.String
	e.Command = command.String
	e.ErrorMessage = errorMessage.String
	e.StdoutSnippet = stdoutSnippet.String
	e.StderrSnippet = stderrSnippet.String
	e.CreatedAt = parseTimestamp(createdAt)
	if resolvedAt.Valid {
		t := parseTimestamp(resolvedAt.String)
		e.ResolvedAt = &t
	}
	return &e, nil
}

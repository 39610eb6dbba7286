package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Parallel session statuses.
const (
	SessionRunning           = "running"
	SessionMerging           = "merging"
	SessionCleanupDraining   = "cleanup_draining"
	SessionCleanupPending    = "cleanup_pending"
	SessionCompleted         = "completed"
	SessionFailed            = "failed"
	SessionAborted           = "aborted"
	SessionBlockedValidation = "blocked_validation"
	SessionBlockedConflict   = "blocked_conflict"
)

// SessionTerminal reports whether a session status ends its lifecycle.
// Blocked sessions are not terminal: they wait for a human and then resume.
func SessionTerminal(status string) bool {
	switch status {
	case SessionCompleted, SessionFailed, SessionAborted:
		return true
	default:
		return false
	}
}

// Session groups the workstreams launched together for one parallel run.
type Session struct {
	ID          string
	ProjectPath string
	RepoID      string // canonicalized project identity (realpath hash)
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// CreateSession inserts a session. The partial unique index on non-terminal
// sessions per repo id enforces the single-active-session invariant at
// insert time; violations surface as ErrSessionConflict.
func (g *GlobalDB) CreateSession(s *Session) error {
	if s.Status == "" {
		s.Status = SessionRunning
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err := g.Exec(`
		INSERT INTO sessions (id, project_path, repo_id, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.ProjectPath, s.RepoID, s.Status, formatTime(s.CreatedAt), formatNullableTime(s.CompletedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			return ErrSessionConflict
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns (nil, nil) when absent.
func (g *GlobalDB) GetSession(id string) (*Session, error) {
	row := g.QueryRow(`
		SELECT id, project_path, repo_id, status, created_at, completed_at
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// ActiveSessionForRepo returns the repo's non-terminal session, or
// (nil, nil) when there is none.
func (g *GlobalDB) ActiveSessionForRepo(repoID string) (*Session, error) {
	row := g.QueryRow(`
		SELECT id, project_path, repo_id, status, created_at, completed_at
		FROM sessions
		WHERE repo_id = ? AND status NOT IN (?, ?, ?)
	`, repoID, SessionCompleted, SessionFailed, SessionAborted)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("active session for repo %s: %w", repoID, err)
	}
	return s, nil
}

// ListSessions returns sessions, newest first. projectPath may be empty to
// list across projects.
func (g *GlobalDB) ListSessions(projectPath string) ([]Session, error) {
	query := `
		SELECT id, project_path, repo_id, status, created_at, completed_at
		FROM sessions
	`
	var args []any
	if projectPath != "" {
		query += " WHERE project_path = ?"
		args = append(args, projectPath)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := g.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SetSessionStatus moves a session to a new status. Terminal statuses also
// stamp completed_at.
func (g *GlobalDB) SetSessionStatus(id, status string) error {
	var completedAt *string
	if SessionTerminal(status) {
		s := formatTime(time.Now())
		completedAt = &s
	}
	res, err := g.Exec("UPDATE sessions SET status = ?, completed_at = ? WHERE id = ?",
		status, completedAt, id)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if n, err := rowsChanged(res); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("set session status: session %s not found", id)
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its workstreams.
func (g *GlobalDB) DeleteSession(id string) error {
	_, err := g.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&s.ID, &s.ProjectPath, &s.RepoID, &s.Status, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	s.CreatedAt = parseTimestamp(createdAt)
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		s.CompletedAt = &t
	}
	return &s, nil
}

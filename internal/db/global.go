package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db/driver"
)

// ErrSessionConflict is returned when inserting a second non-terminal
// session for the same project repo id.
var ErrSessionConflict = errors.New("a non-terminal parallel session already exists for this project")

// GlobalDB provides operations on the global control plane
// (~/.steroids/steroids.db).
type GlobalDB struct {
	*DB
}

// OpenGlobal opens the global database at ~/.steroids/steroids.db using
// SQLite.
func OpenGlobal() (*GlobalDB, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return OpenGlobalAt(filepath.Join(home, ".steroids", "steroids.db"))
}

// OpenGlobalAt opens the global database at an explicit path. Used by tests
// and by deployments that relocate the steroids home.
func OpenGlobalAt(path string) (*GlobalDB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("global"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}

	return &GlobalDB{DB: db}, nil
}

// OpenGlobalInMemory opens an in-memory global database with migrations
// applied.
func OpenGlobalInMemory() (*GlobalDB, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("global"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}

	return &GlobalDB{DB: db}, nil
}

// OpenGlobalStore opens the global store for a configured driver name:
// sqlite at ~/.steroids/steroids.db, or postgres at postgresDSN.
func OpenGlobalStore(driverName, postgresDSN string) (*GlobalDB, error) {
	dialect, err := driver.ParseDialect(driverName)
	if err != nil {
		return nil, err
	}
	if dialect == driver.DialectPostgres {
		return OpenGlobalWithDialect(postgresDSN, dialect)
	}
	return OpenGlobal()
}

// OpenGlobalWithDialect opens the global database with a specific dialect.
// For SQLite, dsn is the file path. For PostgreSQL, dsn is the connection
// string.
func OpenGlobalWithDialect(dsn string, dialect driver.Dialect) (*GlobalDB, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("global"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate global db: %w", err)
	}

	return &GlobalDB{DB: db}, nil
}

// Ensure GlobalDB implements TxRunner
var _ TxRunner = (*GlobalDB)(nil)

// Project represents a registered project.
type Project struct {
	ID           string
	Path         string
	Name         string
	RegisteredAt time.Time
	LastSeenAt   *time.Time
}

// RegisterProject registers or refreshes a project in the global registry.
// The id is the project hash so re-registration under a symlinked path
// updates the same row.
func (g *GlobalDB) RegisterProject(p Project) error {
	_, err := g.Exec(`
		INSERT INTO projects (id, path, name, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name,
			last_seen_at = excluded.last_seen_at
	`, p.ID, p.Path, p.Name, formatTime(p.RegisteredAt), formatNullableTime(p.LastSeenAt))
	if err != nil {
		return fmt.Errorf("register project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (g *GlobalDB) GetProject(id string) (*Project, error) {
	row := g.QueryRow("SELECT id, path, name, registered_at, last_seen_at FROM projects WHERE id = ?", id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// ListProjects returns every registered project, newest first.
func (g *GlobalDB) ListProjects() ([]Project, error) {
	rows, err := g.Query("SELECT id, path, name, registered_at, last_seen_at FROM projects ORDER BY registered_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}

	return projects, nil
}

// TouchProject updates a project's last-seen timestamp.
func (g *GlobalDB) TouchProject(id string) error {
	_, err := g.Exec("UPDATE projects SET last_seen_at = ? WHERE id = ?", formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// DeleteProject removes a project from the registry.
func (g *GlobalDB) DeleteProject(id string) error {
	_, err := g.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var registeredAt string
	var lastSeenAt sql.NullString
	if err := row.Scan(&p.ID, &p.Path, &p.Name, &registeredAt, &lastSeenAt); err != nil {
		return nil, err
	}
	p.RegisteredAt = parseTimestamp(registeredAt)
	if lastSeenAt.Valid {
		t := parseTimestamp(lastSeenAt.String)
		p.LastSeenAt = &t
	}
	return &p, nil
}

// formatTime renders a timestamp for storage. All timestamps are UTC
// RFC3339 so lexicographic comparison in SQL matches chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatNullableTime formats a time pointer for database storage.
func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// parseTimestamp tries to parse a timestamp in common formats.
func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

package driver

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Migrate applies the pending schema files for one store prefix ("global"
// or "project"), oldest first, each inside its own transaction. Applied
// versions are tracked in a _migrations table, so reruns are no-ops.
// SQLite schemas live at schema/<prefix>_NNN.sql and Postgres variants
// under schema/postgres/, where NNN orders the files.
func (c *Conn) Migrate(ctx context.Context, fsys fs.FS, prefix string) error {
	if _, err := c.db.ExecContext(ctx, c.migrationsTable()); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return err
	}

	dir := "schema"
	if c.dialect == DialectPostgres {
		dir = "schema/postgres"
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, prefix+"_") && strings.HasSuffix(name, ".sql") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := migrationVersion(name, prefix)
		if applied[version] {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := c.applyMigration(ctx, name, version, string(body)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) migrationsTable() string {
	if c.dialect == DialectPostgres {
		return `CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`
	}
	return `CREATE TABLE IF NOT EXISTS _migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT (datetime('now'))
	)`
}

func (c *Conn) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}
	return applied, nil
}

// applyMigration runs one schema file and records its version in the same
// transaction, so a half-applied file never counts as done.
func (c *Conn) applyMigration(ctx context.Context, name string, version int, body string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	record := c.Rebind("INSERT INTO _migrations (version) VALUES (?)")
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// migrationVersion parses NNN out of "<prefix>_NNN.sql".
func migrationVersion(name, prefix string) int {
	s := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"_"), ".sql")
	var v int
	_, _ = fmt.Sscanf(s, "%d", &v)
	return v
}

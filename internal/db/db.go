// Package db provides database persistence for steroids.
//
// Two databases are used:
//   - Global (~/.steroids/steroids.db): project registry, runners, parallel
//     sessions, workstreams, merge locks, merge progress, escalations
//   - Project (<project>/.steroids/steroids.db): tasks, sections,
//     dependencies, audit trail, disputes, invocations
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db/driver"
)

//go:embed schema/*.sql schema/postgres/*.sql
var schemaFS embed.FS

// DB wraps one store connection. GlobalDB and ProjectDB embed it for
// their query methods.
type DB struct {
	conn *driver.Conn
}

// Open opens a SQLite database at the given path, creating the parent
// directory if needed.
func Open(path string) (*DB, error) {
	return OpenWithDialect(path, driver.DialectSQLite)
}

// OpenInMemory opens an in-memory SQLite database. Each call creates a
// new isolated database; ideal for testing.
func OpenInMemory() (*DB, error) {
	conn, err := driver.Connect(driver.DialectSQLite, ":memory:")
	if err != nil {
		return nil, err
	}
	return &DB{conn: conn}, nil
}

// OpenWithDialect opens a store for an explicit dialect. The dsn is a
// file path for SQLite and a connection string for Postgres.
func OpenWithDialect(dsn string, dialect driver.Dialect) (*DB, error) {
	if dialect == driver.DialectSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := driver.Connect(dialect, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{conn: conn}, nil
}

// Close closes the store connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Migrate applies pending schema migrations for one store prefix.
// Schema files are named {prefix}_NNN.sql (e.g. global_001.sql).
func (d *DB) Migrate(prefix string) error {
	return d.conn.Migrate(context.Background(), schemaFS, prefix)
}

// Exec executes a query without returning rows.
func (d *DB) Exec(query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(context.Background(), query, args...)
}

// ExecContext executes a query without returning rows with context.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.Exec(ctx, query, args...)
}

// Query executes a query that returns rows.
func (d *DB) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(context.Background(), query, args...)
}

// QueryContext executes a query that returns rows with context.
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(ctx, query, args...)
}

// QueryRow executes a query that returns at most one row.
func (d *DB) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(context.Background(), query, args...)
}

// QueryRowContext executes a query that returns at most one row with context.
func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.conn.QueryRow(ctx, query, args...)
}

// RunInTx executes the given function within a database transaction.
// If fn returns an error, the transaction is rolled back. The context is
// propagated to all operations within the transaction.
func (d *DB) RunInTx(ctx context.Context, fn func(tx *TxOps) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txOps := &TxOps{tx: tx, ctx: ctx, conn: d.conn}

	if err := fn(txOps); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// TxRunner provides a transactional execution interface, allowing multi-row
// invariants to be maintained atomically.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx *TxOps) error) error
}

// TxOps provides database operations within a transaction. The context is
// stored and used for all operations, enabling cancellation and timeout
// propagation through the entire transaction.
type TxOps struct {
	tx   *sql.Tx
	ctx  context.Context
	conn *driver.Conn
}

// Exec executes a query within the transaction.
func (t *TxOps) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, t.conn.Rebind(query), args...)
}

// Query executes a query that returns rows within the transaction.
func (t *TxOps) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, t.conn.Rebind(query), args...)
}

// QueryRow executes a query that returns at most one row within the transaction.
func (t *TxOps) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.conn.Rebind(query), args...)
}

// rowsChanged returns the number of rows affected by an update.
func rowsChanged(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

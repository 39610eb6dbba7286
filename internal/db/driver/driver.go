// Package driver opens and migrates the SQL stores behind steroids.
//
// SQLite (pure Go via modernc) is the default: zero setup, one file per
// store. Postgres is the opt-in for deployments that share a store across
// hosts; configuration picks the dialect per store.
package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect names a supported database engine.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps the user-facing driver name onto a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unknown database driver: %s", s)
	}
}

// Conn is one open store connection. It remembers its dialect so the
// migration runner can pick the right schema directory and SQL variants;
// everything else is plain database/sql.
type Conn struct {
	db      *sql.DB
	dialect Dialect
}

// Connect opens a connection for the dialect. The DSN is a file path or
// ":memory:" for SQLite and a connection string for Postgres.
func Connect(dialect Dialect, dsn string) (*Conn, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		db, err = openSQLite(dsn)
	case DialectPostgres:
		db, err = openPostgres(dsn)
	default:
		err = fmt.Errorf("unknown database driver: %s", dialect)
	}
	if err != nil {
		return nil, err
	}
	return &Conn{db: db, dialect: dialect}, nil
}

// Close releases the connection.
func (c *Conn) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Exec runs a statement that returns no rows.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, c.Rebind(query), args...)
}

// Query runs a statement that returns rows.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, c.Rebind(query), args...)
}

// QueryRow runs a statement that returns at most one row.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, c.Rebind(query), args...)
}

// BeginTx starts a transaction. Statements run on the returned Tx skip
// the placeholder rewrite; callers pass them through Rebind themselves.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return c.db.BeginTx(ctx, opts)
}

// Rebind rewrites ?-style placeholders into the dialect's native form,
// so store queries are written once and run on either engine. Postgres
// numbers them $1..$n; single-quoted literals pass through untouched.
func (c *Conn) Rebind(query string) string {
	if c.dialect != DialectPostgres || !strings.ContainsRune(query, '?') {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	arg := 0
	quoted := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			quoted = !quoted
		case ch == '?' && !quoted:
			arg++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(arg))
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

package driver

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite
)

// openSQLite opens a file-backed or in-memory sqlite database tuned for
// the steroids access pattern: many short writes from one process, with
// occasional concurrent readers.
func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	// Pragmas bind per-connection, and a second connection to ":memory:"
	// would be a second empty database, so the pool is pinned to one
	// connection. SQLite allows a single writer regardless.
	db.SetMaxOpenConns(1)

	return db, nil
}

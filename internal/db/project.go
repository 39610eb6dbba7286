package db

import (
	"fmt"
	"path/filepath"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/db/driver"
)

// ProjectDB provides operations on a project database
// (<project>/.steroids/steroids.db).
type ProjectDB struct {
	*DB
}

// ProjectDBPath returns the task store path for a project directory.
func ProjectDBPath(projectPath string) string {
	return filepath.Join(projectPath, ".steroids", "steroids.db")
}

// OpenProject opens the project database using SQLite.
func OpenProject(projectPath string) (*ProjectDB, error) {
	db, err := Open(ProjectDBPath(projectPath))
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}

	return &ProjectDB{DB: db}, nil
}

// OpenProjectInMemory opens an in-memory project database with migrations
// applied. Much faster than file-based databases; ideal for testing.
func OpenProjectInMemory() (*ProjectDB, error) {
	db, err := OpenInMemory()
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}

	return &ProjectDB{DB: db}, nil
}

// OpenProjectStore opens the project store for a configured driver name:
// sqlite at the conventional path under projectPath, or postgres at
// postgresDSN.
func OpenProjectStore(projectPath, driverName, postgresDSN string) (*ProjectDB, error) {
	dialect, err := driver.ParseDialect(driverName)
	if err != nil {
		return nil, err
	}
	if dialect == driver.DialectPostgres {
		return OpenProjectWithDialect(postgresDSN, dialect)
	}
	return OpenProject(projectPath)
}

// OpenProjectWithDialect opens the project database with a specific dialect.
// For SQLite, dsn is the file path. For PostgreSQL, dsn is the connection string.
func OpenProjectWithDialect(dsn string, dialect driver.Dialect) (*ProjectDB, error) {
	db, err := OpenWithDialect(dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate("project"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}

	return &ProjectDB{DB: db}, nil
}

// Ensure ProjectDB implements TxRunner
var _ TxRunner = (*ProjectDB)(nil)

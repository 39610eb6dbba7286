package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	// Verify pragmas are set
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}
}

func TestOpen_CreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	db.Close()
}

func TestMigrate_Global(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate("global"); err != nil {
		t.Fatalf("Migrate global failed: %v", err)
	}

	tables := []string{"projects", "runners", "sessions", "workstreams", "merge_locks", "merge_progress", "validation_escalations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}

	// Run again - should be idempotent
	if err := db.Migrate("global"); err != nil {
		t.Fatalf("Second Migrate failed: %v", err)
	}
}

func TestMigrate_Project(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate("project"); err != nil {
		t.Fatalf("Migrate project failed: %v", err)
	}

	tables := []string{"sections", "section_dependencies", "tasks", "audit_log", "disputes", "invocations"}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not created: %v", table, err)
		}
	}
}

func TestOpenProjectStoreSelectsDriver(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenProjectStore(dir, "sqlite", "")
	if err != nil {
		t.Fatalf("OpenProjectStore sqlite failed: %v", err)
	}
	store.Close()

	if _, err := os.Stat(filepath.Join(dir, ".steroids", "steroids.db")); err != nil {
		t.Errorf("sqlite store not created at the conventional path: %v", err)
	}

	if _, err := OpenProjectStore(dir, "mssql", ""); err == nil {
		t.Error("unknown driver name should fail")
	}
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	t.Parallel()
	pdb := NewTestProjectDB(t)

	if err := pdb.SaveSection(&Section{ID: "SEC-001", Name: "Core", Position: 1, Priority: 50}); err != nil {
		t.Fatalf("SaveSection failed: %v", err)
	}

	errBoom := func(tx *TxOps) error {
		if _, err := tx.Exec("UPDATE sections SET name = 'changed' WHERE id = 'SEC-001'"); err != nil {
			return err
		}
		return errRollbackWanted
	}
	if err := pdb.RunInTx(context.Background(), errBoom); err != errRollbackWanted {
		t.Fatalf("RunInTx error = %v, want errRollbackWanted", err)
	}

	s, err := pdb.GetSection("SEC-001")
	if err != nil {
		t.Fatalf("GetSection failed: %v", err)
	}
	if s.Name != "Core" {
		t.Errorf("Name = %q after rollback, want Core", s.Name)
	}
}

var errRollbackWanted = &testErr{"rollback wanted"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

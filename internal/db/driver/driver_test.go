package driver

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
)

func mustConnect(t *testing.T) *Conn {
	t.Helper()
	c, err := Connect(DialectSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestParseDialect(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{in: "sqlite", want: DialectSQLite},
		{in: "sqlite3", want: DialectSQLite},
		{in: "postgres", want: DialectPostgres},
		{in: "postgresql", want: DialectPostgres},
		{in: "pg", want: DialectPostgres},
		{in: "mysql", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDialect(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDialect(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDialect(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDialect(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	pg := &Conn{dialect: DialectPostgres}
	cases := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"UPDATE t SET a = ?, b = ? WHERE c = ?", "UPDATE t SET a = $1, b = $2 WHERE c = $3"},
		{"SELECT * FROM t WHERE note = 'why?' AND id = ?", "SELECT * FROM t WHERE note = 'why?' AND id = $1"},
	}
	for _, tc := range cases {
		if got := pg.Rebind(tc.in); got != tc.want {
			t.Errorf("Rebind(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	lite := &Conn{dialect: DialectSQLite}
	q := "SELECT * FROM t WHERE id = ?"
	if got := lite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind(%q) = %q, want it unchanged", q, got)
	}
}

func TestConnectUnknownDialect(t *testing.T) {
	t.Parallel()
	if _, err := Connect("oracle", "dsn"); err == nil {
		t.Fatal("Connect with an unknown dialect should fail")
	}
}

func TestConnectPostgresRejectsBadDSN(t *testing.T) {
	t.Parallel()
	// Fails at DSN parsing, before any connection attempt.
	if _, err := Connect(DialectPostgres, "port=not-a-number"); err == nil {
		t.Fatal("malformed postgres dsn should fail")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	c := mustConnect(t)
	ctx := context.Background()

	if _, err := c.Exec(ctx, "CREATE TABLE leases (id TEXT PRIMARY KEY, holder TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := c.Exec(ctx, "INSERT INTO leases (id, holder) VALUES (?, ?)", "ws-1", "runner-a"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var holder string
	if err := c.QueryRow(ctx, "SELECT holder FROM leases WHERE id = ?", "ws-1").Scan(&holder); err != nil {
		t.Fatalf("query row: %v", err)
	}
	if holder != "runner-a" {
		t.Errorf("holder = %q, want runner-a", holder)
	}

	var fk int
	if err := c.QueryRow(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys pragma: %v", err)
	}
	if fk != 1 {
		t.Error("foreign keys should be enforced")
	}
}

func TestBeginTxRollsBack(t *testing.T) {
	t.Parallel()
	c := mustConnect(t)
	ctx := context.Background()

	if _, err := c.Exec(ctx, "CREATE TABLE leases (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO leases (id) VALUES ('ws-1')"); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	var n int
	if err := c.QueryRow(ctx, "SELECT COUNT(*) FROM leases").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func testSchema() fstest.MapFS {
	return fstest.MapFS{
		"schema/store_001.sql": {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"schema/store_002.sql": {Data: []byte("ALTER TABLE items ADD COLUMN label TEXT;")},
		"schema/other_001.sql": {Data: []byte("CREATE TABLE unrelated (id TEXT);")},
	}
}

func TestMigrateAppliesOnlyMatchingPrefix(t *testing.T) {
	t.Parallel()
	c := mustConnect(t)
	ctx := context.Background()

	if err := c.Migrate(ctx, testSchema(), "store"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Both store_ files ran: the table exists and has the 002 column.
	if _, err := c.Exec(ctx, "INSERT INTO items (id, label) VALUES ('a', 'x')"); err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}
	// The other_ prefix belongs to a different store and must not run.
	if _, err := c.Query(ctx, "SELECT id FROM unrelated"); err == nil {
		t.Error("migration outside the prefix should not be applied")
	}

	var n int
	if err := c.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&n); err != nil {
		t.Fatalf("count recorded migrations: %v", err)
	}
	if n != 2 {
		t.Errorf("recorded %d migrations, want 2", n)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	c := mustConnect(t)
	ctx := context.Background()
	fsys := testSchema()

	if err := c.Migrate(ctx, fsys, "store"); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	if err := c.Migrate(ctx, fsys, "store"); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var n int
	if err := c.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&n); err != nil {
		t.Fatalf("count recorded migrations: %v", err)
	}
	if n != 2 {
		t.Errorf("recorded %d migrations after rerun, want 2", n)
	}
}

func TestMigratePicksUpNewVersions(t *testing.T) {
	t.Parallel()
	c := mustConnect(t)
	ctx := context.Background()
	fsys := testSchema()

	if err := c.Migrate(ctx, fsys, "store"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	fsys["schema/store_003.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE extras (id TEXT PRIMARY KEY);")}
	if err := c.Migrate(ctx, fsys, "store"); err != nil {
		t.Fatalf("Migrate with new version failed: %v", err)
	}

	if _, err := c.Exec(ctx, "INSERT INTO extras (id) VALUES ('e')"); err != nil {
		t.Fatalf("insert into new table: %v", err)
	}
}

func TestMigrateRollsBackBrokenFile(t *testing.T) {
	t.Parallel()
	c := mustConnect(t)
	ctx := context.Background()
	fsys := fstest.MapFS{
		"schema/store_001.sql": {Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")},
		"schema/store_002.sql": {Data: []byte("THIS IS NOT SQL;")},
	}

	err := c.Migrate(ctx, fsys, "store")
	if err == nil {
		t.Fatal("Migrate over a broken file should fail")
	}
	if !strings.Contains(err.Error(), "store_002") {
		t.Errorf("error %q should name the broken file", err)
	}

	// The broken version is not recorded, so a fixed file applies later.
	var n int
	if err := c.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&n); err != nil {
		t.Fatalf("count recorded migrations: %v", err)
	}
	if n != 1 {
		t.Errorf("recorded %d migrations, want only the good one", n)
	}

	fsys["schema/store_002.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE fixed (id TEXT PRIMARY KEY);")}
	if err := c.Migrate(ctx, fsys, "store"); err != nil {
		t.Fatalf("Migrate after fixing the file failed: %v", err)
	}
	if _, err := c.Exec(ctx, "INSERT INTO fixed (id) VALUES ('f')"); err != nil {
		t.Fatalf("insert into fixed table: %v", err)
	}
}

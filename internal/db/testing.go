package db

import "testing"

// NewTestProjectDB opens an in-memory project store with migrations
// applied. It is closed automatically when the test finishes.
func NewTestProjectDB(t testing.TB) *ProjectDB {
	t.Helper()
	pdb, err := OpenProjectInMemory()
	if err != nil {
		t.Fatalf("open test project db: %v", err)
	}
	t.Cleanup(func() { _ = pdb.Close() })
	return pdb
}

// NewTestGlobalDB opens an in-memory global store with migrations
// applied. It is closed automatically when the test finishes.
func NewTestGlobalDB(t testing.TB) *GlobalDB {
	t.Helper()
	gdb, err := OpenGlobalInMemory()
	if err != nil {
		t.Fatalf("open test global db: %v", err)
	}
	t.Cleanup(func() { _ = gdb.Close() })
	return gdb
}

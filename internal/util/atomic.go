// Package util holds small helpers shared across packages: project path
// identity, atomic file writes, and string clipping.
package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data through a temp file in the target directory
// and renames it into place, so readers never observe a partial file.
// Rename is only atomic within one filesystem, which is why the temp file
// cannot go to os.TempDir. A crash mid-write leaves at worst an orphaned
// .tmp-* file next to the target.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AtomicWriteFileString is AtomicWriteFile for string content.
func AtomicWriteFileString(path, content string, perm os.FileMode) error {
	return AtomicWriteFile(path, []byte(content), perm)
}

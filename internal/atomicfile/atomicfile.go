// Package atomicfile provides the single write primitive every durable
// artifact in this system goes through: write to a sibling temp path, then
// rename into place. A reader never observes a partially written file.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Write replaces path's contents atomically. The temp file is created in
// the same directory as path so the final rename is a same-filesystem
// operation (required for atomicity on POSIX).
// Example:
//
//	err := atomicfile.Write("/var/run/status/worker_1.json", data, 0644)
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("atomicfile: create dir %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("atomicfile: write temp %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: rename %s to %s: %w", tmp, path, err)
	}

	return nil
}

// Package atomicfile implements the publish pattern every mutated artifact
// in the pipeline uses: write to a sibling tempfile, fsync, then rename over
// the live path. Readers that already have the old file open (or open it by
// path mid-rename) never observe a half-written file.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write creates destPath atomically: data is written to a tempfile in the
// same directory as destPath (so the final rename is same-filesystem),
// fsynced, then renamed over destPath.
func Write(destPath string, write func(f *os.File) error) error {
	dir := filepath.Dir(destPath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating tempfile in %q: %w", dir, err)
	}

	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath)

		return fmt.Errorf("writing %q: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath)

		return fmt.Errorf("fsyncing %q: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("closing %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("renaming %q to %q: %w", tmpPath, destPath, err)
	}

	return nil
}

// Marker atomically creates an empty marker file at path (e.g. a ".sorted"
// sibling), the same way Write does, so its existence is never observed
// before the content it attests to is fully durable.
func Marker(path string) error {
	return Write(path, func(f *os.File) error { return nil })
}

// Exists reports whether a marker (or any file) exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

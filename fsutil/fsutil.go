// Package fsutil provides crash-safe file replacement primitives used
// by the metastore to persist index metadata.
package fsutil

import (
	"fmt"
	"os"
)

const (
	tmpExt = ".tmp"
	oldExt = ".old"
)

// ReplaceFile atomically replaces the file at |path| with |content|.
// The sequence is: write <path>.tmp, rename <path> to <path>.old (if it
// exists), rename <path>.tmp to <path>, remove <path>.old. A reader
// which re-scans after a crash at any point observes either the old or
// the new content in full, never a truncated or mixed file.
func ReplaceFile(path string, content []byte) error {
	var tmpPath = path + tmpExt
	var oldPath = path + oldExt

	var tmp, err = os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmpPath, err)
	}
	if _, err = tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}

	if _, err = os.Stat(path); err == nil {
		if err = os.Rename(path, oldPath); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", path, oldPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}

	if err = os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", oldPath, err)
	}
	return nil
}

// ReadFile reads |path|, preferring <path>.old if a crash left a
// replacement half-applied with no current file.
func ReadFile(path string) ([]byte, error) {
	var content, err = os.ReadFile(path)
	if err == nil {
		return content, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	content, oldErr := os.ReadFile(path + oldExt)
	if oldErr != nil {
		// Surface the original error; the .old fallback is best-effort.
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return content, nil
}

// RemoveFile removes |path| along with any leftover .tmp and .old
// siblings. Missing files are not errors.
func RemoveFile(path string) error {
	for _, p := range []string{path + tmpExt, path + oldExt, path} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

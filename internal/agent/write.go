package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrWriteFailed marks a failure to replace the configuration file.
// The previous file is left in place.
var ErrWriteFailed = errors.New("config write failed")

// WriteFileAtomic replaces path with data. Readers observe either the old
// or the new content, never a partial file.
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, data, nil)
}

// writeAtomic writes to a temp file in the target directory and renames it
// over path. beforeRename runs after the temp file is durable.
func writeAtomic(path string, data []byte, beforeRename func(tmpPath string) error) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".vpnpower-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrWriteFailed, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write temp file: %v", ErrWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp file: %v", ErrWriteFailed, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fmt.Errorf("%w: chmod temp file: %v", ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", ErrWriteFailed, err)
	}

	if beforeRename != nil {
		if err := beforeRename(tmpPath); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrWriteFailed, err)
	}
	success = true
	return nil
}

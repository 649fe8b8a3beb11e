// Package fsatomic writes files via temp file + rename so readers never
// observe a partial document. On platforms where the rename races a reader
// holding the destination open (EPERM/EBUSY class), it falls back to a
// direct overwrite.
package fsatomic

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// WriteFile atomically replaces path with data. The temp file is created
// in the destination directory so the rename stays on one filesystem.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmpFile, err := os.CreateTemp(dir, base+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		if !renameBlocked(err) {
			return err
		}
		// A reader holds the destination open. Overwrite in place and
		// drop the temp file; a torn read is possible but the next
		// write repairs it.
		if werr := os.WriteFile(path, data, perm); werr != nil {
			return werr
		}
		os.Remove(tmpPath)
	}
	cleanup = false
	return nil
}

func renameBlocked(err error) bool {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EBUSY) {
		return true
	}
	// Windows wraps sharing violations in a LinkError with text that
	// varies by locale; match the stable part.
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		msg := strings.ToLower(linkErr.Err.Error())
		return strings.Contains(msg, "being used by another process") ||
			strings.Contains(msg, "access is denied")
	}
	return false
}

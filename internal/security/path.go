package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateStoragePath validates a configured storage location (database
// file, log file). Absolute paths are expected here; what it rejects is
// traversal components and NUL bytes smuggled in from the environment.
func ValidateStoragePath(path string) error {
	if path == "" {
		return fmt.Errorf("storage path cannot be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("storage path contains NUL byte")
	}

	cleanPath := filepath.Clean(path)
	for _, part := range strings.Split(cleanPath, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}
	return nil
}

// ValidateRelativePath validates a path that must stay inside baseDir.
func ValidateRelativePath(path, baseDir string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("absolute paths not allowed: %s", path)
	}

	fullPath := filepath.Clean(filepath.Join(baseDir, path))
	cleanBase := filepath.Clean(baseDir)
	if fullPath != cleanBase && !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) {
		return fmt.Errorf("path escapes base directory: %s", path)
	}
	return nil
}

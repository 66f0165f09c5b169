package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// sanitizeFilename rejects path separators, null bytes, and ".." path
// components in client-supplied filenames, returning the bare, safe name.
func sanitizeFilename(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty filename", ErrPathEscape)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: null byte in filename", ErrPathEscape)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: path separator in filename %q", ErrPathEscape, name)
	}
	if name == "." || name == ".." {
		return "", fmt.Errorf("%w: reserved filename %q", ErrPathEscape, name)
	}
	return name, nil
}

// containmentCheck resolves path and verifies it lies within root,
// rejecting directory-traversal attempts before any read or write.
func containmentCheck(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes %s", ErrPathEscape, path, root)
	}
	return absPath, nil
}

// Package validation checks user selections and names before anything
// reaches the network.
package validation

import (
	"fmt"
	"path"
	"strings"
)

// ValidateFilename validates a single name (no directories).
//
// Returns an error if the name:
//   - Is empty or only whitespace
//   - Contains path separators (/ or \)
//   - Is "." or ".."
//   - Contains null bytes
func ValidateFilename(filename string) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	if strings.ContainsRune(filename, 0) {
		return fmt.Errorf("filename contains null byte: %q", filename)
	}

	if strings.ContainsRune(filename, '/') || strings.ContainsRune(filename, '\\') {
		return fmt.Errorf("filename cannot contain path separators: %s", filename)
	}

	// "foo..bar.txt" is fine; only the literal dot names are rejected
	if filename == "." || filename == ".." {
		return fmt.Errorf("filename cannot be %q", filename)
	}

	return nil
}

// ValidateRelPath validates a slash-separated path inside an uploaded folder.
// The path must be relative, clean and must not climb out of the folder.
// It is applied to multipart filenames on receipt and to storage keys before
// they are built.
func ValidateRelPath(rel string) error {
	if rel == "" {
		return fmt.Errorf("relative path cannot be empty")
	}
	if strings.ContainsRune(rel, 0) {
		return fmt.Errorf("relative path contains null byte: %q", rel)
	}
	if strings.ContainsRune(rel, '\\') {
		return fmt.Errorf("relative path must use forward slashes: %s", rel)
	}
	if strings.HasPrefix(rel, "/") {
		return fmt.Errorf("relative path cannot be absolute: %s", rel)
	}
	if path.Clean(rel) != rel {
		return fmt.Errorf("relative path is not clean: %s", rel)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." {
			return fmt.Errorf("relative path escapes its folder: %s", rel)
		}
	}
	return nil
}

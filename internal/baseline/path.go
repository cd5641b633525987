package baseline

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned by RelPath for paths that do not lie strictly
// below the monitored root.
var ErrOutsideRoot = errors.New("path outside monitored root")

// RelPath converts an OS path reported by a watcher or a directory walk into
// the key form used by Store: relative to root, cleaned, slash-separated and
// case-preserving. Build and the classifier both go through this function so
// the two sides always agree.
func RelPath(root, p string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("baseline: resolve root %q: %w", root, err)
	}
	absPath, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("baseline: resolve path %q: %w", p, err)
	}

	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return "", fmt.Errorf("baseline: %q: %w", p, ErrOutsideRoot)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("baseline: %q: %w", p, ErrOutsideRoot)
	}
	return filepath.ToSlash(rel), nil
}

// Excluded reports whether rel, or any directory above it, matches one of
// patterns. A pattern matches an element when it matches either the
// slash-separated path up to that element or the element's own name, using
// path.Match syntax. Malformed patterns never match.
func Excluded(patterns []string, rel string) bool {
	if len(patterns) == 0 {
		return false
	}
	for prefix := rel; prefix != "." && prefix != "/" && prefix != ""; prefix = path.Dir(prefix) {
		base := path.Base(prefix)
		for _, p := range patterns {
			if ok, _ := path.Match(p, prefix); ok {
				return true
			}
			if ok, _ := path.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}

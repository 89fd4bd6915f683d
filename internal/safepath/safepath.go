// Package safepath confines user-supplied paths to a workspace root.
package safepath

import (
	"path/filepath"
	"strings"
)

// Resolve normalizes join(workdir, userPath) and guarantees the result is a
// descendant of workdir. If the naive join escapes workdir, every ".."
// segment is stripped from userPath and the remainder is rejoined under
// workdir. This never fails and never signals that an escape was attempted:
// callers cannot distinguish a confined path from a corrected one.
func Resolve(workdir, userPath string) string {
	workdir = filepath.Clean(workdir)
	joined := filepath.Clean(filepath.Join(workdir, userPath))

	if isDescendant(workdir, joined) {
		return joined
	}

	return filepath.Join(workdir, stripDotDot(userPath))
}

// isDescendant reports whether path is workdir itself or a descendant of it.
func isDescendant(workdir, path string) bool {
	if path == workdir {
		return true
	}
	rel, err := filepath.Rel(workdir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// stripDotDot removes every ".." path segment from p, leaving the rest of
// the segments in their original order.
func stripDotDot(p string) string {
	parts := strings.Split(filepath.ToSlash(p), "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == ".." || part == "." || part == "" {
			continue
		}
		kept = append(kept, part)
	}
	return filepath.Join(kept...)
}

// Package pathguard validates candidate filesystem paths against a
// configured set of allowed root directories. Validation is purely
// lexical: paths are cleaned and resolved against the process working
// directory, never touched on disk.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathNotAllowedError reports a path that resolves outside every allowed root.
type PathNotAllowedError struct {
	Path string
}

func (e *PathNotAllowedError) Error() string {
	return fmt.Sprintf("path not allowed: %s", e.Path)
}

// Guard checks paths against a fixed set of allowed roots plus the
// application data directory, which is always allowed. A Guard is
// immutable after construction and safe for concurrent use.
type Guard struct {
	roots   []string
	dataDir string
}

// New creates a Guard. Roots and the data directory are resolved to
// absolute, cleaned form once at construction.
func New(allowedRoots []string, dataDir string) (*Guard, error) {
	g := &Guard{}
	for _, root := range allowedRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve allowed root %q: %w", root, err)
		}
		g.roots = append(g.roots, filepath.Clean(abs))
	}
	if strings.TrimSpace(dataDir) != "" {
		abs, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("resolve data dir: %w", err)
		}
		g.dataDir = filepath.Clean(abs)
	}
	if len(g.roots) == 0 && g.dataDir == "" {
		return nil, fmt.Errorf("at least one allowed root is required")
	}
	return g, nil
}

// Validate returns nil when path resolves under an allowed root or the
// data directory, and a *PathNotAllowedError otherwise. Callers must
// validate before any filesystem operation, not after.
func (g *Guard) Validate(path string) error {
	if g.IsPathAllowed(path) {
		return nil
	}
	return &PathNotAllowedError{Path: path}
}

// IsPathAllowed is the non-throwing variant of Validate for hot paths
// where an error value would be inappropriate.
func (g *Guard) IsPathAllowed(path string) bool {
	resolved, err := g.resolve(path)
	if err != nil {
		return false
	}
	for _, root := range g.roots {
		if isDescendant(root, resolved) {
			return true
		}
	}
	if g.dataDir != "" && isDescendant(g.dataDir, resolved) {
		return true
	}
	return false
}

// Roots returns the configured allowed roots.
func (g *Guard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// DataDir returns the always-allowed application data directory.
func (g *Guard) DataDir() string {
	return g.dataDir
}

func (g *Guard) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// isDescendant reports whether target equals root or lives under it.
// Both arguments must already be absolute and cleaned; using Rel rather
// than a prefix check keeps "/repo-evil" from matching root "/repo".
func isDescendant(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

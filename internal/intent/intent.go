// Package intent extracts and checks per-turn edit-intent declarations:
// a delimited block in assistant text naming the files the model intends
// to modify. Declarations naming hot-spot paths are always invalid;
// restricting tool calls to the declared scope is gated behind a
// configuration toggle.
package intent

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/deckhand-ai/deckhand/internal/tools"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

const (
	blockStart = "---EDIT INTENT---"
	blockEnd   = "---END INTENT---"

	// maxDeclaredFiles bounds a declaration; anything larger is rejected
	// as not a meaningful scope.
	maxDeclaredFiles = 50
)

// Declaration is the parsed edit-intent block for one turn. It is never
// persisted and is reset every turn.
type Declaration struct {
	Summary string
	Files   []string
}

// Extract scans assistant text for an edit-intent block. The second
// return is false when no block is present.
func Extract(text string) (*Declaration, bool) {
	start := strings.Index(text, blockStart)
	if start < 0 {
		return nil, false
	}
	rest := text[start+len(blockStart):]
	end := strings.Index(rest, blockEnd)
	if end < 0 {
		return nil, false
	}

	decl := &Declaration{}
	inFiles := false
	for _, line := range strings.Split(rest[:end], "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "Summary:"):
			decl.Summary = strings.TrimSpace(strings.TrimPrefix(line, "Summary:"))
			inFiles = false
		case strings.HasPrefix(line, "Files:"):
			inFiles = true
		case inFiles && strings.HasPrefix(line, "- "):
			file := strings.TrimSpace(strings.TrimPrefix(line, "- "))
			if file != "" {
				decl.Files = append(decl.Files, filepath.Clean(file))
			}
		}
	}
	if len(decl.Files) == 0 || len(decl.Files) > maxDeclaredFiles {
		return nil, false
	}
	return decl, true
}

// Hotspots is a concurrently readable set of path patterns that
// edit-intent declarations may never include. Patterns support the glob
// syntax of the tool sandbox plus a `/**` suffix for whole subtrees;
// patterns without a separator match basenames anywhere.
type Hotspots struct {
	mu       sync.RWMutex
	patterns []hotspotPattern
	source   []string
}

type hotspotPattern struct {
	raw     string
	subtree string // non-empty for "<prefix>/**" patterns
	matcher func(string) bool
}

// DefaultPatterns is the built-in hot-spot list used when a project has
// no hot-spot file of its own.
var DefaultPatterns = []string{
	".git/**",
	".deckhand/**",
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"id_rsa",
	"secrets/**",
}

// NewHotspots builds a set from the given patterns, or the built-in
// defaults when patterns is nil.
func NewHotspots(patterns []string) (*Hotspots, error) {
	h := &Hotspots{}
	if patterns == nil {
		patterns = DefaultPatterns
	}
	if err := h.SetPatterns(patterns); err != nil {
		return nil, err
	}
	return h, nil
}

// SetPatterns atomically replaces the pattern set. On error the previous
// set is kept.
func (h *Hotspots) SetPatterns(patterns []string) error {
	compiled := make([]hotspotPattern, 0, len(patterns))
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p := hotspotPattern{raw: raw}
		if prefix, ok := strings.CutSuffix(raw, "/**"); ok {
			p.subtree = filepath.Clean(prefix)
		} else {
			re, err := tools.CompileGlob(raw)
			if err != nil {
				return fmt.Errorf("hot-spot pattern %q: %w", raw, err)
			}
			baseOnly := !strings.Contains(raw, "/")
			p.matcher = func(path string) bool {
				if baseOnly {
					return re.MatchString(filepath.Base(path))
				}
				return re.MatchString(path)
			}
		}
		compiled = append(compiled, p)
	}
	h.mu.Lock()
	h.patterns = compiled
	h.source = append([]string(nil), patterns...)
	h.mu.Unlock()
	return nil
}

// Patterns returns the current raw pattern list.
func (h *Hotspots) Patterns() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.source...)
}

// Match reports whether path hits any hot-spot pattern.
func (h *Hotspots) Match(path string) bool {
	path = filepath.ToSlash(filepath.Clean(path))
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.patterns {
		if p.subtree != "" {
			sub := filepath.ToSlash(p.subtree)
			if path == sub || strings.HasPrefix(path, sub+"/") || strings.Contains(path, "/"+sub+"/") {
				return true
			}
			continue
		}
		if p.matcher(path) {
			return true
		}
	}
	return false
}

// Enforcer applies declarations to tool calls. Validation of the
// declaration itself always runs; restricting calls to the declared
// scope only happens when Enabled is true.
type Enforcer struct {
	Enabled  bool
	Hotspots *Hotspots
}

// scopedTools are the catalog tools whose path argument is bound by an
// edit-intent scope.
var scopedTools = map[string]bool{
	"write": true,
	"edit":  true,
}

// ValidateDeclaration rejects declarations that include hot-spot paths.
// This check is unconditional: a declaration listing a hot-spot file is
// invalid even when scope enforcement is off.
func (e *Enforcer) ValidateDeclaration(decl *Declaration) error {
	if decl == nil || e.Hotspots == nil {
		return nil
	}
	for _, file := range decl.Files {
		if e.Hotspots.Match(file) {
			return fmt.Errorf("declaration includes hot-spot path %q", file)
		}
	}
	return nil
}

// CheckCall returns an error when enforcement is on and the call touches
// a file outside the declared scope. Calls without a declaration in
// scope, and non-file tools, always pass.
func (e *Enforcer) CheckCall(decl *Declaration, call models.ToolCall) error {
	if !e.Enabled || decl == nil || !scopedTools[call.Name] {
		return nil
	}
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil || args.Path == "" {
		return nil
	}
	path := filepath.ToSlash(filepath.Clean(args.Path))
	for _, file := range decl.Files {
		declared := filepath.ToSlash(file)
		if path == declared || strings.HasSuffix(path, "/"+declared) {
			return nil
		}
	}
	return fmt.Errorf("tool %s touches %q outside the declared edit scope", call.Name, args.Path)
}

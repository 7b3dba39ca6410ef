package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/deckhand-ai/deckhand/internal/pathguard"
)

// ignoredDirs are build and VCS directories never descended into by the
// glob and grep tools.
var ignoredDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

const globMaxResults = 200

// GlobTool lists files under a root matching a glob pattern.
type GlobTool struct {
	guard *pathguard.Guard
}

func NewGlobTool(guard *pathguard.Guard) *GlobTool {
	return &GlobTool{guard: guard}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern (supports *, **, ?, and {a,b} braces)."
}

func (t *GlobTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"root": map[string]any{
				"type":        "string",
				"description": "Directory to search under.",
			},
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, matched against paths relative to root.",
			},
		},
		"required":             []string{"root", "pattern"},
		"additionalProperties": false,
	})
}

func (t *GlobTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Root    string `json:"root"`
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if err := t.guard.Validate(input.Root); err != nil {
		return toolError(err.Error()), nil
	}
	matcher, err := CompileGlob(input.Pattern)
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	var matches []string
	truncated := false
	walkErr := filepath.WalkDir(input.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(input.Root, path)
		if err != nil {
			return nil
		}
		if matcher.MatchString(filepath.ToSlash(rel)) {
			if len(matches) >= globMaxResults {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, rel)
		}
		return nil
	})
	if walkErr != nil && walkErr != context.Canceled {
		return toolError(fmt.Sprintf("walk: %v", walkErr)), nil
	}

	var sb strings.Builder
	for _, m := range matches {
		sb.WriteString(m)
		sb.WriteByte('\n')
	}
	if truncated {
		fmt.Fprintf(&sb, "(truncated at %d results)\n", globMaxResults)
	}
	if len(matches) == 0 {
		return &Result{Content: "no files matched"}, nil
	}
	return &Result{Content: sb.String()}, nil
}

// CompileGlob converts a glob pattern into a regular expression matcher.
// Supported syntax: `*` within a segment, `**` across segments, `?`, and
// `{a,b}` alternation. Matching is against slash-separated relative paths.
func CompileGlob(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	var sb strings.Builder
	sb.WriteString("^")
	runes := []rune(filepath.ToSlash(pattern))
	braceDepth := 0
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				// "**/" matches zero or more whole segments; a bare
				// "**" matches anything including separators.
				if i+2 < len(runes) && runes[i+2] == '/' {
					sb.WriteString(`(?:[^/]*/)*`)
					i += 2
				} else {
					sb.WriteString(`.*`)
					i++
				}
			} else {
				sb.WriteString(`[^/]*`)
			}
		case '?':
			sb.WriteString(`[^/]`)
		case '{':
			braceDepth++
			sb.WriteString(`(?:`)
		case '}':
			if braceDepth == 0 {
				return nil, fmt.Errorf("unbalanced brace in pattern %q", pattern)
			}
			braceDepth--
			sb.WriteString(`)`)
		case ',':
			if braceDepth > 0 {
				sb.WriteString(`|`)
			} else {
				sb.WriteString(`,`)
			}
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	if braceDepth != 0 {
		return nil, fmt.Errorf("unbalanced brace in pattern %q", pattern)
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

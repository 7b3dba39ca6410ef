package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/deckhand-ai/deckhand/internal/pathguard"
)

const grepMaxMatches = 200

// GrepTool searches file contents under a root.
type GrepTool struct {
	guard *pathguard.Guard
}

func NewGrepTool(guard *pathguard.Guard) *GrepTool {
	return &GrepTool{guard: guard}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents for a literal string or regular expression."
}

func (t *GrepTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"root": map[string]any{
				"type":        "string",
				"description": "Directory to search under.",
			},
			"pattern": map[string]any{
				"type":        "string",
				"description": "Search pattern.",
			},
			"regex": map[string]any{
				"type":        "boolean",
				"description": "Treat pattern as a regular expression (default: literal).",
			},
			"case_sensitive": map[string]any{
				"type":        "boolean",
				"description": "Case-sensitive matching (default: true).",
				"default":     true,
			},
			"include": map[string]any{
				"type":        "string",
				"description": "Glob filter on relative file paths.",
			},
		},
		"required":             []string{"root", "pattern"},
		"additionalProperties": false,
	})
}

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	input := struct {
		Root          string `json:"root"`
		Pattern       string `json:"pattern"`
		Regex         bool   `json:"regex"`
		CaseSensitive *bool  `json:"case_sensitive"`
		Include       string `json:"include"`
	}{}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if err := t.guard.Validate(input.Root); err != nil {
		return toolError(err.Error()), nil
	}

	caseSensitive := input.CaseSensitive == nil || *input.CaseSensitive

	expr := input.Pattern
	if !input.Regex {
		expr = regexp.QuoteMeta(expr)
	}
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	var include *regexp.Regexp
	if input.Include != "" {
		include, err = CompileGlob(input.Include)
		if err != nil {
			return toolError(fmt.Sprintf("invalid include glob: %v", err)), nil
		}
	}

	var sb strings.Builder
	matches := 0
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
		rel = filepath.ToSlash(rel)
		if include != nil && !include.MatchString(rel) {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, lineNo, line)
				matches++
				if matches >= grepMaxMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != context.Canceled {
		return toolError(fmt.Sprintf("walk: %v", walkErr)), nil
	}

	if matches == 0 {
		return &Result{Content: "no matches"}, nil
	}
	if matches >= grepMaxMatches {
		fmt.Fprintf(&sb, "(truncated at %d matches)\n", grepMaxMatches)
	}
	return &Result{Content: sb.String()}, nil
}

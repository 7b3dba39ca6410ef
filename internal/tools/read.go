package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/deckhand-ai/deckhand/internal/pathguard"
)

// ReadTool reads file contents, optionally limited to a line range.
type ReadTool struct {
	guard *pathguard.Guard
}

func NewReadTool(guard *pathguard.Guard) *ReadTool {
	return &ReadTool{guard: guard}
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "Read a file from an allowed directory, optionally a line range."
}

func (t *ReadTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to read.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-based line to start from.",
				"minimum":     1,
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of lines to return.",
				"minimum":     1,
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	})
}

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	_ = ctx
	var input struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if err := t.guard.Validate(input.Path); err != nil {
		return toolError(err.Error()), nil
	}

	data, err := os.ReadFile(input.Path)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	if input.Offset > 0 || input.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if input.Offset > 0 {
			start = input.Offset - 1
		}
		if start >= len(lines) {
			return toolError(fmt.Sprintf("offset %d beyond end of file (%d lines)", input.Offset, len(lines))), nil
		}
		end := len(lines)
		if input.Limit > 0 && start+input.Limit < end {
			end = start + input.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return &Result{Content: content}, nil
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deckhand-ai/deckhand/internal/pathguard"
)

// WriteTool writes file contents, creating parent directories as needed.
type WriteTool struct {
	guard *pathguard.Guard
}

func NewWriteTool(guard *pathguard.Guard) *WriteTool {
	return &WriteTool{guard: guard}
}

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write content to a file in an allowed directory, creating parents."
}

func (t *WriteTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content.",
			},
		},
		"required":             []string{"path", "content"},
		"additionalProperties": false,
	})
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	_ = ctx
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if err := t.guard.Validate(input.Path); err != nil {
		return toolError(err.Error()), nil
	}

	if err := os.MkdirAll(filepath.Dir(input.Path), 0o755); err != nil {
		return toolError(fmt.Sprintf("create parent directories: %v", err)), nil
	}
	if err := os.WriteFile(input.Path, []byte(input.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path)}, nil
}

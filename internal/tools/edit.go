package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/deckhand-ai/deckhand/internal/pathguard"
)

// EditTool applies ordered find/replace edits to a file.
type EditTool struct {
	guard *pathguard.Guard
}

func NewEditTool(guard *pathguard.Guard) *EditTool {
	return &EditTool{guard: guard}
}

func (t *EditTool) Name() string { return "edit" }

func (t *EditTool) Description() string {
	return "Apply one or more find/replace edits to a file in an allowed directory."
}

func (t *EditTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to edit.",
			},
			"edits": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"old_text": map[string]any{
							"type":        "string",
							"description": "Text to replace.",
						},
						"new_text": map[string]any{
							"type":        "string",
							"description": "Replacement text.",
						},
						"replace_all": map[string]any{
							"type":        "boolean",
							"description": "Replace all occurrences (default: false).",
						},
					},
					"required":             []string{"old_text", "new_text"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"path", "edits"},
		"additionalProperties": false,
	})
}

func (t *EditTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	_ = ctx
	var input struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
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
	replacements := 0
	for _, edit := range input.Edits {
		if edit.OldText == "" {
			return toolError("old_text is required"), nil
		}
		if !strings.Contains(content, edit.OldText) {
			return toolError(fmt.Sprintf("old_text not found: %q", edit.OldText)), nil
		}
		if edit.ReplaceAll {
			count := strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			replacements += count
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	// An edit whose replacement leaves the file unchanged is reported as
	// a no-op, not a failure.
	if content == string(data) {
		payload, _ := json.MarshalIndent(map[string]any{
			"path":         input.Path,
			"replacements": replacements,
			"no_op":        true,
		}, "", "  ")
		return &Result{Content: string(payload)}, nil
	}

	if err := os.WriteFile(input.Path, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	payload, err := json.MarshalIndent(map[string]any{
		"path":         input.Path,
		"replacements": replacements,
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &Result{Content: string(payload)}, nil
}

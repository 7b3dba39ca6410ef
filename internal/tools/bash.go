package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/deckhand-ai/deckhand/internal/pathguard"
)

// BashTool runs shell commands with a hard wall-clock timeout and an
// output-size cap. The working directory, when given, must pass the
// path guard.
type BashTool struct {
	guard          *pathguard.Guard
	defaultTimeout time.Duration
	maxOutputBytes int
}

func NewBashTool(guard *pathguard.Guard, defaultTimeout time.Duration, maxOutputBytes int) *BashTool {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = 100 * 1024
	}
	return &BashTool{
		guard:          guard,
		defaultTimeout: defaultTimeout,
		maxOutputBytes: maxOutputBytes,
	}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command with a timeout, capturing stdout and stderr."
}

func (t *BashTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory; must be in an allowed root.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds; capped by the configured maximum.",
				"minimum":     1,
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	})
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Command == "" {
		return toolError("command is required"), nil
	}
	if input.Cwd != "" && !t.guard.IsPathAllowed(input.Cwd) {
		return toolError(fmt.Sprintf("working directory not allowed: %s", input.Cwd)), nil
	}

	// Honor the shorter of the caller-specified timeout and the default.
	timeout := t.defaultTimeout
	if input.TimeoutSeconds > 0 {
		if requested := time.Duration(input.TimeoutSeconds) * time.Second; requested < timeout {
			timeout = requested
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", input.Command)
	if input.Cwd != "" {
		cmd.Dir = input.Cwd
	}

	output := newLimitedBuffer(t.maxOutputBytes)
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	content := output.String()

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return toolError(fmt.Sprintf("command timed out after %s\n%s", timeout, content)), nil
	case errors.Is(ctx.Err(), context.Canceled):
		return toolError("command canceled"), nil
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return toolError(fmt.Sprintf("exit status %d\n%s", exitErr.ExitCode(), content)), nil
		}
		return toolError(fmt.Sprintf("run command: %v", err)), nil
	}

	if content == "" {
		content = "(no output)"
	}
	return &Result{Content: content}, nil
}

// limitedBuffer captures writer output up to a byte cap, recording
// whether anything was discarded.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{limit: limit}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - len(b.buf)
	if remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report full consumption so the command keeps running.
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n(output truncated)"
	}
	return string(b.buf)
}

package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/deckhand-ai/deckhand/internal/observability"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

// NativeAdapter speaks the native session protocol: a configured
// subprocess receives one JSON request on stdin and answers with
// newline-delimited JSON events on stdout. Tools run inside the backend
// runtime, so there is no local tool loop; the adapter re-shapes events
// and captures the continuation token for the next turn.
type NativeAdapter struct {
	command []string
	logger  *observability.Logger
}

// NewNativeAdapter wires the adapter over the configured argv.
func NewNativeAdapter(command []string, logger *observability.Logger) *NativeAdapter {
	return &NativeAdapter{command: command, logger: logger}
}

// nativeRequest is the single stdin line handed to the subprocess. The
// message content uses the backend's native content-block shapes.
type nativeRequest struct {
	Model        string                   `json:"model,omitempty"`
	SystemPrompt string                   `json:"system_prompt,omitempty"`
	WorkDir      string                   `json:"work_dir,omitempty"`
	Continuation string                   `json:"continuation,omitempty"`
	MaxTurns     int                      `json:"max_turns,omitempty"`
	AllowedTools []string                 `json:"allowed_tools,omitempty"`
	Messages     []anthropic.MessageParam `json:"messages"`
}

// nativeEvent is one stdout NDJSON line from the subprocess.
type nativeEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (a *NativeAdapter) ExecuteTurn(ctx context.Context, opts QueryOptions, emit EmitFunc) error {
	if len(a.command) == 0 {
		return fmt.Errorf("native backend command not configured")
	}

	cmd := exec.CommandContext(ctx, a.command[0], a.command[1:]...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start backend process: %w", err)
	}

	if err := json.NewEncoder(stdin).Encode(buildNativeRequest(opts)); err != nil {
		stdin.Close()
		cmd.Wait()
		return fmt.Errorf("write request: %w", err)
	}
	stdin.Close()

	streamErr := a.consumeStream(ctx, stdout, emit)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("backend process: %w: %s", waitErr, msg)
		}
		return fmt.Errorf("backend process: %w", waitErr)
	}
	return nil
}

func buildNativeRequest(opts QueryOptions) nativeRequest {
	blocks := []anthropic.ContentBlockParamUnion{}
	if opts.Prompt != "" {
		blocks = append(blocks, anthropic.NewTextBlock(opts.Prompt))
	}
	for _, img := range opts.Images {
		if img.Data == "" {
			continue
		}
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, img.Data))
	}

	return nativeRequest{
		Model:        opts.Model,
		SystemPrompt: opts.SystemPrompt,
		WorkDir:      opts.WorkDir,
		Continuation: opts.Continuation,
		MaxTurns:     opts.MaxTurns,
		AllowedTools: opts.AllowedTools,
		Messages:     []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
	}
}

// consumeStream re-shapes NDJSON backend events into canonical events.
// It returns once a result event arrives or the stream ends.
func (a *NativeAdapter) consumeStream(ctx context.Context, r io.Reader, emit EmitFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	messageID := uuid.NewString()
	var text strings.Builder
	var toolCalls []models.ToolCall
	continuation := ""
	completed := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event nativeEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Malformed chunk: protocol error, degrade by skipping.
			if a.logger != nil {
				a.logger.Warn(ctx, "malformed backend event skipped", "error", err)
			}
			continue
		}

		switch event.Type {
		case "session":
			continuation = event.SessionID

		case "assistant":
			calls, err := a.emitAssistant(event.Message, messageID, &text, emit)
			if err != nil {
				if a.logger != nil {
					a.logger.Warn(ctx, "undecodable assistant payload skipped", "error", err)
				}
				continue
			}
			toolCalls = append(toolCalls, calls...)

		case "tool_result":
			emit(&models.StreamEvent{
				Type: models.EventToolResult,
				ToolResult: &models.ToolResult{
					ToolCallID: event.ToolUseID,
					Content:    decodeResultContent(event.Content),
					IsError:    event.IsError,
				},
			})

		case "result":
			if event.SessionID != "" {
				continuation = event.SessionID
			}
			if event.IsError {
				return fmt.Errorf("backend reported failure: %s", firstNonEmpty(event.Error, event.Result))
			}
			final := event.Result
			if final == "" {
				final = text.String()
			}
			emit(&models.StreamEvent{
				Type:         models.EventTurnComplete,
				MessageID:    messageID,
				FinalText:    final,
				ToolCalls:    toolCalls,
				Continuation: continuation,
			})
			completed = true

		case "error":
			return fmt.Errorf("backend error: %s", event.Error)
		}

		if completed {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read backend stream: %w", err)
	}
	return fmt.Errorf("backend stream ended without a result event")
}

// emitAssistant decodes an embedded assistant message and emits
// text-delta and tool-call events for its content blocks.
func (a *NativeAdapter) emitAssistant(payload json.RawMessage, messageID string, text *strings.Builder, emit EmitFunc) ([]models.ToolCall, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}

	var calls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			text.WriteString(block.Text)
			emit(&models.StreamEvent{
				Type:      models.EventTextDelta,
				MessageID: messageID,
				Text:      text.String(),
			})

		case "tool_use":
			toolUse := block.AsToolUse()
			input, err := json.Marshal(toolUse.Input)
			if err != nil {
				input = json.RawMessage(`{}`)
			}
			call := models.ToolCall{
				ID:    toolUse.ID,
				Name:  toolUse.Name,
				Input: input,
			}
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			calls = append(calls, call)
			emit(&models.StreamEvent{Type: models.EventToolCall, ToolCall: &call})
		}
	}
	return calls, nil
}

// decodeResultContent accepts either a bare string or a list of text
// blocks, which is how backends encode tool-result content.
func decodeResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Package audit records a structured trail of tool invocations, denials,
// and turn outcomes. Writes are buffered and asynchronous so the agent
// loop never blocks on audit I/O.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventToolInvocation EventType = "tool_invocation"
	EventToolCompletion EventType = "tool_completion"
	EventToolDenied     EventType = "tool_denied"
	EventTurnStarted    EventType = "turn_started"
	EventTurnFinished   EventType = "turn_finished"
	EventQueueDrain     EventType = "queue_drain"
)

// Event is a single audit record.
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	SessionID  string
	ToolName   string
	ToolCallID string
	Action     string
	Duration   time.Duration
	Error      string
	Details    map[string]any
}

// Config controls audit output and privacy.
type Config struct {
	Enabled bool

	// Output is "stdout", "stderr", or "file:<path>".
	Output string

	BufferSize    int
	FlushInterval time.Duration

	// IncludeToolInput controls whether raw tool arguments are recorded.
	// When false, only a short content hash is kept.
	IncludeToolInput bool

	// MaxFieldSize truncates recorded input and output strings.
	MaxFieldSize int
}

// Logger is the buffered audit writer. The zero-value disabled logger is
// safe to use; every method becomes a no-op.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewLogger creates an audit logger. A disabled config yields a no-op
// logger without opening any output.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 256
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config: config,
		output: output,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}
	l.slogger = slog.New(slog.NewJSONHandler(output, nil)).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log queues an audit event for writing. When the buffer is full the
// event is written inline rather than dropped.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case l.buffer <- event:
	default:
		l.writeEvent(event)
	}
}

// ToolInvocation records a tool call about to execute.
func (l *Logger) ToolInvocation(ctx context.Context, sessionID, toolName, toolCallID string, input json.RawMessage) {
	details := map[string]any{}
	if l.config.IncludeToolInput && input != nil {
		details["input"] = l.truncate(string(input))
	} else if input != nil {
		details["input_hash"] = hashString(string(input))
	}
	l.Log(ctx, &Event{
		Type:       EventToolInvocation,
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Action:     "tool_invoked",
		Details:    details,
	})
}

// ToolCompletion records a finished tool call.
func (l *Logger) ToolCompletion(ctx context.Context, sessionID, toolName, toolCallID string, isError bool, output string, duration time.Duration) {
	l.Log(ctx, &Event{
		Type:       EventToolCompletion,
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Action:     "tool_completed",
		Duration:   duration,
		Details: map[string]any{
			"is_error":    isError,
			"output_size": len(output),
		},
	})
}

// ToolDenied records a tool call rejected before execution, typically by
// path validation or argument schema checks.
func (l *Logger) ToolDenied(ctx context.Context, sessionID, toolName, toolCallID, reason string) {
	l.Log(ctx, &Event{
		Type:       EventToolDenied,
		SessionID:  sessionID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Action:     "tool_denied",
		Details:    map[string]any{"reason": reason},
	})
}

// TurnStarted records the beginning of a turn.
func (l *Logger) TurnStarted(ctx context.Context, sessionID, model string) {
	l.Log(ctx, &Event{
		Type:      EventTurnStarted,
		SessionID: sessionID,
		Action:    "turn_started",
		Details:   map[string]any{"model": model},
	})
}

// TurnFinished records a turn outcome: "success", "error", or "aborted".
func (l *Logger) TurnFinished(ctx context.Context, sessionID, outcome string, duration time.Duration, errMsg string) {
	l.Log(ctx, &Event{
		Type:      EventTurnFinished,
		SessionID: sessionID,
		Action:    "turn_finished",
		Duration:  duration,
		Error:     errMsg,
		Details:   map[string]any{"outcome": outcome},
	})
}

// QueueDrain records an auto-drained follow-up prompt.
func (l *Logger) QueueDrain(ctx context.Context, sessionID, promptID string, success bool) {
	l.Log(ctx, &Event{
		Type:      EventQueueDrain,
		SessionID: sessionID,
		Action:    "queue_drained",
		Details:   map[string]any{"prompt_id": promptID, "success": success},
	})
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.ToolCallID != "" {
		attrs = append(attrs, "tool_call_id", event.ToolCallID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	l.slogger.Info("audit", attrs...)
}

func (l *Logger) truncate(s string) string {
	if len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

// hashString creates a SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

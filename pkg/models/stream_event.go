package models

import "time"

// StreamEventType identifies the kind of canonical stream event.
type StreamEventType string

const (
	// Turn lifecycle, emitted in order by the provider gateway.
	EventStarted      StreamEventType = "started"
	EventTextDelta    StreamEventType = "text-delta"
	EventToolCall     StreamEventType = "tool-call"
	EventToolResult   StreamEventType = "tool-result"
	EventTurnComplete StreamEventType = "turn-complete"
	EventError        StreamEventType = "error"

	// Queue state, emitted by the session registry.
	EventQueueUpdated StreamEventType = "queue-updated"
	EventQueueError   StreamEventType = "queue-error"
)

// StreamEvent is the canonical event vocabulary every backend adapter must
// translate into. UI and persistence layers depend only on this shape,
// never on a backend's native message format.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Time      time.Time       `json:"time"`

	// MessageID and Text carry text-delta payloads. Text is cumulative:
	// each delta repeats everything streamed so far for its message.
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`

	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`

	// FinalText and ToolCalls carry the turn-complete payload.
	FinalText string     `json:"final_text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Continuation is the backend-issued token captured during the turn,
	// set on turn-complete events from native-session backends.
	Continuation string `json:"continuation,omitempty"`

	// Queue carries the full queue snapshot for queue-updated events.
	Queue []QueuedPrompt `json:"queue,omitempty"`

	// PromptID identifies the failed prompt for queue-error events.
	PromptID string `json:"prompt_id,omitempty"`

	Error string `json:"error,omitempty"`
}

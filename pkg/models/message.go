// Package models provides domain types shared across the Deckhand core.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation transcript.
type Message struct {
	ID string `json:"id"`

	Role Role `json:"role"`

	// Content is the full text of the message. For assistant messages this
	// is the accumulated text of the turn, not individual deltas.
	Content string `json:"content"`

	// Images holds image attachments supplied with a user message.
	Images []Attachment `json:"images,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// IsError marks an assistant message that records a failed turn.
	IsError bool `json:"is_error,omitempty"`
}

// Attachment is an image supplied alongside a prompt. Either Path or Data
// is set; Data carries base64-encoded bytes ready for inline embedding.
type Attachment struct {
	Path      string `json:"path,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToolCall is a tool execution request emitted by a backend.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of executing a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// QueuedPrompt is a follow-up prompt awaiting automatic execution once the
// active turn of its conversation finishes.
type QueuedPrompt struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	ImagePaths []string  `json:"image_paths,omitempty"`
	Model      string    `json:"model,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SessionMeta is the lightweight per-conversation record persisted apart
// from message bodies so listing never loads transcripts.
type SessionMeta struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	ProjectPath string   `json:"project_path,omitempty"`
	WorkDir     string   `json:"work_dir"`
	Model       string   `json:"model,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Archived    bool     `json:"archived,omitempty"`

	// Continuation is an opaque backend-issued token used by the native
	// session family to resume server-side context on the next turn.
	Continuation string `json:"continuation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/deckhand-ai/deckhand/internal/config"
	"github.com/deckhand-ai/deckhand/internal/pathguard"
	"github.com/deckhand-ai/deckhand/internal/tools"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

func TestClassifyModel(t *testing.T) {
	tests := []struct {
		model  string
		extra  []string
		family Family
		known  bool
	}{
		{"claude-sonnet-4", nil, FamilyNative, true},
		{"claude-3-opus", nil, FamilyNative, true},
		{"gpt-4o", nil, FamilyOpenAI, true},
		{"o3-mini", nil, FamilyOpenAI, true},
		{"deepseek-chat", nil, FamilyOpenAI, true},
		{"glm-4.5", nil, FamilyOpenAI, true},
		{"qwen-coder", nil, FamilyOpenAI, true},
		{"GPT-4O", nil, FamilyOpenAI, true},
		{"kimi-k2", []string{"kimi-"}, FamilyOpenAI, true},
		{"mystery-model", nil, FamilyNative, false},
		{"", nil, FamilyNative, false},
	}
	for _, tt := range tests {
		family, known := ClassifyModel(tt.model, tt.extra)
		if family != tt.family || known != tt.known {
			t.Errorf("ClassifyModel(%q) = (%v, %v), want (%v, %v)",
				tt.model, family, known, tt.family, tt.known)
		}
	}
}

func intp(i int) *int { return &i }

func TestAccumulatorOutOfOrderSlots(t *testing.T) {
	acc := newToolCallAccumulator()

	// Fragments for slot 1 arrive before slot 0 is complete, and
	// argument JSON is split across chunks in both slots.
	acc.add(openai.ToolCall{Index: intp(1), ID: "call-b", Function: openai.FunctionCall{Name: "grep"}})
	acc.add(openai.ToolCall{Index: intp(0), Function: openai.FunctionCall{Arguments: `{"pat`}})
	acc.add(openai.ToolCall{Index: intp(1), Function: openai.FunctionCall{Arguments: `{"root":"/r"}`}})
	acc.add(openai.ToolCall{Index: intp(0), ID: "call-a", Function: openai.FunctionCall{Name: "glob"}})
	acc.add(openai.ToolCall{Index: intp(0), Function: openai.FunctionCall{Arguments: `tern":"*.md"}`}})

	calls := acc.finalize()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2: %+v", len(calls), calls)
	}
	if calls[0].ID != "call-a" || calls[0].Name != "glob" {
		t.Fatalf("slot 0 = %+v", calls[0])
	}
	if string(calls[0].Input) != `{"pattern":"*.md"}` {
		t.Fatalf("slot 0 input = %s", calls[0].Input)
	}
	if calls[1].ID != "call-b" || calls[1].Name != "grep" {
		t.Fatalf("slot 1 = %+v", calls[1])
	}
}

func TestAccumulatorDropsIncompleteSlots(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add(openai.ToolCall{Index: intp(0), Function: openai.FunctionCall{Arguments: `{}`}})
	if calls := acc.finalize(); len(calls) != 0 {
		t.Fatalf("incomplete slot finalized: %+v", calls)
	}
}

// fakeStream replays scripted chunks then EOF.
type fakeStream struct {
	chunks []openai.ChatCompletionStreamResponse
	pos    int
}

func (s *fakeStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if s.pos >= len(s.chunks) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeFactory hands out one scripted stream per backend request and
// records every request for assertions.
type fakeFactory struct {
	streams  [][]openai.ChatCompletionStreamResponse
	requests []openai.ChatCompletionRequest
}

func (f *fakeFactory) NewStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	f.requests = append(f.requests, req)
	if len(f.streams) == 0 {
		return nil, errors.New("no more scripted streams")
	}
	chunks := f.streams[0]
	f.streams = f.streams[1:]
	return &fakeStream{chunks: chunks}, nil
}

func textChunk(text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: text}},
		},
	}
}

func toolChunk(index int, id, name, args string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    intp(index),
					ID:       id,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			}},
		},
	}
}

func newTestToolRegistry(t *testing.T, root string) *tools.Registry {
	t.Helper()
	guard, err := pathguard.New([]string{root}, "")
	if err != nil {
		t.Fatal(err)
	}
	registry, err := tools.NewRegistry(tools.Options{
		Guard:  guard,
		Config: config.ToolsConfig{BashTimeout: 5 * time.Second},
	})
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func collect(t *testing.T, adapter Adapter, opts QueryOptions) ([]*models.StreamEvent, error) {
	t.Helper()
	var events []*models.StreamEvent
	err := adapter.ExecuteTurn(context.Background(), opts, func(ev *models.StreamEvent) {
		events = append(events, ev)
	})
	return events, err
}

func TestOpenAIAdapterPlainCompletion(t *testing.T) {
	factory := &fakeFactory{streams: [][]openai.ChatCompletionStreamResponse{
		{textChunk("Hello"), textChunk(" world")},
	}}
	adapter := NewOpenAIAdapter(factory, newTestToolRegistry(t, t.TempDir()), nil, nil, nil, 0)

	events, err := collect(t, adapter, QueryOptions{
		SessionID: "s1", Prompt: "hi", Model: "gpt-4o", MaxTurns: 5,
	})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	// Deltas carry cumulative text.
	var deltas []string
	for _, ev := range events {
		if ev.Type == models.EventTextDelta {
			deltas = append(deltas, ev.Text)
		}
	}
	if len(deltas) != 2 || deltas[0] != "Hello" || deltas[1] != "Hello world" {
		t.Fatalf("deltas = %v", deltas)
	}

	last := events[len(events)-1]
	if last.Type != models.EventTurnComplete || last.FinalText != "Hello world" {
		t.Fatalf("terminal event = %+v", last)
	}
	completes := 0
	for _, ev := range events {
		if ev.Type == models.EventTurnComplete {
			completes++
		}
	}
	if completes != 1 {
		t.Fatalf("turn-complete emitted %d times", completes)
	}
}

func TestOpenAIAdapterToolLoop(t *testing.T) {
	dir := t.TempDir()
	globArgs, _ := json.Marshal(map[string]string{"root": dir, "pattern": "*.md"})

	factory := &fakeFactory{streams: [][]openai.ChatCompletionStreamResponse{
		{toolChunk(0, "call-1", "glob", string(globArgs))},
		{textChunk("Found 2 files.")},
	}}
	adapter := NewOpenAIAdapter(factory, newTestToolRegistry(t, dir), nil, nil, nil, 0)

	events, err := collect(t, adapter, QueryOptions{
		SessionID: "s1", Prompt: "list files", Model: "gpt-4o", MaxTurns: 5, WorkDir: dir,
	})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	var types []models.StreamEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []models.StreamEventType{
		models.EventToolCall, models.EventToolResult,
		models.EventTextDelta, models.EventTurnComplete,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, types[i], want[i])
		}
	}

	final := events[len(events)-1]
	if final.FinalText != "Found 2 files." {
		t.Fatalf("final text = %q", final.FinalText)
	}
	if len(final.ToolCalls) != 1 || final.ToolCalls[0].Name != "glob" {
		t.Fatalf("tool calls = %+v", final.ToolCalls)
	}

	// The second request must carry the assistant tool-call message and
	// the tool result so the backend can continue.
	if len(factory.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(factory.requests))
	}
	second := factory.requests[1].Messages
	var sawToolMsg bool
	for _, msg := range second {
		if msg.Role == openai.ChatMessageRoleTool && msg.ToolCallID == "call-1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Fatalf("tool result missing from follow-up request: %+v", second)
	}
}

func TestOpenAIAdapterMaxTurns(t *testing.T) {
	dir := t.TempDir()
	globArgs, _ := json.Marshal(map[string]string{"root": dir, "pattern": "*"})

	// Every request answers with another tool call; the budget must
	// become a hard error, not a silent truncation.
	toolOnly := []openai.ChatCompletionStreamResponse{toolChunk(0, "call-x", "glob", string(globArgs))}
	factory := &fakeFactory{streams: [][]openai.ChatCompletionStreamResponse{toolOnly, toolOnly, toolOnly}}
	adapter := NewOpenAIAdapter(factory, newTestToolRegistry(t, dir), nil, nil, nil, 0)

	events, err := collect(t, adapter, QueryOptions{
		SessionID: "s1", Prompt: "loop", Model: "gpt-4o", MaxTurns: 3,
	})
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
	for _, ev := range events {
		if ev.Type == models.EventTurnComplete {
			t.Fatal("turn-complete emitted despite budget exhaustion")
		}
	}
}

func TestOpenAIAdapterSchemaViolationContinuesLoop(t *testing.T) {
	dir := t.TempDir()

	// Arguments missing the required pattern field fail schema
	// validation. The backend sees an error result and still answers.
	badArgs, _ := json.Marshal(map[string]string{"root": dir})
	factory := &fakeFactory{streams: [][]openai.ChatCompletionStreamResponse{
		{toolChunk(0, "call-1", "glob", string(badArgs))},
		{textChunk("That call was malformed.")},
	}}
	adapter := NewOpenAIAdapter(factory, newTestToolRegistry(t, dir), nil, nil, nil, 0)

	events, err := collect(t, adapter, QueryOptions{
		SessionID: "s1", Prompt: "go", Model: "gpt-4o", MaxTurns: 5,
	})
	if err != nil {
		t.Fatalf("ExecuteTurn: %v", err)
	}

	var result *models.ToolResult
	for _, ev := range events {
		if ev.Type == models.EventToolResult {
			result = ev.ToolResult
		}
	}
	if result == nil {
		t.Fatal("no tool-result event")
	}
	if !result.IsError || result.ToolCallID != "call-1" {
		t.Fatalf("schema violation result = %+v", result)
	}

	last := events[len(events)-1]
	if last.Type != models.EventTurnComplete || last.FinalText != "That call was malformed." {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestGatewayStartedFirstErrorLast(t *testing.T) {
	factory := &fakeFactory{} // no scripted streams: first request fails
	adapter := NewOpenAIAdapter(factory, newTestToolRegistry(t, t.TempDir()), nil, nil, nil, 0)
	gw, err := NewGateway(GatewayOptions{OpenAI: adapter, Native: adapter})
	if err != nil {
		t.Fatal(err)
	}

	stream, err := gw.ExecuteQuery(context.Background(), QueryOptions{
		SessionID: "s1", Prompt: "hi", Model: "gpt-4o", MaxTurns: 2,
	})
	if err != nil {
		t.Fatalf("ExecuteQuery: %v", err)
	}
	var events []*models.StreamEvent
	for ev := range stream {
		events = append(events, ev)
	}
	if len(events) < 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != models.EventStarted {
		t.Fatalf("first event = %v", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != models.EventError || last.Error == "" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestGatewayRejectsEmptyPrompt(t *testing.T) {
	adapter := NewNativeAdapter([]string{"true"}, nil)
	gw, _ := NewGateway(GatewayOptions{Native: adapter})
	if _, err := gw.ExecuteQuery(context.Background(), QueryOptions{MaxTurns: 1}); err == nil {
		t.Fatal("empty prompt accepted")
	}
}

func TestNativeConsumeStream(t *testing.T) {
	assistant := map[string]any{
		"id":   "msg_01",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": "Checking the repo. "},
			{"type": "tool_use", "id": "tu_1", "name": "Glob", "input": map[string]any{"pattern": "*.md"}},
		},
	}
	lines := []map[string]any{
		{"type": "session", "session_id": "cont-abc"},
		{"type": "assistant", "message": assistant},
		{"type": "tool_result", "tool_use_id": "tu_1", "content": "a.md\nb.md", "is_error": false},
		{"type": "assistant", "message": map[string]any{
			"id": "msg_01", "role": "assistant",
			"content": []map[string]any{{"type": "text", "text": "Found 2 files."}},
		}},
		{"type": "result", "result": "Checking the repo. Found 2 files.", "session_id": "cont-abc"},
	}
	var buf strings.Builder
	for _, line := range lines {
		b, _ := json.Marshal(line)
		buf.Write(b)
		buf.WriteByte('\n')
	}

	adapter := NewNativeAdapter([]string{"unused"}, nil)
	var events []*models.StreamEvent
	err := adapter.consumeStream(context.Background(), strings.NewReader(buf.String()), func(ev *models.StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("consumeStream: %v", err)
	}

	var types []models.StreamEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []models.StreamEventType{
		models.EventTextDelta, models.EventToolCall,
		models.EventToolResult, models.EventTextDelta, models.EventTurnComplete,
	}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %v, want %v", i, types[i], want[i])
		}
	}

	// Cumulative text across assistant events.
	if events[3].Text != "Checking the repo. Found 2 files." {
		t.Fatalf("cumulative text = %q", events[3].Text)
	}

	final := events[len(events)-1]
	if final.Continuation != "cont-abc" {
		t.Fatalf("continuation = %q", final.Continuation)
	}
	if len(final.ToolCalls) != 1 || final.ToolCalls[0].Name != "Glob" {
		t.Fatalf("tool calls = %+v", final.ToolCalls)
	}
	if final.FinalText != "Checking the repo. Found 2 files." {
		t.Fatalf("final text = %q", final.FinalText)
	}
}

func TestNativeConsumeStreamBackendError(t *testing.T) {
	adapter := NewNativeAdapter([]string{"unused"}, nil)
	input := `{"type":"error","error":"quota exceeded"}` + "\n"
	err := adapter.consumeStream(context.Background(), strings.NewReader(input), func(*models.StreamEvent) {})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v", err)
	}
}

func TestNativeConsumeStreamSkipsMalformedLines(t *testing.T) {
	adapter := NewNativeAdapter([]string{"unused"}, nil)
	input := "{garbage\n" + `{"type":"result","result":"ok"}` + "\n"
	var events []*models.StreamEvent
	err := adapter.consumeStream(context.Background(), strings.NewReader(input), func(ev *models.StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("malformed line aborted the stream: %v", err)
	}
	if len(events) != 1 || events[0].Type != models.EventTurnComplete {
		t.Fatalf("events = %+v", events)
	}
}

func TestNativeConsumeStreamTruncatedStream(t *testing.T) {
	adapter := NewNativeAdapter([]string{"unused"}, nil)
	input := `{"type":"session","session_id":"x"}` + "\n"
	err := adapter.consumeStream(context.Background(), strings.NewReader(input), func(*models.StreamEvent) {})
	if err == nil || !strings.Contains(err.Error(), "without a result") {
		t.Fatalf("err = %v", err)
	}
}

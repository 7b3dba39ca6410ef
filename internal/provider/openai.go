package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/deckhand-ai/deckhand/internal/audit"
	"github.com/deckhand-ai/deckhand/internal/config"
	"github.com/deckhand-ai/deckhand/internal/intent"
	"github.com/deckhand-ai/deckhand/internal/observability"
	"github.com/deckhand-ai/deckhand/internal/tools"
	"github.com/deckhand-ai/deckhand/pkg/models"

	"github.com/google/uuid"
)

// ChatStream is the streaming response surface the adapter consumes.
// *openai.ChatCompletionStream satisfies it; tests substitute fakes.
type ChatStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// StreamFactory opens one streaming chat-completion request.
type StreamFactory interface {
	NewStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error)
}

// APIStreamFactory is the production StreamFactory over a real client.
type APIStreamFactory struct {
	client *openai.Client
}

// NewAPIStreamFactory builds a client from backend configuration,
// honoring base URL overrides and custom headers.
func NewAPIStreamFactory(cfg config.BackendConfig) *APIStreamFactory {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if len(cfg.Headers) > 0 {
		clientCfg.HTTPClient = &http.Client{
			Transport: &headerTransport{base: http.DefaultTransport, headers: cfg.Headers},
		}
	}
	return &APIStreamFactory{client: openai.NewClientWithConfig(clientCfg)}
}

func (f *APIStreamFactory) NewStream(ctx context.Context, req openai.ChatCompletionRequest) (ChatStream, error) {
	return f.client.CreateChatCompletionStream(ctx, req)
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// OpenAIAdapter drives OpenAI-compatible backends: it normalizes the
// delta-chunk streaming format into canonical events and runs the local
// tool loop until the backend stops requesting tools or the turn budget
// runs out.
type OpenAIAdapter struct {
	factory        StreamFactory
	tools          *tools.Registry
	enforcer       *intent.Enforcer
	logger         *observability.Logger
	auditor        *audit.Logger
	requestTimeout time.Duration
}

// NewOpenAIAdapter wires the adapter. requestTimeout bounds each
// individual streaming request, independent of user cancellation.
func NewOpenAIAdapter(factory StreamFactory, registry *tools.Registry, enforcer *intent.Enforcer, logger *observability.Logger, auditor *audit.Logger, requestTimeout time.Duration) *OpenAIAdapter {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}
	return &OpenAIAdapter{
		factory:        factory,
		tools:          registry,
		enforcer:       enforcer,
		logger:         logger,
		auditor:        auditor,
		requestTimeout: requestTimeout,
	}
}

// ExecuteTurn streams backend responses and loops over tool calls. All
// assistant text of the turn accumulates into a single message id, so
// text-delta events carry the cumulative text across loop iterations.
func (a *OpenAIAdapter) ExecuteTurn(ctx context.Context, opts QueryOptions, emit EmitFunc) error {
	messages := a.buildMessages(opts)
	declarations := a.toolDeclarations(opts.AllowedTools)

	messageID := uuid.NewString()
	var turnText strings.Builder
	var allCalls []models.ToolCall

	for turn := 0; turn < opts.MaxTurns; turn++ {
		req := openai.ChatCompletionRequest{
			Model:    opts.Model,
			Messages: messages,
			Tools:    declarations,
			Stream:   true,
		}

		iterText, calls, err := a.streamOnce(ctx, req, messageID, &turnText, emit)
		if err != nil {
			return err
		}

		if len(calls) == 0 {
			emit(&models.StreamEvent{
				Type:      models.EventTurnComplete,
				MessageID: messageID,
				FinalText: turnText.String(),
				ToolCalls: allCalls,
			})
			return nil
		}

		decl := a.extractDeclaration(ctx, turnText.String())

		assistant := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: iterText,
		}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Input),
				},
			})
		}
		messages = append(messages, assistant)

		// Execute in ascending slot-index order, one at a time, so the
		// observable filesystem effects match call order.
		for _, call := range calls {
			emit(&models.StreamEvent{Type: models.EventToolCall, ToolCall: &call})

			var result models.ToolResult
			if err := a.checkScope(ctx, opts.SessionID, decl, call); err != nil {
				result = models.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
			} else {
				result = a.tools.Execute(ctx, opts.SessionID, call)
			}

			emit(&models.StreamEvent{Type: models.EventToolResult, ToolResult: &result})
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result.Content,
				ToolCallID: call.ID,
			})
		}
		allCalls = append(allCalls, calls...)
	}

	return fmt.Errorf("no final answer after %d backend requests: %w", opts.MaxTurns, ErrMaxTurns)
}

// streamOnce reads one streaming response to completion, returning the
// text produced by this request and the finalized tool calls.
func (a *OpenAIAdapter) streamOnce(ctx context.Context, req openai.ChatCompletionRequest, messageID string, turnText *strings.Builder, emit EmitFunc) (string, []models.ToolCall, error) {
	// Race user cancellation against the fixed request timeout; the
	// timer is always released.
	reqCtx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	stream, err := a.factory.NewStream(reqCtx, req)
	if err != nil {
		return "", nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	acc := newToolCallAccumulator()
	var iterText strings.Builder

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			return "", nil, fmt.Errorf("stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			iterText.WriteString(delta.Content)
			turnText.WriteString(delta.Content)
			emit(&models.StreamEvent{
				Type:      models.EventTextDelta,
				MessageID: messageID,
				Text:      turnText.String(),
			})
		}
		for _, tc := range delta.ToolCalls {
			acc.add(tc)
		}
		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			break
		}
	}

	return iterText.String(), acc.finalize(), nil
}

func (a *OpenAIAdapter) extractDeclaration(ctx context.Context, text string) *intent.Declaration {
	if a.enforcer == nil {
		return nil
	}
	decl, ok := intent.Extract(text)
	if !ok {
		return nil
	}
	if err := a.enforcer.ValidateDeclaration(decl); err != nil {
		if a.logger != nil {
			a.logger.Warn(ctx, "edit-intent declaration rejected", "error", err)
		}
		return nil
	}
	return decl
}

func (a *OpenAIAdapter) checkScope(ctx context.Context, sessionID string, decl *intent.Declaration, call models.ToolCall) error {
	if a.enforcer == nil {
		return nil
	}
	if err := a.enforcer.CheckCall(decl, call); err != nil {
		if a.auditor != nil {
			a.auditor.ToolDenied(ctx, sessionID, call.Name, call.ID, err.Error())
		}
		return err
	}
	return nil
}

func (a *OpenAIAdapter) buildMessages(opts QueryOptions) []openai.ChatCompletionMessage {
	var messages []openai.ChatCompletionMessage
	if opts.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	for _, msg := range opts.History {
		role := openai.ChatMessageRoleUser
		if msg.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		if len(msg.Images) > 0 && msg.Role == models.RoleUser {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:         role,
				MultiContent: visionParts(msg.Content, msg.Images),
			})
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}

	if len(opts.Images) > 0 {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: visionParts(opts.Prompt, opts.Images),
		})
	} else {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: opts.Prompt,
		})
	}
	return messages
}

// visionParts embeds images as inline base64 data URLs.
func visionParts(text string, images []models.Attachment) []openai.ChatMessagePart {
	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		})
	}
	for _, img := range images {
		if img.Data == "" {
			continue
		}
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", mediaType, img.Data),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

func (a *OpenAIAdapter) toolDeclarations(allowed []string) []openai.Tool {
	catalog := a.tools.List(allowed)
	out := make([]openai.Tool, 0, len(catalog))
	for _, tool := range catalog {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		})
	}
	return out
}

// toolCallAccumulator assembles tool calls from streamed fragments keyed
// by slot index. Fields arrive across chunks: the id and name in the
// first fragment for a slot, argument JSON split over many fragments.
type toolCallAccumulator struct {
	slots map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{slots: make(map[int]*pendingToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	slot := a.slots[index]
	if slot == nil {
		slot = &pendingToolCall{}
		a.slots[index] = slot
	}
	if tc.ID != "" {
		slot.id = tc.ID
	}
	if tc.Function.Name != "" {
		slot.name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		slot.args.WriteString(tc.Function.Arguments)
	}
}

// finalize returns complete calls in ascending slot-index order. A call
// is complete only once both its id and name are known; partial slots
// are dropped.
func (a *toolCallAccumulator) finalize() []models.ToolCall {
	indexes := make([]int, 0, len(a.slots))
	for index := range a.slots {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	var calls []models.ToolCall
	for _, index := range indexes {
		slot := a.slots[index]
		if slot.id == "" || slot.name == "" {
			continue
		}
		input := slot.args.String()
		if input == "" {
			input = "{}"
		}
		calls = append(calls, models.ToolCall{
			ID:    slot.id,
			Name:  slot.name,
			Input: json.RawMessage(input),
		})
	}
	return calls
}

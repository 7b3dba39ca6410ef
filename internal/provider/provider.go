// Package provider normalizes the wire protocols of the supported model
// backends into the canonical stream-event vocabulary. Two families
// exist: native-session backends run tools server-side and speak a
// newline-delimited JSON session protocol over a subprocess; OpenAI
// compatible backends stream chat-completion deltas and rely on the
// gateway to drive the local tool loop.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deckhand-ai/deckhand/internal/observability"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

// ErrMaxTurns is returned when the tool loop exhausts its turn budget
// without reaching a final answer. A hard error, never silent truncation.
var ErrMaxTurns = errors.New("turn budget exhausted")

// QueryOptions is the bundle the session registry hands to the gateway
// for one turn.
type QueryOptions struct {
	SessionID    string
	Prompt       string
	Images       []models.Attachment
	Model        string
	WorkDir      string
	SystemPrompt string
	MaxTurns     int
	AllowedTools []string
	History      []models.Message

	// Continuation resumes server-side context on native-session backends.
	Continuation string
}

// EmitFunc delivers one canonical event. Adapters call it in generation
// order; delivery order to subscribers matches emission order.
type EmitFunc func(*models.StreamEvent)

// Adapter executes a single turn against one backend family, emitting
// canonical events. The started event is emitted by the gateway, not the
// adapter; the adapter ends with turn-complete or an error return.
type Adapter interface {
	ExecuteTurn(ctx context.Context, opts QueryOptions, emit EmitFunc) error
}

// Family is the closed set of backend families.
type Family int

const (
	FamilyNative Family = iota
	FamilyOpenAI
)

func (f Family) String() string {
	switch f {
	case FamilyNative:
		return "native"
	case FamilyOpenAI:
		return "openai"
	default:
		return "unknown"
	}
}

// openAIPrefixes are the built-in model id prefixes routed to the
// OpenAI-compatible family.
var openAIPrefixes = []string{"gpt-", "o1", "o3", "o4", "deepseek", "glm", "qwen"}

// ClassifyModel maps a model id to its backend family. The second return
// is false when the id matched no known prefix; such ids fail open to
// the native family so unrecognized aliases degrade instead of erroring.
func ClassifyModel(model string, extraOpenAIPrefixes []string) (Family, bool) {
	id := strings.ToLower(strings.TrimSpace(model))
	if id == "" {
		return FamilyNative, false
	}
	if strings.HasPrefix(id, "claude") {
		return FamilyNative, true
	}
	for _, prefix := range extraOpenAIPrefixes {
		if prefix != "" && strings.HasPrefix(id, strings.ToLower(prefix)) {
			return FamilyOpenAI, true
		}
	}
	for _, prefix := range openAIPrefixes {
		if strings.HasPrefix(id, prefix) {
			return FamilyOpenAI, true
		}
	}
	return FamilyNative, false
}

// Gateway routes turns to backend adapters and exposes the canonical
// event stream.
type Gateway struct {
	native        Adapter
	openai        Adapter
	extraPrefixes []string
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// GatewayOptions wires the gateway's adapters and observability.
type GatewayOptions struct {
	Native Adapter
	OpenAI Adapter

	// ExtraOpenAIPrefixes extends the built-in prefix list with
	// operator-configured model prefixes.
	ExtraOpenAIPrefixes []string

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// NewGateway creates a gateway over the given adapters.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Native == nil && opts.OpenAI == nil {
		return nil, fmt.Errorf("at least one backend adapter is required")
	}
	return &Gateway{
		native:        opts.Native,
		openai:        opts.OpenAI,
		extraPrefixes: opts.ExtraOpenAIPrefixes,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}, nil
}

// ExecuteQuery runs one turn and returns the canonical event stream. The
// channel is closed when the turn ends; an error event (if any) is the
// last event before close. Cancellation via ctx closes the stream
// without an error event; the caller distinguishes the abort.
func (g *Gateway) ExecuteQuery(ctx context.Context, opts QueryOptions) (<-chan *models.StreamEvent, error) {
	if strings.TrimSpace(opts.Prompt) == "" && len(opts.Images) == 0 {
		return nil, fmt.Errorf("prompt is required")
	}
	if opts.MaxTurns < 1 {
		return nil, fmt.Errorf("max turns must be positive")
	}

	family, known := ClassifyModel(opts.Model, g.extraPrefixes)
	if !known && g.logger != nil {
		g.logger.Warn(ctx, "unknown model id, defaulting to native family", "model", opts.Model)
	}

	var adapter Adapter
	switch family {
	case FamilyOpenAI:
		adapter = g.openai
	default:
		adapter = g.native
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter configured for the %s family", family)
	}

	events := make(chan *models.StreamEvent, 64)
	emit := func(ev *models.StreamEvent) {
		ev.SessionID = opts.SessionID
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)
		start := time.Now()

		emit(&models.StreamEvent{Type: models.EventStarted})
		err := adapter.ExecuteTurn(ctx, opts, emit)

		status := "success"
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			status = "aborted"
		case err != nil:
			status = "error"
			emit(&models.StreamEvent{Type: models.EventError, Error: err.Error()})
			if g.logger != nil {
				g.logger.Error(ctx, "turn failed", "model", opts.Model, "family", family.String(), "error", err)
			}
		}
		if g.metrics != nil {
			g.metrics.TurnCounter.WithLabelValues(family.String(), opts.Model, status).Inc()
			g.metrics.TurnDuration.WithLabelValues(family.String(), opts.Model).Observe(time.Since(start).Seconds())
		}
	}()

	return events, nil
}

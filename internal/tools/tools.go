// Package tools implements the sandboxed tool catalog available to model
// backends: read, write, edit, glob, grep, bash, and web_fetch. Every
// filesystem-touching tool validates its paths through the path guard,
// and no failure escapes the sandbox boundary as an error or panic;
// failures become error-flagged results fed back to the model.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/deckhand-ai/deckhand/internal/audit"
	"github.com/deckhand-ai/deckhand/internal/config"
	"github.com/deckhand-ai/deckhand/internal/observability"
	"github.com/deckhand-ai/deckhand/internal/pathguard"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

// Result is what every tool execution produces. Execution failures set
// IsError instead of returning a Go error.
type Result struct {
	Content string
	IsError bool
}

// Tool is a single named capability in the catalog.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

func toolError(msg string) *Result {
	return &Result{Content: msg, IsError: true}
}

// Options wires the registry's dependencies.
type Options struct {
	Guard   *pathguard.Guard
	Config  config.ToolsConfig
	Logger  *observability.Logger
	Audit   *audit.Logger
	Metrics *observability.Metrics
}

// Registry holds the fixed tool catalog and validates arguments against
// each tool's declared schema before dispatch.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *observability.Logger
	auditor *audit.Logger
	metrics *observability.Metrics
}

// NewRegistry builds the full catalog. The set of tools is fixed; callers
// restrict availability per turn via the allowed-tools list on execution.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Guard == nil {
		return nil, fmt.Errorf("path guard is required")
	}
	catalog := []Tool{
		NewReadTool(opts.Guard),
		NewWriteTool(opts.Guard),
		NewEditTool(opts.Guard),
		NewGlobTool(opts.Guard),
		NewGrepTool(opts.Guard),
		NewBashTool(opts.Guard, opts.Config.BashTimeout, opts.Config.MaxOutputBytes),
		NewFetchTool(opts.Config.FetchTimeout, opts.Config.FetchMaxBytes),
	}

	r := &Registry{
		tools:   make(map[string]Tool, len(catalog)),
		schemas: make(map[string]*jsonschema.Schema, len(catalog)),
		logger:  opts.Logger,
		auditor: opts.Audit,
		metrics: opts.Metrics,
	}
	for _, tool := range catalog {
		name := tool.Name()
		schema, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		r.tools[name] = tool
		r.schemas[name] = schema
	}
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the catalog in stable name order, optionally filtered to
// the allowed set. A nil filter means every tool.
func (r *Registry) List(allowed []string) []Tool {
	var names []string
	if allowed == nil {
		for name := range r.tools {
			names = append(names, name)
		}
	} else {
		for _, name := range allowed {
			if _, ok := r.tools[name]; ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute runs one tool call. It never returns a Go error: unknown tools,
// schema violations, panics, and execution failures all become
// error-flagged results.
func (r *Registry) Execute(ctx context.Context, sessionID string, call models.ToolCall) models.ToolResult {
	start := time.Now()
	result := r.execute(ctx, sessionID, call)
	duration := time.Since(start)

	status := "success"
	if result.IsError {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
		r.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(duration.Seconds())
	}
	if r.auditor != nil {
		r.auditor.ToolCompletion(ctx, sessionID, call.Name, call.ID, result.IsError, result.Content, duration)
	}
	if r.logger != nil {
		r.logger.Debug(ctx, "tool executed",
			"tool", call.Name, "call_id", call.ID,
			"status", status, "duration_ms", duration.Milliseconds())
	}
	return result
}

// ExecuteAll runs calls sequentially in the given order. Ordering of
// filesystem side effects must match call order, so no parallelism.
func (r *Registry) ExecuteAll(ctx context.Context, sessionID string, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.Execute(ctx, sessionID, call))
	}
	return results
}

func (r *Registry) execute(ctx context.Context, sessionID string, call models.ToolCall) (out models.ToolResult) {
	out = models.ToolResult{ToolCallID: call.ID}

	defer func() {
		if rec := recover(); rec != nil {
			out.Content = fmt.Sprintf("tool %s panicked: %v", call.Name, rec)
			out.IsError = true
		}
	}()

	tool, ok := r.tools[call.Name]
	if !ok {
		out.Content = fmt.Sprintf("unknown tool: %s", call.Name)
		out.IsError = true
		return out
	}

	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		out.Content = fmt.Sprintf("invalid tool arguments: %v", err)
		out.IsError = true
		return out
	}
	if err := r.schemas[call.Name].Validate(decoded); err != nil {
		if r.auditor != nil {
			r.auditor.ToolDenied(ctx, sessionID, call.Name, call.ID, err.Error())
		}
		out.Content = fmt.Sprintf("arguments rejected by schema: %v", err)
		out.IsError = true
		return out
	}

	if r.auditor != nil {
		r.auditor.ToolInvocation(ctx, sessionID, call.Name, call.ID, input)
	}

	result, err := tool.Execute(ctx, input)
	if err != nil {
		out.Content = err.Error()
		out.IsError = true
		return out
	}
	out.Content = result.Content
	out.IsError = result.IsError
	return out
}

func marshalSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FetchTool performs HTTP requests with a response-size cap.
type FetchTool struct {
	client   *http.Client
	maxBytes int
}

func NewFetchTool(timeout time.Duration, maxBytes int) *FetchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 512 * 1024
	}
	return &FetchTool{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (t *FetchTool) Name() string { return "web_fetch" }

func (t *FetchTool) Description() string {
	return "Fetch a URL over HTTP; the response body is truncated to a byte cap."
}

func (t *FetchTool) Schema() json.RawMessage {
	return marshalSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch.",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method (default: GET).",
				"enum":        []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers (string values).",
				"additionalProperties": map[string]any{
					"type": "string",
				},
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body.",
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	})
}

func (t *FetchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var input struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if !strings.HasPrefix(input.URL, "http://") && !strings.HasPrefix(input.URL, "https://") {
		return toolError("url must use http or https"), nil
	}
	method := input.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if input.Body != "" {
		body = strings.NewReader(input.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, input.URL, body)
	if err != nil {
		return toolError(fmt.Sprintf("build request: %v", err)), nil
	}
	for k, v := range input.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return toolError(fmt.Sprintf("fetch: %v", err)), nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxBytes)+1))
	if err != nil {
		return toolError(fmt.Sprintf("read response: %v", err)), nil
	}
	truncated := false
	if len(data) > t.maxBytes {
		data = data[:t.maxBytes]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %d\n", resp.StatusCode)
	sb.Write(data)
	if truncated {
		fmt.Fprintf(&sb, "\n(body truncated at %d bytes)", t.maxBytes)
	}

	if resp.StatusCode >= 400 {
		return toolError(sb.String()), nil
	}
	return &Result{Content: sb.String()}, nil
}

package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	ctx := context.Background()
	logger.Info(ctx, "connecting",
		"detail", "api_key: sk-abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKL",
	)

	out := buf.String()
	if strings.Contains(out, "sk-abcdefghijklmnop") {
		t.Fatalf("API key leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddSessionID(context.Background(), "sess-42")
	logger.Info(ctx, "turn started", "model", "gpt-4o")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if record["session_id"] != "sess-42" {
		t.Fatalf("session_id = %v, want sess-42", record["session_id"])
	}
	if record["model"] != "gpt-4o" {
		t.Fatalf("model = %v, want gpt-4o", record["model"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "should not appear")
	logger.Info(context.Background(), "should not appear either")
	logger.Warn(context.Background(), "visible warning")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("sub-threshold records emitted: %s", out)
	}
	if !strings.Contains(out, "visible warning") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRedactMapSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "config loaded", "settings", map[string]any{
		"base_url": "https://api.example.com",
		"api_key":  "super-secret-value",
	})

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Fatalf("sensitive map value leaked: %s", out)
	}
	if !strings.Contains(out, "https://api.example.com") {
		t.Fatalf("benign map value dropped: %s", out)
	}
}

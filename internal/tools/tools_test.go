package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deckhand-ai/deckhand/internal/config"
	"github.com/deckhand-ai/deckhand/internal/pathguard"
	"github.com/deckhand-ai/deckhand/pkg/models"
)

func newTestRegistry(t *testing.T, root string) *Registry {
	t.Helper()
	guard, err := pathguard.New([]string{root}, "")
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRegistry(Options{
		Guard: guard,
		Config: config.ToolsConfig{
			BashTimeout:    5 * time.Second,
			MaxOutputBytes: 4096,
			FetchMaxBytes:  4096,
			FetchTimeout:   5 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func call(name, args string) models.ToolCall {
	return models.ToolCall{ID: "call-1", Name: name, Input: json.RawMessage(args)}
}

func TestUnknownTool(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	res := r.Execute(context.Background(), "s1", call("teleport", `{}`))
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Fatalf("result = %+v", res)
	}
}

func TestSchemaViolationBecomesErrorResult(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	// read requires "path"; a missing field must degrade, not panic.
	res := r.Execute(context.Background(), "s1", call("read", `{"offset": 2}`))
	if !res.IsError || !strings.Contains(res.Content, "schema") {
		t.Fatalf("result = %+v", res)
	}
}

func TestMalformedArgumentsBecomeErrorResult(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	res := r.Execute(context.Background(), "s1", call("read", `{not json`))
	if !res.IsError || !strings.Contains(res.Content, "invalid tool arguments") {
		t.Fatalf("result = %+v", res)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	ctx := context.Background()

	path := filepath.Join(dir, "sub", "hello.txt")
	args, _ := json.Marshal(map[string]string{"path": path, "content": "line1\nline2\nline3"})
	res := r.Execute(ctx, "s1", call("write", string(args)))
	if res.IsError {
		t.Fatalf("write failed: %s", res.Content)
	}

	args, _ = json.Marshal(map[string]any{"path": path, "offset": 2, "limit": 1})
	res = r.Execute(ctx, "s1", call("read", string(args)))
	if res.IsError || res.Content != "line2" {
		t.Fatalf("read = %+v", res)
	}
}

func TestPathGuardDenial(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	ctx := context.Background()

	for _, tc := range []struct {
		tool string
		args map[string]any
	}{
		{"read", map[string]any{"path": "/etc/passwd"}},
		{"write", map[string]any{"path": "/etc/evil", "content": "x"}},
		{"edit", map[string]any{"path": "/etc/passwd", "edits": []map[string]any{{"old_text": "a", "new_text": "b"}}}},
		{"glob", map[string]any{"root": "/etc", "pattern": "*"}},
		{"grep", map[string]any{"root": "/etc", "pattern": "root"}},
		{"bash", map[string]any{"command": "true", "cwd": "/etc"}},
	} {
		args, _ := json.Marshal(tc.args)
		res := r.Execute(ctx, "s1", call(tc.tool, string(args)))
		if !res.IsError || !strings.Contains(res.Content, "not allowed") {
			t.Fatalf("%s escaped the guard: %+v", tc.tool, res)
		}
	}
}

func TestEditReplacements(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	ctx := context.Background()
	path := filepath.Join(dir, "f.txt")

	reset := func() {
		if err := os.WriteFile(path, []byte("foo bar foo"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	reset()
	args, _ := json.Marshal(map[string]any{
		"path":  path,
		"edits": []map[string]any{{"old_text": "foo", "new_text": "baz", "replace_all": true}},
	})
	res := r.Execute(ctx, "s1", call("edit", string(args)))
	if res.IsError {
		t.Fatalf("edit failed: %s", res.Content)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "baz bar baz" {
		t.Fatalf("content = %q, want %q", data, "baz bar baz")
	}
	var report struct {
		Replacements int `json:"replacements"`
	}
	if err := json.Unmarshal([]byte(res.Content), &report); err != nil {
		t.Fatalf("report not JSON: %v", err)
	}
	if report.Replacements != 2 {
		t.Fatalf("replacements = %d, want 2", report.Replacements)
	}

	reset()
	args, _ = json.Marshal(map[string]any{
		"path":  path,
		"edits": []map[string]any{{"old_text": "foo", "new_text": "baz"}},
	})
	res = r.Execute(ctx, "s1", call("edit", string(args)))
	if res.IsError {
		t.Fatalf("edit failed: %s", res.Content)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "baz bar foo" {
		t.Fatalf("content = %q, want %q", data, "baz bar foo")
	}
	if err := json.Unmarshal([]byte(res.Content), &report); err != nil {
		t.Fatal(err)
	}
	if report.Replacements != 1 {
		t.Fatalf("replacements = %d, want 1", report.Replacements)
	}
}

func TestEditOldTextNotFound(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	args, _ := json.Marshal(map[string]any{
		"path":  path,
		"edits": []map[string]any{{"old_text": "absent", "new_text": "x"}},
	})
	res := r.Execute(context.Background(), "s1", call("edit", string(args)))
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Fatalf("result = %+v", res)
	}
}

func TestEditNoOpReported(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	args, _ := json.Marshal(map[string]any{
		"path":  path,
		"edits": []map[string]any{{"old_text": "same", "new_text": "same"}},
	})
	res := r.Execute(context.Background(), "s1", call("edit", string(args)))
	if res.IsError {
		t.Fatalf("no-op edit flagged as error: %s", res.Content)
	}
	if !strings.Contains(res.Content, "no_op") {
		t.Fatalf("no-op not reported: %s", res.Content)
	}
}

func TestGlob(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"a.md", "b.txt", "docs/c.md", "docs/deep/d.md", "node_modules/skip.md"} {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	r := newTestRegistry(t, dir)

	args, _ := json.Marshal(map[string]string{"root": dir, "pattern": "**/*.md"})
	res := r.Execute(context.Background(), "s1", call("glob", string(args)))
	if res.IsError {
		t.Fatalf("glob failed: %s", res.Content)
	}
	for _, want := range []string{"a.md", "docs/c.md", "docs/deep/d.md"} {
		if !strings.Contains(res.Content, want) {
			t.Fatalf("missing %q in %q", want, res.Content)
		}
	}
	if strings.Contains(res.Content, "b.txt") || strings.Contains(res.Content, "node_modules") {
		t.Fatalf("unexpected matches: %q", res.Content)
	}
}

func TestGrep(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\nfunc Main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("main docs\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newTestRegistry(t, dir)
	ctx := context.Background()

	args, _ := json.Marshal(map[string]any{"root": dir, "pattern": "Main", "include": "*.go"})
	res := r.Execute(ctx, "s1", call("grep", string(args)))
	if res.IsError {
		t.Fatalf("grep failed: %s", res.Content)
	}
	if !strings.Contains(res.Content, "main.go:2: func Main() {}") {
		t.Fatalf("unexpected output: %q", res.Content)
	}
	if strings.Contains(res.Content, "readme.md") {
		t.Fatalf("include filter ignored: %q", res.Content)
	}

	// Case-insensitive match catches both files without the filter.
	args, _ = json.Marshal(map[string]any{"root": dir, "pattern": "MAIN", "case_sensitive": false})
	res = r.Execute(ctx, "s1", call("grep", string(args)))
	if res.IsError || !strings.Contains(res.Content, "readme.md:1:") {
		t.Fatalf("case-insensitive grep = %+v", res)
	}
}

func TestBash(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	ctx := context.Background()

	args, _ := json.Marshal(map[string]string{"command": "echo hello", "cwd": dir})
	res := r.Execute(ctx, "s1", call("bash", string(args)))
	if res.IsError || !strings.Contains(res.Content, "hello") {
		t.Fatalf("bash = %+v", res)
	}

	args, _ = json.Marshal(map[string]string{"command": "echo oops >&2; exit 3"})
	res = r.Execute(ctx, "s1", call("bash", string(args)))
	if !res.IsError || !strings.Contains(res.Content, "exit status 3") || !strings.Contains(res.Content, "oops") {
		t.Fatalf("bash failure = %+v", res)
	}
}

func TestBashTimeout(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	args, _ := json.Marshal(map[string]any{"command": "sleep 5", "timeout_seconds": 1})
	start := time.Now()
	res := r.Execute(context.Background(), "s1", call("bash", string(args)))
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Fatalf("timeout result = %+v", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout not enforced promptly")
	}
}

func TestExecuteAllSequentialOrder(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir)
	path := filepath.Join(dir, "log.txt")

	writeArgs, _ := json.Marshal(map[string]string{"path": path, "content": "first"})
	editArgs, _ := json.Marshal(map[string]any{
		"path":  path,
		"edits": []map[string]any{{"old_text": "first", "new_text": "second"}},
	})
	results := r.ExecuteAll(context.Background(), "s1", []models.ToolCall{
		{ID: "c1", Name: "write", Input: writeArgs},
		{ID: "c2", Name: "edit", Input: editArgs},
	})
	if len(results) != 2 || results[0].IsError || results[1].IsError {
		t.Fatalf("results = %+v", results)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Fatalf("content = %q", data)
	}
}

func TestCompileGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"*.md", "a.md", true},
		{"*.md", "docs/a.md", false},
		{"**/*.md", "docs/deep/a.md", true},
		{"**/*.md", "a.md", true},
		{"src/**", "src/x/y.go", true},
		{"src/**", "other/x.go", false},
		{"*.{go,md}", "a.go", true},
		{"*.{go,md}", "a.rs", false},
		{"a?c.txt", "abc.txt", true},
		{"a?c.txt", "abbc.txt", false},
	}
	for _, tt := range tests {
		re, err := CompileGlob(tt.pattern)
		if err != nil {
			t.Fatalf("CompileGlob(%q): %v", tt.pattern, err)
		}
		if got := re.MatchString(tt.path); got != tt.match {
			t.Errorf("pattern %q path %q = %v, want %v", tt.pattern, tt.path, got, tt.match)
		}
	}
	if _, err := CompileGlob("a{b,c"); err == nil {
		t.Error("unbalanced brace accepted")
	}
	if _, err := CompileGlob(""); err == nil {
		t.Error("empty pattern accepted")
	}
}

package intent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deckhand-ai/deckhand/pkg/models"
)

const sampleBlock = `I'll fix the parser now.

---EDIT INTENT---
Summary: fix off-by-one in line counting
Files:
- internal/parser/parser.go
- internal/parser/parser_test.go
---END INTENT---

Starting with the counter logic.`

func TestExtract(t *testing.T) {
	decl, ok := Extract(sampleBlock)
	if !ok {
		t.Fatal("block not extracted")
	}
	if decl.Summary != "fix off-by-one in line counting" {
		t.Fatalf("summary = %q", decl.Summary)
	}
	want := []string{"internal/parser/parser.go", "internal/parser/parser_test.go"}
	if len(decl.Files) != len(want) {
		t.Fatalf("files = %v", decl.Files)
	}
	for i := range want {
		if decl.Files[i] != want[i] {
			t.Fatalf("files[%d] = %q, want %q", i, decl.Files[i], want[i])
		}
	}
}

func TestExtractAbsent(t *testing.T) {
	for _, text := range []string{
		"no block here",
		"---EDIT INTENT---\nSummary: unterminated\nFiles:\n- a.go\n",
		"---EDIT INTENT---\nSummary: empty file list\n---END INTENT---",
	} {
		if _, ok := Extract(text); ok {
			t.Fatalf("extracted declaration from %q", text)
		}
	}
}

func TestHotspotsMatch(t *testing.T) {
	h, err := NewHotspots(nil)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path string
		want bool
	}{
		{".git/config", true},
		{"repo/.git/hooks/pre-commit", true},
		{".env", true},
		{".env.production", true},
		{"certs/server.pem", true},
		{"secrets/db.yaml", true},
		{"internal/server.go", false},
		{"environment.md", false},
	}
	for _, tt := range tests {
		if got := h.Match(tt.path); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestSubtreeSuffixMatchesAnyDepth(t *testing.T) {
	h, err := NewHotspots([]string{"deploy/**"})
	if err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"deploy/a", "deploy/x/y/z.yaml"} {
		if !h.Match(path) {
			t.Errorf("Match(%q) = false", path)
		}
	}
	if h.Match("deployment/a") {
		t.Error("prefix sharing must not match")
	}
}

func TestSetPatternsKeepsPreviousOnError(t *testing.T) {
	h, err := NewHotspots([]string{"secrets/**"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.SetPatterns([]string{"bad{pattern"}); err == nil {
		t.Fatal("invalid pattern accepted")
	}
	if !h.Match("secrets/key") {
		t.Fatal("previous pattern set lost after failed update")
	}
}

func TestValidateDeclarationRejectsHotspots(t *testing.T) {
	h, _ := NewHotspots(nil)
	e := &Enforcer{Enabled: false, Hotspots: h}

	decl := &Declaration{Files: []string{"internal/x.go", ".env"}}
	// Hot-spot validation runs even with enforcement off.
	if err := e.ValidateDeclaration(decl); err == nil {
		t.Fatal("hot-spot declaration accepted")
	}
	if err := e.ValidateDeclaration(&Declaration{Files: []string{"internal/x.go"}}); err != nil {
		t.Fatalf("clean declaration rejected: %v", err)
	}
}

func TestCheckCall(t *testing.T) {
	h, _ := NewHotspots(nil)
	decl := &Declaration{Files: []string{"internal/x.go"}}
	editIn := func(path string) models.ToolCall {
		args, _ := json.Marshal(map[string]any{"path": path})
		return models.ToolCall{ID: "c", Name: "edit", Input: args}
	}

	off := &Enforcer{Enabled: false, Hotspots: h}
	if err := off.CheckCall(decl, editIn("/repo/other.go")); err != nil {
		t.Fatalf("disabled enforcer rejected call: %v", err)
	}

	on := &Enforcer{Enabled: true, Hotspots: h}
	if err := on.CheckCall(decl, editIn("/repo/internal/x.go")); err != nil {
		t.Fatalf("in-scope call rejected: %v", err)
	}
	if err := on.CheckCall(decl, editIn("/repo/other.go")); err == nil {
		t.Fatal("out-of-scope call accepted")
	}
	// Non-file tools are never scoped.
	if err := on.CheckCall(decl, models.ToolCall{Name: "bash", Input: json.RawMessage(`{"command":"ls"}`)}); err != nil {
		t.Fatalf("bash call rejected: %v", err)
	}
	// No declaration means no restriction.
	if err := on.CheckCall(nil, editIn("/repo/other.go")); err != nil {
		t.Fatalf("call without declaration rejected: %v", err)
	}
}

func TestLoadPatternsFile(t *testing.T) {
	dir := t.TempDir()

	listPath := filepath.Join(dir, "list.yaml")
	os.WriteFile(listPath, []byte("- secrets/**\n- '*.pem'\n"), 0o644)
	got, err := LoadPatternsFile(listPath)
	if err != nil || len(got) != 2 {
		t.Fatalf("list form: %v %v", got, err)
	}

	mapPath := filepath.Join(dir, "map.yaml")
	os.WriteFile(mapPath, []byte("hotspots:\n  - deploy/**\n"), 0o644)
	got, err = LoadPatternsFile(mapPath)
	if err != nil || len(got) != 1 || got[0] != "deploy/**" {
		t.Fatalf("map form: %v %v", got, err)
	}

	badPath := filepath.Join(dir, "bad.yaml")
	os.WriteFile(badPath, []byte(":\n  - not valid\n yaml"), 0o644)
	if _, err := LoadPatternsFile(badPath); err == nil {
		t.Fatal("malformed file accepted")
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hotspots.yaml")

	h, _ := NewHotspots(nil)
	w, err := NewWatcher(path, h, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	// File absent: defaults in effect.
	if !h.Match(".env") {
		t.Fatal("defaults not loaded")
	}

	if err := os.WriteFile(path, []byte("- custom/**\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(3 * time.Second)
	for !h.Match("custom/thing") {
		select {
		case <-deadline:
			t.Fatal("watcher did not pick up new hot-spot file")
		case <-time.After(20 * time.Millisecond):
		}
	}
	// Replacement file supersedes the defaults entirely.
	if h.Match(".env") {
		t.Fatal("default patterns still active after project file load")
	}
}

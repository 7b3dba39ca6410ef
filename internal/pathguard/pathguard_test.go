package pathguard

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	guard, err := New([]string{"/repo", "/work/projects"}, "/var/lib/deckhand")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		allowed bool
	}{
		{"root itself", "/repo", true},
		{"direct child", "/repo/main.go", true},
		{"nested child", "/work/projects/app/internal/x.go", true},
		{"data dir", "/var/lib/deckhand/sessions/s1.json", true},
		{"dot segments inside root", "/repo/a/./b/../c.go", true},
		{"outside all roots", "/etc/passwd", false},
		{"traversal escapes root", "/repo/../etc/passwd", false},
		{"traversal with allowed prefix", "/repo/../../etc/passwd", false},
		{"sibling sharing prefix", "/repo-evil/x", false},
		{"parent of root", "/work", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.Validate(tt.path)
			if tt.allowed && err != nil {
				t.Fatalf("Validate(%q) = %v, want nil", tt.path, err)
			}
			if !tt.allowed {
				var notAllowed *PathNotAllowedError
				if !errors.As(err, &notAllowed) {
					t.Fatalf("Validate(%q) = %v, want PathNotAllowedError", tt.path, err)
				}
			}
			if got := guard.IsPathAllowed(tt.path); got != tt.allowed {
				t.Fatalf("IsPathAllowed(%q) = %v, want %v", tt.path, got, tt.allowed)
			}
		})
	}
}

func TestValidateRelativePath(t *testing.T) {
	cwd, err := filepath.Abs(".")
	if err != nil {
		t.Fatal(err)
	}
	guard, err := New([]string{cwd}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := guard.Validate("subdir/file.txt"); err != nil {
		t.Fatalf("relative path under cwd root rejected: %v", err)
	}
	if guard.IsPathAllowed("../outside") {
		t.Fatal("relative traversal above cwd root allowed")
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(nil, ""); err == nil {
		t.Fatal("New with no roots should fail")
	}
	if _, err := New([]string{" ", ""}, ""); err == nil {
		t.Fatal("New with blank roots should fail")
	}
}

func TestDataDirOnly(t *testing.T) {
	guard, err := New(nil, "/var/lib/deckhand")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !guard.IsPathAllowed("/var/lib/deckhand/meta.json") {
		t.Fatal("data dir path rejected")
	}
	if guard.IsPathAllowed("/var/lib/other") {
		t.Fatal("sibling of data dir allowed")
	}
}

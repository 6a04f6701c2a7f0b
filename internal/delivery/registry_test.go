// internal/delivery/registry_test.go
package delivery

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotKey, gotMsg string
	reg.Register("test:", func(key, message string) error {
		gotKey = key
		gotMsg = message
		return nil
	})

	if err := reg.Deliver("test:123", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "test:123" {
		t.Errorf("expected key %q, got %q", "test:123", gotKey)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Deliver("unknown:123", "hello"); err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()

	var generic, specific int
	reg.Register("telegram:", func(key, message string) error {
		generic++
		return nil
	})
	reg.Register("telegram:-100", func(key, message string) error {
		specific++
		return nil
	})

	reg.Deliver("telegram:-100555", "group")
	reg.Deliver("telegram:42", "dm")

	if generic != 1 || specific != 1 {
		t.Errorf("expected one call each, got generic=%d specific=%d", generic, specific)
	}
	if got := reg.Prefixes(); len(got) != 2 || got[0] != "telegram:" {
		t.Errorf("unexpected prefixes %v", got)
	}
}

func TestTarget(t *testing.T) {
	if got := Target("file:/tmp/a:b.md"); got != "/tmp/a:b.md" {
		t.Errorf("expected path with colon kept, got %q", got)
	}
	if got := Target("log"); got != "" {
		t.Errorf("expected empty target, got %q", got)
	}
}

func TestFileHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "weekly.md")

	reg := NewRegistry()
	reg.Register("file:", FileHandler)
	reg.Register("log:", LogHandler(slog.New(slog.NewTextHandler(io.Discard, nil))))

	if err := reg.Deliver("file:"+path, "first"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deliver("file:"+path, "second"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("expected overwritten content, got %q", data)
	}

	if err := reg.Deliver("file:", "x"); err == nil {
		t.Error("expected error for empty file path")
	}
	if err := reg.Deliver("log:scheduler", "x"); err != nil {
		t.Errorf("log delivery failed: %v", err)
	}
}

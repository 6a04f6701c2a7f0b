// internal/delivery/registry.go
package delivery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Handler delivers a message to the destination named by key, for example
// "telegram:123" or "file:/var/reports/weekly.md".
type Handler func(key, message string) error

// Registry routes messages to a handler by key prefix. The longest
// registered prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Prefixes returns the registered prefixes, sorted.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Deliver finds the handler matching the key prefix and calls it.
func (r *Registry) Deliver(key, message string) error {
	r.mu.RLock()
	var match string
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(key, prefix) && len(prefix) >= len(match) {
			match, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for key: %s", key)
	}
	return handler(key, message)
}

// Target returns the part of key after the first colon.
func Target(key string) string {
	_, target, _ := strings.Cut(key, ":")
	return target
}

// FileHandler writes each message to the path in the key, replacing any
// previous content.
func FileHandler(key, message string) error {
	path := Target(key)
	if path == "" {
		return fmt.Errorf("file delivery needs a path: %s", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create delivery dir: %w", err)
	}
	// Atomic write via temp file + rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(message), 0o644); err != nil {
		return fmt.Errorf("write delivery file: %w", err)
	}
	return os.Rename(tmp, path)
}

// LogHandler returns a handler that logs messages instead of sending them.
func LogHandler(logger *slog.Logger) Handler {
	return func(key, message string) error {
		logger.Info("delivery", "key", key, "chars", len(message), "message", message)
		return nil
	}
}

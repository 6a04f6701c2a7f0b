package llm

import (
	"context"
	"net/http"
	"time"
)

// Provider defines the interface for single-shot chat models.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a chat completion request and returns a channel of incremental deltas.
	// The channel is closed when the stream ends.
	Stream(ctx context.Context, req *Request) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds non-streaming requests. Streaming requests are bounded
	// only by the caller's context.
	Timeout time.Duration

	// HTTPClient overrides the transport; tests point it at httptest servers.
	HTTPClient *http.Client
}

// Client returns the configured HTTP client, or a default one.
func (c *Config) Client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{}
}

// RequestTimeout returns Timeout or the given fallback.
func (c *Config) RequestTimeout(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return fallback
}

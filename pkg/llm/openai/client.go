package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/quorum/pkg/llm"
	"github.com/user/quorum/pkg/llm/sse"
)

// DefaultBaseURL is the public OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Client implements the llm.Provider interface for OpenAI-compatible chat
// completion APIs (OpenAI, xAI, Perplexity, OpenRouter).
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	return &Client{
		config:     config,
		httpClient: config.Client(),
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []llm.Message  `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	Model   string         `json:"model"`
	Choices []choice       `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

// choice represents a single completion choice. Message is set on complete
// responses and Delta on stream chunks.
type choice struct {
	Message responseMessage `json:"message"`
	Delta   responseMessage `json:"delta"`
}

// responseMessage is the OpenAI message format in responses.
type responseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *responseUsage) toUsage() *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

func (c *Client) buildRequest(req *llm.Request, stream bool) chatRequest {
	body := chatRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		temp := req.Temperature
		body.Temperature = &temp
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, llm.ParseAPIError(resp.StatusCode, respBody)
	}
	return resp, nil
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout(120*time.Second))
	defer cancel()

	resp, err := c.post(ctx, "/chat/completions", c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	out := &llm.Response{
		Content:   chatResp.Choices[0].Message.Content,
		Reasoning: chatResp.Choices[0].Message.ReasoningContent,
		Model:     chatResp.Model,
	}
	if u := chatResp.Usage.toUsage(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

// Stream sends a streaming chat completion request. Deltas are delivered as
// they arrive; the usage chunk, when the server sends one, arrives last.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	resp, err := c.post(ctx, "/chat/completions", c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(d llm.Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := sse.NewReader(resp.Body)
		for {
			ev, err := reader.Next()
			if err == io.EOF || (err == nil && ev.Done()) {
				return
			}
			if err != nil {
				send(llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
				return
			}

			var chunk chatResponse
			if err := json.Unmarshal(ev.Data, &chunk); err != nil {
				send(llm.Delta{Err: fmt.Errorf("parsing chunk: %w", err)})
				return
			}

			var d llm.Delta
			if len(chunk.Choices) > 0 {
				d.Content = chunk.Choices[0].Delta.Content
			}
			d.Usage = chunk.Usage.toUsage()
			if d.Content == "" && d.Usage == nil {
				continue
			}
			if !send(d) {
				return
			}
		}
	}()

	return ch, nil
}

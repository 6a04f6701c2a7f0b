// Package openaisdk adapts the official OpenAI Go SDK to llm.Provider.
package openaisdk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/user/quorum/pkg/llm"
)

// Client implements llm.Provider for OpenAI chat models.
type Client struct {
	client *openai.Client
}

// New creates an SDK-backed client. An empty BaseURL uses the SDK default.
func New(config *llm.Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		// relative request paths resolve against a directory URL
		base := strings.TrimRight(config.BaseURL, "/") + "/"
		opts = append(opts, option.WithBaseURL(base))
	}
	if config.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(config.HTTPClient))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}
	return &Client{client: openai.NewClient(opts...)}
}

func buildParams(req *llm.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.F(req.Model),
		Messages: openai.F(messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.F(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = openai.F(float64(req.Temperature))
	}
	return params
}

func toUsage(u openai.CompletionUsage) llm.Usage {
	return llm.Usage{
		InputTokens:  int(u.PromptTokens),
		OutputTokens: int(u.CompletionTokens),
		TotalTokens:  int(u.TotalTokens),
	}
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := c.client.Chat.Completions.New(ctx, buildParams(req))
	if err != nil {
		return nil, translate(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &llm.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage:   toUsage(resp.Usage),
	}, nil
}

// Stream implements llm.Provider.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Delta, error) {
	params := buildParams(req)
	params.StreamOptions = openai.F(openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.F(true),
	})

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan llm.Delta, 16)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			var d llm.Delta
			if len(chunk.Choices) > 0 {
				d.Content = chunk.Choices[0].Delta.Content
			}
			if chunk.Usage.TotalTokens > 0 {
				u := toUsage(chunk.Usage)
				d.Usage = &u
			}
			if d.Content == "" && d.Usage == nil {
				continue
			}
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Delta{Err: translate(err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// translate converts SDK errors into llm.APIError so callers can classify
// them the same way as the hand-written clients.
func translate(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llm.APIError{
			StatusCode: apiErr.StatusCode,
			Code:       apiErr.Code,
			Type:       apiErr.Type,
			Message:    apiErr.Message,
		}
	}
	return err
}

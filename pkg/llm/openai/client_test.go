package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/quorum/pkg/llm"
)

func TestOpenAIClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}

		resp := map[string]any{
			"model": "gpt-4.1-mini",
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"role":    "assistant",
						"content": "test response",
					},
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "test-key"})

	resp, err := client.Complete(context.Background(), llm.UserRequest("gpt-4.1-mini", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "test response" {
		t.Errorf("expected 'test response', got %s", resp.Content)
	}
	if resp.Model != "gpt-4.1-mini" {
		t.Errorf("expected model echo, got %s", resp.Model)
	}
	if resp.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 5 {
		t.Errorf("expected 5 output tokens, got %d", resp.Usage.OutputTokens)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIClientRequestFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// base_url includes /v1, client appends /chat/completions
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path '/v1/chat/completions', got %q", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type 'application/json', got %q", r.Header.Get("Content-Type"))
		}

		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)

		if reqBody["model"] != "gpt-4" {
			t.Errorf("expected model 'gpt-4', got %v", reqBody["model"])
		}
		if _, ok := reqBody["stream"]; ok {
			t.Error("stream flag should be omitted for Complete")
		}
		if reqBody["max_tokens"] != float64(256) {
			t.Errorf("expected max_tokens 256, got %v", reqBody["max_tokens"])
		}

		messages, ok := reqBody["messages"].([]any)
		if !ok || len(messages) != 1 {
			t.Errorf("expected 1 message, got %v", reqBody["messages"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL + "/v1", APIKey: "key"})

	req := llm.UserRequest("gpt-4", "test")
	req.MaxTokens = 256
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "bad-key"})

	_, err := client.Complete(context.Background(), llm.UserRequest("gpt-4", "hello"))
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *llm.APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "invalid_api_key" {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
}

func TestOpenAIClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)
		if reqBody["stream"] != true {
			t.Errorf("expected stream=true, got %v", reqBody["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"streamed ", "response"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":3,\"total_tokens\":8}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key"})

	stream, err := client.Stream(context.Background(), llm.UserRequest("gpt-4", "hello"))
	if err != nil {
		t.Fatal(err)
	}

	var content string
	var usage *llm.Usage
	for delta := range stream {
		if delta.Err != nil {
			t.Fatal(delta.Err)
		}
		content += delta.Content
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}
	if content != "streamed response" {
		t.Errorf("expected 'streamed response', got %q", content)
	}
	if usage == nil || usage.TotalTokens != 8 {
		t.Errorf("expected usage with 8 total tokens, got %+v", usage)
	}
}

func TestOpenAIClientProviderInterface(t *testing.T) {
	var _ llm.Provider = (*Client)(nil)
	var _ llm.JobBackend = (*ResponsesBackend)(nil)
}

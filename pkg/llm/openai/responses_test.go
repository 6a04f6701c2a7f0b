package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/quorum/pkg/llm"
)

const completedResponse = `{
  "id": "resp_abc",
  "status": "completed",
  "output": [
    {"type": "reasoning", "summary": [{"type": "summary_text", "text": "Looked at sources."}]},
    {"type": "message", "content": [
      {"type": "output_text", "text": "ABCDE", "annotations": [
        {"type": "url_citation", "url": "https://example.com/a"},
        {"type": "url_citation", "url": "https://example.com/a"}
      ]}
    ]}
  ],
  "usage": {"input_tokens": 12, "output_tokens": 40, "total_tokens": 52}
}`

func TestResponsesSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)

		if reqBody["background"] != true {
			t.Errorf("expected background=true, got %v", reqBody["background"])
		}
		if _, ok := reqBody["stream"]; ok {
			t.Error("stream should be omitted on submit")
		}
		tools, _ := reqBody["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("expected web search tool, got %v", reqBody["tools"])
		}

		fmt.Fprint(w, `{"id":"resp_abc","status":"queued","output":[]}`)
	}))
	defer server.Close()

	b := NewResponses(&llm.Config{BaseURL: server.URL, APIKey: "k"})
	snap, err := b.Submit(context.Background(), &llm.JobRequest{Model: "o3-deep-research", Input: "topic", WebSearch: true})
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID != "resp_abc" || snap.Status != llm.JobQueued {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestResponsesRetrieve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses/resp_abc" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, completedResponse)
	}))
	defer server.Close()

	b := NewResponses(&llm.Config{BaseURL: server.URL, APIKey: "k"})
	snap, err := b.Retrieve(context.Background(), "resp_abc")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != llm.JobCompleted {
		t.Errorf("expected completed, got %s", snap.Status)
	}
	if snap.Content != "ABCDE" {
		t.Errorf("expected ABCDE, got %q", snap.Content)
	}
	if snap.Reasoning != "Looked at sources." {
		t.Errorf("unexpected reasoning %q", snap.Reasoning)
	}
	if len(snap.Citations) != 1 {
		t.Errorf("expected deduplicated citations, got %v", snap.Citations)
	}
	if snap.Usage == nil || snap.Usage.TotalTokens != 52 {
		t.Errorf("unexpected usage %+v", snap.Usage)
	}
}

func TestResponsesRetrieveNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"No response found","type":"invalid_request_error"}}`)
	}))
	defer server.Close()

	b := NewResponses(&llm.Config{BaseURL: server.URL, APIKey: "k"})
	_, err := b.Retrieve(context.Background(), "resp_missing")
	apiErr, ok := err.(*llm.APIError)
	if !ok || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestResponsesStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.created\ndata: {\"type\":\"response.created\",\"sequence_number\":0,\"response\":{\"id\":\"resp_abc\",\"status\":\"queued\"}}\n\n")
		fmt.Fprint(w, "event: response.in_progress\ndata: {\"type\":\"response.in_progress\",\"sequence_number\":1,\"response\":{\"id\":\"resp_abc\",\"status\":\"in_progress\"}}\n\n")
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"sequence_number\":2,\"delta\":\"ABC\"}\n\n")
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"sequence_number\":3,\"delta\":\"DE\"}\n\n")
		fmt.Fprintf(w, "event: response.completed\ndata: {\"type\":\"response.completed\",\"sequence_number\":4,\"response\":%s}\n\n", compact(completedResponse))
	}))
	defer server.Close()

	b := NewResponses(&llm.Config{BaseURL: server.URL, APIKey: "k"})
	events, err := b.Stream(context.Background(), &llm.JobRequest{Model: "o3-deep-research", Input: "topic"})
	if err != nil {
		t.Fatal(err)
	}

	var text string
	var last llm.JobEvent
	var kinds []llm.EventKind
	for ev := range events {
		if ev.JobID != "resp_abc" {
			t.Errorf("event %s missing job id", ev.Kind)
		}
		if ev.Kind == llm.EventDelta {
			text += ev.Text
		}
		kinds = append(kinds, ev.Kind)
		last = ev
	}

	if text != "ABCDE" {
		t.Errorf("expected ABCDE, got %q", text)
	}
	if kinds[0] != llm.EventCreated {
		t.Errorf("expected created first, got %v", kinds[0])
	}
	if last.Kind != llm.EventCompleted || last.Seq != 4 {
		t.Errorf("unexpected last event %+v", last)
	}
	if last.Usage == nil || last.Usage.OutputTokens != 40 {
		t.Errorf("expected usage on completion, got %+v", last.Usage)
	}
}

func TestResponsesStreamFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_x\",\"status\":\"queued\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"response.failed\",\"response\":{\"id\":\"resp_x\",\"status\":\"failed\",\"error\":{\"code\":\"server_error\",\"message\":\"boom\"}}}\n\n")
	}))
	defer server.Close()

	b := NewResponses(&llm.Config{BaseURL: server.URL, APIKey: "k"})
	events, err := b.Stream(context.Background(), &llm.JobRequest{Model: "m", Input: "t"})
	if err != nil {
		t.Fatal(err)
	}

	var last llm.JobEvent
	for ev := range events {
		last = ev
	}
	if last.Kind != llm.EventFailed || last.Status != llm.JobFailed {
		t.Fatalf("expected failed event, got %+v", last)
	}
	if last.Err == nil || last.Err.Error() != "server_error: boom" {
		t.Errorf("unexpected error %v", last.Err)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]llm.JobStatus{
		"queued":      llm.JobQueued,
		"in_progress": llm.JobInProgress,
		"completed":   llm.JobCompleted,
		"incomplete":  llm.JobFailed,
		"cancelled":   llm.JobCancelled,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func compact(s string) string {
	var v any
	json.Unmarshal([]byte(s), &v)
	b, _ := json.Marshal(v)
	return string(b)
}

package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/quorum/pkg/llm"
	"github.com/user/quorum/pkg/llm/sse"
)

// ResponsesBackend runs deep-research models through the Responses API in
// background mode. It implements llm.JobBackend.
type ResponsesBackend struct {
	*Client
}

// NewResponses creates a Responses API backend.
func NewResponses(config *llm.Config) *ResponsesBackend {
	return &ResponsesBackend{Client: New(config)}
}

// Name implements llm.JobBackend.
func (b *ResponsesBackend) Name() string { return "openai" }

type responsesRequest struct {
	Model        string         `json:"model"`
	Input        string         `json:"input"`
	Instructions string         `json:"instructions,omitempty"`
	Background   bool           `json:"background"`
	Stream       bool           `json:"stream,omitempty"`
	Tools        []responseTool `json:"tools,omitempty"`
	Reasoning    *reasoningOpts `json:"reasoning,omitempty"`
}

type responseTool struct {
	Type string `json:"type"`
}

type reasoningOpts struct {
	Summary string `json:"summary"`
}

// responseObject is the Response resource returned by create and retrieve.
type responseObject struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	Output            []outputItem    `json:"output"`
	Usage             *responsesUsage `json:"usage"`
	Error             *responseError  `json:"error"`
	IncompleteDetails *incompleteInfo `json:"incomplete_details"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content []contentPart `json:"content"`
	Summary []contentPart `json:"summary"`
}

type contentPart struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations []annotation `json:"annotations"`
}

type annotation struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type incompleteInfo struct {
	Reason string `json:"reason"`
}

func (b *ResponsesBackend) buildJobRequest(req *llm.JobRequest, stream bool) responsesRequest {
	body := responsesRequest{
		Model:        req.Model,
		Input:        req.Input,
		Instructions: req.Instructions,
		Background:   true,
		Stream:       stream,
		Reasoning:    &reasoningOpts{Summary: "auto"},
	}
	if req.WebSearch {
		body.Tools = []responseTool{{Type: "web_search_preview"}}
	}
	return body
}

// Submit implements llm.JobBackend.
func (b *ResponsesBackend) Submit(ctx context.Context, req *llm.JobRequest) (*llm.JobSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout(60*time.Second))
	defer cancel()

	resp, err := b.post(ctx, "/responses", b.buildJobRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var obj responseObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return obj.snapshot(), nil
}

// Stream implements llm.JobBackend.
func (b *ResponsesBackend) Stream(ctx context.Context, req *llm.JobRequest) (<-chan llm.JobEvent, error) {
	resp, err := b.post(ctx, "/responses", b.buildJobRequest(req, true))
	if err != nil {
		return nil, err
	}

	dec := &responsesDecoder{}
	return llm.PumpJobEvents(ctx, resp.Body, dec.decode), nil
}

// Retrieve implements llm.JobBackend.
func (b *ResponsesBackend) Retrieve(ctx context.Context, jobID string) (*llm.JobSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout(60*time.Second))
	defer cancel()

	endpoint := b.config.BaseURL + "/responses/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.config.APIKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, llm.ParseAPIError(resp.StatusCode, body)
	}

	var obj responseObject
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return obj.snapshot(), nil
}

func (o *responseObject) snapshot() *llm.JobSnapshot {
	snap := &llm.JobSnapshot{
		ID:     o.ID,
		Status: mapStatus(o.Status),
	}

	var text, reasoning strings.Builder
	seen := make(map[string]bool)
	for _, item := range o.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type != "output_text" {
					continue
				}
				text.WriteString(part.Text)
				for _, a := range part.Annotations {
					if a.URL != "" && !seen[a.URL] {
						seen[a.URL] = true
						snap.Citations = append(snap.Citations, a.URL)
					}
				}
			}
		case "reasoning":
			for _, part := range item.Summary {
				if reasoning.Len() > 0 {
					reasoning.WriteString("\n\n")
				}
				reasoning.WriteString(part.Text)
			}
		}
	}
	snap.Content = text.String()
	snap.Reasoning = reasoning.String()

	if o.Usage != nil {
		snap.Usage = &llm.Usage{
			InputTokens:  o.Usage.InputTokens,
			OutputTokens: o.Usage.OutputTokens,
			TotalTokens:  o.Usage.TotalTokens,
		}
	}
	switch {
	case o.Error != nil && o.Error.Message != "":
		snap.Error = o.Error.Message
		if o.Error.Code != "" {
			snap.Error = o.Error.Code + ": " + o.Error.Message
		}
	case o.Status == "incomplete" && o.IncompleteDetails != nil:
		snap.Error = "response incomplete: " + o.IncompleteDetails.Reason
	}
	return snap
}

// mapStatus folds Responses API statuses onto job statuses. An incomplete
// response is terminal and reported as failed; its partial output is kept.
func mapStatus(s string) llm.JobStatus {
	switch s {
	case "queued":
		return llm.JobQueued
	case "in_progress":
		return llm.JobInProgress
	case "completed":
		return llm.JobCompleted
	case "failed", "incomplete":
		return llm.JobFailed
	case "cancelled":
		return llm.JobCancelled
	case "expired":
		return llm.JobExpired
	}
	return llm.JobStatus(s)
}

// streamEvent is the common envelope of Responses API stream events.
type streamEvent struct {
	Type           string          `json:"type"`
	SequenceNumber int64           `json:"sequence_number"`
	Response       *responseObject `json:"response"`
	Delta          string          `json:"delta"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
}

// responsesDecoder tracks the job id across events, since only lifecycle
// events carry the response object.
type responsesDecoder struct {
	jobID string
}

func (d *responsesDecoder) decode(raw sse.Event) ([]llm.JobEvent, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal(raw.Data, &ev); err != nil {
		return nil, false, fmt.Errorf("parsing stream event: %w", err)
	}
	if ev.Type == "" {
		ev.Type = raw.Type
	}
	if ev.Response != nil && ev.Response.ID != "" {
		d.jobID = ev.Response.ID
	}

	base := llm.JobEvent{JobID: d.jobID, Seq: ev.SequenceNumber}

	switch ev.Type {
	case "response.created":
		base.Kind = llm.EventCreated
		base.Status = llm.JobQueued
		if ev.Response != nil {
			base.Status = mapStatus(ev.Response.Status)
		}
		return []llm.JobEvent{base}, false, nil

	case "response.queued", "response.in_progress":
		base.Kind = llm.EventStatus
		if ev.Response != nil {
			base.Status = mapStatus(ev.Response.Status)
		}
		return []llm.JobEvent{base}, false, nil

	case "response.output_text.delta":
		base.Kind = llm.EventDelta
		base.Text = ev.Delta
		return []llm.JobEvent{base}, false, nil

	case "response.reasoning_summary_text.delta":
		base.Kind = llm.EventReasoning
		base.Text = ev.Delta
		return []llm.JobEvent{base}, false, nil

	case "response.completed":
		base.Kind = llm.EventCompleted
		base.Status = llm.JobCompleted
		if ev.Response != nil {
			base.Snapshot = ev.Response.snapshot()
			base.Usage = base.Snapshot.Usage
		}
		return []llm.JobEvent{base}, true, nil

	case "response.failed", "response.incomplete", "response.cancelled":
		base.Kind = llm.EventFailed
		base.Status = llm.JobFailed
		if ev.Response != nil {
			base.Snapshot = ev.Response.snapshot()
			base.Status = base.Snapshot.Status
			if base.Snapshot.Error != "" {
				base.Err = fmt.Errorf("%s", base.Snapshot.Error)
			}
		}
		if base.Err == nil {
			base.Err = fmt.Errorf("job %s", strings.TrimPrefix(ev.Type, "response."))
		}
		return []llm.JobEvent{base}, true, nil

	case "error":
		base.Kind = llm.EventError
		base.Err = &llm.APIError{Code: ev.Code, Message: ev.Message}
		return []llm.JobEvent{base}, true, nil
	}

	return nil, false, nil
}

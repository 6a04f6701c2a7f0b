// Package gemini runs Gemini deep-research agents through the Interactions API.
package gemini

import (
	"bytes"
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

// DefaultBaseURL is the public Gemini API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Backend implements llm.JobBackend against the Interactions API.
type Backend struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates an Interactions API backend.
func New(config *llm.Config) *Backend {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	return &Backend{config: config, httpClient: config.Client()}
}

// Name implements llm.JobBackend.
func (b *Backend) Name() string { return "gemini" }

type interactionRequest struct {
	Agent       string `json:"agent,omitempty"`
	Model       string `json:"model,omitempty"`
	Input       string `json:"input"`
	Background  bool   `json:"background"`
	Stream      bool   `json:"stream,omitempty"`
	SystemInstr string `json:"system_instruction,omitempty"`
}

type interaction struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Outputs []output        `json:"outputs"`
	Usage   *interactionUse `json:"usage"`
	Error   *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

type output struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations []annotation `json:"annotations"`
}

type annotation struct {
	Source string `json:"source"`
	URL    string `json:"url"`
}

type interactionUse struct {
	TotalInputTokens  int `json:"total_input_tokens"`
	TotalOutputTokens int `json:"total_output_tokens"`
	TotalTokens       int `json:"total_tokens"`
}

// isAgent reports whether the id names a managed agent rather than a model.
func isAgent(id string) bool {
	return strings.Contains(id, "deep-research")
}

func (b *Backend) buildRequest(req *llm.JobRequest, stream bool) interactionRequest {
	body := interactionRequest{
		Input:       req.Input,
		Background:  true,
		Stream:      stream,
		SystemInstr: req.Instructions,
	}
	if isAgent(req.Model) {
		body.Agent = req.Model
	} else {
		body.Model = req.Model
	}
	return body
}

func (b *Backend) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.config.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-goog-api-key", b.config.APIKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, llm.ParseAPIError(resp.StatusCode, data)
	}
	return resp, nil
}

func (b *Backend) fetch(ctx context.Context, method, path string, payload any) (*llm.JobSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout(60*time.Second))
	defer cancel()

	resp, err := b.do(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var in interaction
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		return nil, fmt.Errorf("parsing interaction: %w", err)
	}
	return in.snapshot(), nil
}

// Submit implements llm.JobBackend.
func (b *Backend) Submit(ctx context.Context, req *llm.JobRequest) (*llm.JobSnapshot, error) {
	return b.fetch(ctx, http.MethodPost, "/interactions", b.buildRequest(req, false))
}

// Retrieve implements llm.JobBackend.
func (b *Backend) Retrieve(ctx context.Context, jobID string) (*llm.JobSnapshot, error) {
	return b.fetch(ctx, http.MethodGet, "/interactions/"+url.PathEscape(jobID), nil)
}

// Stream implements llm.JobBackend.
func (b *Backend) Stream(ctx context.Context, req *llm.JobRequest) (<-chan llm.JobEvent, error) {
	resp, err := b.do(ctx, http.MethodPost, "/interactions?alt=sse", b.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	dec := &decoder{}
	return llm.PumpJobEvents(ctx, resp.Body, dec.decode), nil
}

func (in *interaction) snapshot() *llm.JobSnapshot {
	snap := &llm.JobSnapshot{ID: in.ID, Status: mapStatus(in.Status)}

	var text, thoughts strings.Builder
	seen := make(map[string]bool)
	for _, o := range in.Outputs {
		switch o.Type {
		case "text", "":
			text.WriteString(o.Text)
			for _, a := range o.Annotations {
				u := a.URL
				if u == "" {
					u = a.Source
				}
				if u != "" && !seen[u] {
					seen[u] = true
					snap.Citations = append(snap.Citations, u)
				}
			}
		case "thought", "thought_summary":
			if thoughts.Len() > 0 {
				thoughts.WriteString("\n\n")
			}
			thoughts.WriteString(o.Text)
		}
	}
	snap.Content = text.String()
	snap.Reasoning = thoughts.String()

	if in.Usage != nil {
		snap.Usage = &llm.Usage{
			InputTokens:  in.Usage.TotalInputTokens,
			OutputTokens: in.Usage.TotalOutputTokens,
			TotalTokens:  in.Usage.TotalTokens,
		}
	}
	if in.Error != nil {
		snap.Error = in.Error.Message
	}
	return snap
}

func mapStatus(s string) llm.JobStatus {
	switch strings.ToLower(s) {
	case "queued", "pending":
		return llm.JobQueued
	case "in_progress", "running":
		return llm.JobInProgress
	case "completed", "succeeded":
		return llm.JobCompleted
	case "failed", "requires_action":
		return llm.JobFailed
	case "cancelled":
		return llm.JobCancelled
	case "expired":
		return llm.JobExpired
	}
	return llm.JobStatus(s)
}

type streamEvent struct {
	EventType   string       `json:"event_type"`
	EventID     string       `json:"event_id"`
	Interaction *interaction `json:"interaction"`
	Status      string       `json:"status"`
	Delta       *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// decoder remembers the interaction id announced by interaction.start and
// numbers events in arrival order, since event ids are opaque strings.
type decoder struct {
	jobID string
	seq   int64
}

func (d *decoder) decode(raw sse.Event) ([]llm.JobEvent, bool, error) {
	var ev streamEvent
	if err := json.Unmarshal(raw.Data, &ev); err != nil {
		return nil, false, fmt.Errorf("parsing stream event: %w", err)
	}
	if ev.EventType == "" {
		ev.EventType = raw.Type
	}
	if ev.Interaction != nil && ev.Interaction.ID != "" {
		d.jobID = ev.Interaction.ID
	}
	d.seq++

	base := llm.JobEvent{JobID: d.jobID, Seq: d.seq}

	switch ev.EventType {
	case "interaction.start":
		base.Kind = llm.EventCreated
		base.Status = llm.JobInProgress
		if ev.Interaction != nil && ev.Interaction.Status != "" {
			base.Status = mapStatus(ev.Interaction.Status)
		}
		return []llm.JobEvent{base}, false, nil

	case "interaction.status_update":
		base.Kind = llm.EventStatus
		base.Status = mapStatus(ev.Status)
		return []llm.JobEvent{base}, false, nil

	case "content.delta":
		if ev.Delta == nil {
			return nil, false, nil
		}
		base.Text = ev.Delta.Text
		base.Kind = llm.EventDelta
		if ev.Delta.Type == "thought" || ev.Delta.Type == "thought_summary" {
			base.Kind = llm.EventReasoning
		}
		return []llm.JobEvent{base}, false, nil

	case "interaction.complete":
		base.Kind = llm.EventCompleted
		base.Status = llm.JobCompleted
		if ev.Interaction != nil {
			base.Snapshot = ev.Interaction.snapshot()
			base.Usage = base.Snapshot.Usage
			if base.Snapshot.Status.Terminal() && base.Snapshot.Status != llm.JobCompleted {
				base.Kind = llm.EventFailed
				base.Status = base.Snapshot.Status
				base.Err = fmt.Errorf("interaction %s: %s", base.Status, base.Snapshot.Error)
			}
		}
		return []llm.JobEvent{base}, true, nil

	case "error":
		base.Kind = llm.EventError
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		base.Err = &llm.APIError{Message: msg}
		return []llm.JobEvent{base}, true, nil
	}

	return nil, false, nil
}

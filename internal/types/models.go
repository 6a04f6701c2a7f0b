package types

import (
	"fmt"
	"time"

	"github.com/user/quorum/pkg/llm"
)

// Provider names a provider family. One credential unlocks every model of
// the family.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderGemini     Provider = "gemini"
	ProviderAnthropic  Provider = "anthropic"
	ProviderXAI        Provider = "xai"
	ProviderPerplexity Provider = "perplexity"
	ProviderOpenRouter Provider = "openrouter"
)

// Tier is a coarse cost class.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Model describes one selectable model. Prices are USD per million tokens.
type Model struct {
	ID           string   `json:"id"`
	Provider     Provider `json:"provider"`
	DisplayName  string   `json:"display_name"`
	DeepResearch bool     `json:"deep_research,omitempty"`
	Tier         Tier     `json:"tier"`
	InputPrice   float64  `json:"input_price"`
	OutputPrice  float64  `json:"output_price"`
}

// Cost returns the USD cost of the given usage under this model's pricing.
func (m Model) Cost(u *llm.Usage) float64 {
	if u == nil {
		return 0
	}
	return float64(u.InputTokens)/1e6*m.InputPrice + float64(u.OutputTokens)/1e6*m.OutputPrice
}

// Name returns the display name, falling back to the id.
func (m Model) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ID
}

// ErrorCategory is a stable classification of a failed query.
type ErrorCategory string

const (
	ErrPermissionDenied ErrorCategory = "permission_denied"
	ErrRateLimited      ErrorCategory = "rate_limited"
	ErrInvalidRequest   ErrorCategory = "invalid_request"
	ErrQuotaExhausted   ErrorCategory = "quota_exhausted"
	ErrNotFound         ErrorCategory = "not_found"
	ErrTimeout          ErrorCategory = "timeout"
	ErrJobFailed        ErrorCategory = "job_failed"
	ErrJobCancelled     ErrorCategory = "job_cancelled"
	ErrJobExpired       ErrorCategory = "job_expired"
	ErrTransport        ErrorCategory = "transport"
	ErrInterrupted      ErrorCategory = "interrupted"
	ErrPending          ErrorCategory = "pending"
	ErrUnknown          ErrorCategory = "unknown"
)

// QueryError is the failure half of a ModelResponse.
type QueryError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// ModelResponse is the outcome of one query against one model. Exactly one
// is produced per attempt; a failed attempt carries Err and whatever partial
// content was received.
type ModelResponse struct {
	Model     Model         `json:"model"`
	Content   string        `json:"content"`
	Reasoning string        `json:"reasoning,omitempty"`
	Citations []string      `json:"citations,omitempty"`
	Usage     *llm.Usage    `json:"usage,omitempty"`
	Duration  time.Duration `json:"duration"`
	JobID     string        `json:"job_id,omitempty"`
	Err       *QueryError   `json:"error,omitempty"`
}

// OK reports whether the query succeeded.
func (r *ModelResponse) OK() bool {
	return r != nil && r.Err == nil
}

// Cost returns the USD cost of the response, zero when usage is unknown.
func (r *ModelResponse) Cost() float64 {
	if r == nil {
		return 0
	}
	return r.Model.Cost(r.Usage)
}

// Checkpoint is the durable record of one in-flight research job.
type Checkpoint struct {
	Path         string     `json:"path,omitempty"`
	JobID        string     `json:"job_id"`
	Model        string     `json:"model"`
	Provider     Provider   `json:"provider"`
	Topic        string     `json:"topic"`
	StartedAt    time.Time  `json:"started_at"`
	LastSequence int64      `json:"last_sequence"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Usage        *llm.Usage `json:"usage,omitempty"`
	Content      string     `json:"content,omitempty"`
}

// Completed reports whether the checkpoint was stamped complete.
func (c *Checkpoint) Completed() bool {
	return c.CompletedAt != nil
}

// CheckpointMeta is what a caller knows when opening a checkpoint.
type CheckpointMeta struct {
	Model    string
	Provider Provider
	Topic    string
}

// CompleteOptions controls how a checkpoint is finalized.
type CompleteOptions struct {
	// Delete removes the checkpoint. Only set once the job is confirmed completed.
	Delete bool
	Usage  *llm.Usage
}

// ConsensusResult is the merged outcome of a multi-model run.
type ConsensusResult struct {
	RunID          RunID            `json:"run_id"`
	Question       string           `json:"question"`
	Responses      []*ModelResponse `json:"responses"`
	Synthesis      string           `json:"synthesis"`
	Agreements     []string         `json:"agreements,omitempty"`
	Disagreements  []string         `json:"disagreements,omitempty"`
	Confidence     float64          `json:"confidence"`
	SynthesisModel string           `json:"synthesis_model,omitempty"`
	TotalCost      float64          `json:"total_cost"`
	TotalDuration  time.Duration    `json:"total_duration"`
}

// Succeeded returns the responses without errors, in dispatch order.
func (r *ConsensusResult) Succeeded() []*ModelResponse {
	var out []*ModelResponse
	for _, resp := range r.Responses {
		if resp.OK() {
			out = append(out, resp)
		}
	}
	return out
}

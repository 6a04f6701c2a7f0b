package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/types"
)

// Kind selects what a request asks for.
type Kind string

const (
	KindAsk       Kind = "ask"
	KindResearch  Kind = "research"
	KindCompare   Kind = "compare"
	KindConsensus Kind = "consensus"
	KindRecover   Kind = "recover"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindAsk, KindResearch, KindCompare, KindConsensus, KindRecover:
		return k, nil
	case "":
		return KindAsk, nil
	}
	return "", fmt.Errorf("unknown request kind %q", s)
}

// Status represents the lifecycle state of a Request.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Request is one unit of inbound work: a bot message, an API call or a
// scheduled task firing.
type Request struct {
	ID     types.RequestID
	Lane   types.LaneKey
	Source string
	Kind   Kind
	Text   string
	Level  models.Level
	// Models overrides level selection; compare requires it.
	Models []string

	Status    Status
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
	Err       error

	// Reply receives the formatted result, or an apology on failure.
	Reply func(text string)
}

// NewRequest creates a queued request.
func NewRequest(lane types.LaneKey, source string, kind Kind, text string) *Request {
	return &Request{
		ID:        types.NewRequestID(),
		Lane:      lane,
		Source:    source,
		Kind:      kind,
		Text:      text,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}
}

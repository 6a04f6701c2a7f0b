package types

import (
	"strings"

	"github.com/google/uuid"
)

// RunID identifies one consensus run or fan-out.
type RunID string

// RequestID identifies an inbound request (bot message, API call, task run).
type RequestID string

// LaneKey routes inbound work onto a serial queue lane, e.g. "telegram:123".
type LaneKey string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func NewLaneKey(parts ...string) LaneKey {
	return LaneKey(strings.Join(parts, ":"))
}

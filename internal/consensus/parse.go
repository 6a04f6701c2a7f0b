package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type synthesisReply struct {
	Synthesis     string   `json:"synthesis"`
	Agreements    []string `json:"agreements"`
	Disagreements []string `json:"disagreements"`
	Confidence    float64  `json:"confidence"`
}

var errEmptySynthesis = errors.New("synthesis is empty")

// parseReply extracts the JSON reply, tolerating markdown fences and
// surrounding prose.
func parseReply(text string) (*synthesisReply, error) {
	body := stripFence(strings.TrimSpace(text))
	if i, j := strings.Index(body, "{"), strings.LastIndex(body, "}"); i >= 0 && j > i {
		body = body[i : j+1]
	}

	var reply synthesisReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return nil, fmt.Errorf("parse synthesis reply: %w", err)
	}
	if strings.TrimSpace(reply.Synthesis) == "" {
		return nil, errEmptySynthesis
	}
	return &reply, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// normalizeConfidence maps a 0-100 score onto [0,1].
func normalizeConfidence(score float64) float64 {
	c := score / 100
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

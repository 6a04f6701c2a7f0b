package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// APIError is a non-2xx response from a provider API.
type APIError struct {
	StatusCode int
	Code       string
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "API error (status %d)", e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// errorEnvelope covers the OpenAI and Google error body shapes.
type errorEnvelope struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
		Status  string          `json:"status"`
	} `json:"error"`
}

// ParseAPIError builds an APIError from a response status and body.
func ParseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if len(apiErr.Message) > 500 {
			apiErr.Message = apiErr.Message[:500]
		}
		return apiErr
	}

	apiErr.Message = env.Error.Message
	apiErr.Type = env.Error.Type
	apiErr.Code = env.Error.Status
	if len(env.Error.Code) > 0 {
		var s string
		if json.Unmarshal(env.Error.Code, &s) == nil {
			apiErr.Code = s
		} else if n, err := strconv.Atoi(string(env.Error.Code)); err == nil && apiErr.Code == "" {
			apiErr.Code = strconv.Itoa(n)
		}
	}
	return apiErr
}

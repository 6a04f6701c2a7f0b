package research

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/user/quorum/internal/poll"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

// ErrSetupTimeout is returned when a stream produces no event in time.
var ErrSetupTimeout = errors.New("stream setup timeout")

// ErrNoJobID is returned when a stream ends before announcing a job id,
// leaving nothing to recover.
var ErrNoJobID = errors.New("stream ended before a job id was received")

// Categorize maps an error onto a stable category. It returns nil for nil.
func Categorize(err error) *types.QueryError {
	if err == nil {
		return nil
	}
	return &types.QueryError{Category: category(err), Message: err.Error()}
}

func category(err error) types.ErrorCategory {
	switch {
	case errors.Is(err, poll.ErrInterrupted), errors.Is(err, context.Canceled):
		return types.ErrInterrupted
	case errors.Is(err, poll.ErrTimeout), errors.Is(err, ErrSetupTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.ErrTimeout
	case errors.Is(err, ErrNoJobID):
		return types.ErrTransport
	}

	var pending *pendingError
	if errors.As(err, &pending) {
		return types.ErrPending
	}

	var jobErr *poll.JobError
	if errors.As(err, &jobErr) {
		switch jobErr.Status {
		case llm.JobCancelled:
			return types.ErrJobCancelled
		case llm.JobExpired:
			return types.ErrJobExpired
		}
		return types.ErrJobFailed
	}

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return apiCategory(apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return types.ErrTransport
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "read stream"):
		return types.ErrTransport
	case strings.Contains(msg, "rate limit"):
		return types.ErrRateLimited
	}
	return types.ErrUnknown
}

func apiCategory(e *llm.APIError) types.ErrorCategory {
	text := strings.ToLower(e.Code + " " + e.Type + " " + e.Message)
	quota := strings.Contains(text, "quota") || strings.Contains(text, "billing") ||
		strings.Contains(text, "insufficient") || strings.Contains(text, "credit")

	switch {
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden,
		strings.Contains(text, "permission_denied"), strings.Contains(text, "unauthenticated"):
		return types.ErrPermissionDenied
	case e.StatusCode == http.StatusPaymentRequired:
		return types.ErrQuotaExhausted
	case e.StatusCode == http.StatusTooManyRequests, strings.Contains(text, "resource_exhausted"),
		strings.Contains(text, "rate_limit"):
		if quota {
			return types.ErrQuotaExhausted
		}
		return types.ErrRateLimited
	case e.StatusCode == http.StatusNotFound:
		return types.ErrNotFound
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusUnprocessableEntity,
		strings.Contains(text, "invalid_argument"), strings.Contains(text, "invalid_request"):
		return types.ErrInvalidRequest
	case e.StatusCode >= 500:
		return types.ErrTransport
	}
	return types.ErrUnknown
}

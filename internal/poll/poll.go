// Package poll waits for background research jobs to reach a terminal state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/quorum/pkg/llm"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 360
)

var (
	// ErrTimeout is returned when the attempt budget runs out first.
	ErrTimeout = errors.New("poll timeout")
	// ErrInterrupted is returned when the caller's context ends. The job
	// itself keeps running on the provider.
	ErrInterrupted = errors.New("poll interrupted")
)

// Status is the outcome of a poll.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusExpired     Status = "expired"
	StatusTimeout     Status = "timeout"
	StatusInterrupted Status = "interrupted"
)

// JobError reports a job that ended in failed, cancelled or expired.
type JobError struct {
	JobID   string
	Status  llm.JobStatus
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s %s", e.JobID, e.Status)
	}
	return fmt.Sprintf("job %s %s: %s", e.JobID, e.Status, e.Message)
}

// Retriever fetches the current state of a job.
type Retriever func(ctx context.Context, jobID string) (*llm.JobSnapshot, error)

// Progress is reported after every retrieval attempt.
type Progress struct {
	JobID       string
	Status      llm.JobStatus
	Attempt     int
	MaxAttempts int
	Elapsed     time.Duration
	// Err is set when the retrieval itself failed; polling continues.
	Err error
}

// Options controls a poll.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	OnProgress  func(Progress)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Result is the outcome of Poll. Snapshot holds the last successful
// retrieval, which may carry partial output even when Err is set.
type Result struct {
	Status   Status
	Snapshot *llm.JobSnapshot
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Poll retrieves jobID until it reaches a terminal state, the attempt budget
// is spent, or ctx ends. Retrieval errors are treated as transient. The wait
// is bounded by MaxAttempts*Interval plus request latency.
func Poll(ctx context.Context, jobID string, retrieve Retriever, opts Options) Result {
	opts = opts.withDefaults()
	start := time.Now()

	var last *llm.JobSnapshot
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return interrupted(last, attempt-1, start)
		}

		snap, err := retrieve(ctx, jobID)
		progress := Progress{
			JobID:       jobID,
			Attempt:     attempt,
			MaxAttempts: opts.MaxAttempts,
			Elapsed:     time.Since(start),
			Err:         err,
		}

		if err == nil && snap != nil {
			last = snap
			progress.Status = snap.Status

			switch snap.Status {
			case llm.JobCompleted:
				return Result{Status: StatusCompleted, Snapshot: snap, Attempts: attempt, Elapsed: time.Since(start)}
			case llm.JobFailed, llm.JobCancelled, llm.JobExpired:
				return Result{
					Status:   Status(snap.Status),
					Snapshot: snap,
					Attempts: attempt,
					Elapsed:  time.Since(start),
					Err:      &JobError{JobID: jobID, Status: snap.Status, Message: snap.Error},
				}
			}
		}

		if opts.OnProgress != nil {
			opts.OnProgress(progress)
		}

		if !sleep(ctx, opts.Interval) {
			return interrupted(last, attempt, start)
		}
	}

	return Result{
		Status:   StatusTimeout,
		Snapshot: last,
		Attempts: opts.MaxAttempts,
		Elapsed:  time.Since(start),
		Err: fmt.Errorf("%w: job %s not finished after %d attempts (%s)",
			ErrTimeout, jobID, opts.MaxAttempts, time.Duration(opts.MaxAttempts)*opts.Interval),
	}
}

func interrupted(last *llm.JobSnapshot, attempts int, start time.Time) Result {
	return Result{
		Status:   StatusInterrupted,
		Snapshot: last,
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Err:      ErrInterrupted,
	}
}

// sleep waits for d or until ctx ends, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

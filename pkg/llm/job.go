package llm

import "context"

// JobStatus is the provider-side lifecycle state of a background job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobExpired    JobStatus = "expired"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobExpired:
		return true
	}
	return false
}

// JobRequest describes a background research job.
type JobRequest struct {
	Model        string
	Input        string
	Instructions string
	WebSearch    bool
}

// JobSnapshot is the state of a job as returned by a retrieval call.
type JobSnapshot struct {
	ID        string    `json:"id"`
	Status    JobStatus `json:"status"`
	Content   string    `json:"content"`
	Reasoning string    `json:"reasoning,omitempty"`
	Citations []string  `json:"citations,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EventKind classifies a streamed job event.
type EventKind int

const (
	// EventCreated carries the job id.
	EventCreated EventKind = iota
	// EventStatus reports a status change without output.
	EventStatus
	// EventDelta carries a chunk of output text.
	EventDelta
	// EventReasoning carries a chunk of reasoning summary.
	EventReasoning
	// EventCompleted ends a successful job; Snapshot may hold the final state.
	EventCompleted
	// EventFailed ends a job that failed, was cancelled or expired.
	EventFailed
	// EventError reports a broken stream. The job may still be running.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventStatus:
		return "status"
	case EventDelta:
		return "delta"
	case EventReasoning:
		return "reasoning"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventError:
		return "error"
	}
	return "unknown"
}

// JobEvent is one typed event decoded from a job stream.
type JobEvent struct {
	Kind     EventKind
	JobID    string
	Seq      int64
	Status   JobStatus
	Text     string
	Usage    *Usage
	Snapshot *JobSnapshot
	Err      error
}

// JobBackend is a provider API that runs long research jobs in the
// background and lets clients retrieve them by id.
type JobBackend interface {
	// Name identifies the provider family.
	Name() string

	// Submit creates a background job without streaming.
	Submit(ctx context.Context, req *JobRequest) (*JobSnapshot, error)

	// Stream creates a background job and streams its events. The returned
	// channel is closed when the stream ends, whether or not the job finished.
	Stream(ctx context.Context, req *JobRequest) (<-chan JobEvent, error)

	// Retrieve fetches the current state of a job.
	Retrieve(ctx context.Context, jobID string) (*JobSnapshot, error)
}

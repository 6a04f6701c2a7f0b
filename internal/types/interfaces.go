package types

import (
	"context"
	"time"
)

// CheckpointHandle refers to one open checkpoint. Each job owns its handle.
type CheckpointHandle interface {
	JobID() string
}

// CheckpointStore persists partial output of in-flight research jobs.
type CheckpointStore interface {
	Open(ctx context.Context, jobID string, meta CheckpointMeta) (CheckpointHandle, error)
	Append(ctx context.Context, h CheckpointHandle, text string) error
	SetSequence(ctx context.Context, h CheckpointHandle, seq int64) error
	Complete(ctx context.Context, h CheckpointHandle, opts CompleteOptions) error
	// Close releases h without finalizing it, so the checkpoint stays
	// pending for recovery.
	Close(ctx context.Context, h CheckpointHandle) error
	List(ctx context.Context, includeCompleted bool) ([]*Checkpoint, error)
	FindByJobID(ctx context.Context, jobID string) (*Checkpoint, error)
	Delete(ctx context.Context, jobID string) error
	PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int, error)
}

package research

import (
	"context"
	"fmt"
	"time"

	"github.com/user/quorum/internal/poll"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

// RecoverOptions controls Recover.
type RecoverOptions struct {
	// Wait polls until the job finishes instead of checking once.
	Wait       bool
	OnProgress func(poll.Progress)
	// Persist is called with a completed response before the checkpoint is
	// deleted. An error keeps the checkpoint.
	Persist func(*types.ModelResponse) error
}

// Recover fetches a job directly from the provider. partial is output
// already held locally; the returned content is never shorter than it.
// The checkpoint for jobID is deleted only once the job is completed and
// Persist, if set, has succeeded.
func (c *Client) Recover(ctx context.Context, jobID, partial string, model types.Model, opts RecoverOptions) *types.ModelResponse {
	start := time.Now()
	r := &run{
		c:        c,
		ctx:      ctx,
		storeCtx: context.WithoutCancel(ctx),
		model:    model,
		jobID:    jobID,
	}
	r.content.WriteString(partial)

	err := r.recover(opts)
	resp := r.response(err)
	resp.Duration = time.Since(start)

	if err == nil && c.store != nil {
		if opts.Persist != nil {
			if perr := opts.Persist(resp); perr != nil {
				c.logger.Warn("persist recovered result failed; keeping checkpoint", "job_id", jobID, "error", perr)
				return resp
			}
		}
		if derr := c.store.Delete(r.storeCtx, jobID); derr != nil {
			c.logger.Warn("delete recovered checkpoint failed", "job_id", jobID, "error", derr)
		}
	}
	return resp
}

func (r *run) recover(opts RecoverOptions) error {
	if opts.Wait {
		res := poll.Poll(r.ctx, r.jobID, r.c.backend.Retrieve, r.c.pollOptions(opts.OnProgress))
		if res.Snapshot != nil {
			r.merge(res.Snapshot)
		}
		if res.Status == poll.StatusCompleted {
			return r.complete(nil, nil)
		}
		return res.Err
	}

	snap, err := r.c.backend.Retrieve(r.ctx, r.jobID)
	if err != nil {
		return fmt.Errorf("retrieve job %s: %w", r.jobID, err)
	}
	r.merge(snap)

	switch {
	case snap.Status == llm.JobCompleted:
		return r.complete(nil, nil)
	case snap.Status.Terminal():
		return &poll.JobError{JobID: r.jobID, Status: snap.Status, Message: snap.Error}
	}
	return &pendingError{jobID: r.jobID, status: string(snap.Status)}
}

// pendingError reports a job that is still running.
type pendingError struct {
	jobID  string
	status string
}

func (e *pendingError) Error() string {
	return fmt.Sprintf("job %s is still %s", e.jobID, e.status)
}

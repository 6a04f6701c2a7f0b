// Package research drives long-running deep-research jobs to completion,
// checkpointing streamed output and recovering dropped streams by polling.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/quorum/internal/metrics"
	"github.com/user/quorum/internal/poll"
	"github.com/user/quorum/internal/tokens"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

// DefaultSetupTimeout bounds the wait for the first stream event.
const DefaultSetupTimeout = 60 * time.Second

// Config holds per-client settings.
type Config struct {
	Provider        types.Provider
	PollInterval    time.Duration
	PollMaxAttempts int
	SetupTimeout    time.Duration
	// Instructions is sent as the system instruction of every job.
	Instructions string
	WebSearch    bool
	SubmitRetry  *poll.RetryPolicy
	// Counter estimates usage when the provider reports none.
	Counter tokens.Counter
	Logger  *slog.Logger
}

// Options controls a single query.
type Options struct {
	// Stream consumes the job's event stream; otherwise the job is polled.
	Stream bool
	// OnToken receives output text in order, exactly once per byte.
	OnToken func(string)
	// OnProgress receives poll progress during non-streaming waits and
	// stream recovery.
	OnProgress func(poll.Progress)
	// Context is prepended to the topic as background material.
	Context string
}

// Client runs research queries against one provider's job backend.
type Client struct {
	backend llm.JobBackend
	store   types.CheckpointStore
	cfg     Config
	logger  *slog.Logger
}

// New creates a Client. store may be nil, in which case nothing is checkpointed.
func New(backend llm.JobBackend, store types.CheckpointStore, cfg Config) *Client {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.SubmitRetry == nil {
		cfg.SubmitRetry = poll.DefaultRetryPolicy()
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.Approx{}
	}
	if cfg.Provider == "" {
		cfg.Provider = types.Provider(backend.Name())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		store:   store,
		cfg:     cfg,
		logger:  logger.With("provider", string(cfg.Provider)),
	}
}

// Provider returns the provider family this client serves.
func (c *Client) Provider() types.Provider {
	return c.cfg.Provider
}

func (c *Client) pollOptions(onProgress func(poll.Progress)) poll.Options {
	return poll.Options{
		Interval:    c.cfg.PollInterval,
		MaxAttempts: c.cfg.PollMaxAttempts,
		OnProgress:  onProgress,
	}
}

func buildInput(topic, background string) string {
	if background == "" {
		return topic
	}
	return "Background material:\n\n" + background + "\n\n---\n\nResearch question:\n\n" + topic
}

// run is the state of one query. It is owned by a single goroutine.
type run struct {
	c        *Client
	ctx      context.Context
	storeCtx context.Context
	model    types.Model
	topic    string
	input    string
	opts     Options

	jobID     string
	handle    types.CheckpointHandle
	pending   strings.Builder
	content   strings.Builder
	reasoning strings.Builder
	citations []string
	usage     *llm.Usage
	lastSeq   int64
}

// Query runs topic against model and always returns a response. Failures
// are reported in the response's Err with whatever output was received.
// On success the checkpoint is deleted; on any other outcome it is kept.
func (c *Client) Query(ctx context.Context, topic string, model types.Model, opts Options) *types.ModelResponse {
	start := time.Now()
	r := &run{
		c:        c,
		ctx:      ctx,
		storeCtx: context.WithoutCancel(ctx),
		model:    model,
		topic:    topic,
		input:    buildInput(topic, opts.Context),
		opts:     opts,
	}

	var err error
	if opts.Stream {
		err = r.stream()
	} else {
		err = r.submitAndPoll()
	}

	r.releaseCheckpoint()

	resp := r.response(err)
	resp.Duration = time.Since(start)
	if err != nil {
		c.logger.Warn("research query failed",
			"model", model.ID, "job_id", r.jobID, "category", resp.Err.Category, "error", err)
	}
	return resp
}

func (r *run) request() *llm.JobRequest {
	return &llm.JobRequest{
		Model:        r.model.ID,
		Input:        r.input,
		Instructions: r.c.cfg.Instructions,
		WebSearch:    r.c.cfg.WebSearch,
	}
}

// stream consumes the event stream, falling back to polling if it ends
// before the job does.
func (r *run) stream() error {
	streamCtx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	// The setup window covers connecting, response headers and the first
	// event. Stream runs aside so a provider that never answers is bounded.
	setup := time.NewTimer(r.c.cfg.SetupTimeout)
	defer setup.Stop()

	type started struct {
		events <-chan llm.JobEvent
		err    error
	}
	startc := make(chan started, 1)
	go func() {
		var events <-chan llm.JobEvent
		err := r.c.cfg.SubmitRetry.Execute(streamCtx, func(ctx context.Context) error {
			var err error
			events, err = r.c.backend.Stream(ctx, r.request())
			return err
		})
		startc <- started{events: events, err: err}
	}()

	var events <-chan llm.JobEvent
	select {
	case s := <-startc:
		if s.err != nil {
			return fmt.Errorf("start stream: %w", s.err)
		}
		events = s.events
	case <-setup.C:
		cancel()
		r.c.logger.Warn("stream setup timed out before the provider answered",
			"model", r.model.ID, "timeout", r.c.cfg.SetupTimeout)
		return ErrSetupTimeout
	case <-r.ctx.Done():
		return r.ctx.Err()
	}

	gotEvent := false

	var streamErr error
	var final *llm.JobEvent

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !gotEvent {
				gotEvent = true
				setup.Stop()
			}
			switch ev.Kind {
			case llm.EventCompleted, llm.EventFailed:
				r.observe(ev)
				final = &ev
				break loop
			case llm.EventError:
				r.captureJobID(ev.JobID)
				streamErr = ev.Err
				break loop
			default:
				r.observe(ev)
			}
		case <-setup.C:
			if !gotEvent {
				streamErr = ErrSetupTimeout
				break loop
			}
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
	cancel()

	if final != nil {
		if final.Kind == llm.EventCompleted {
			return r.complete(final.Snapshot, final.Usage)
		}
		return r.fail(final.Status, final.Err, final.Snapshot)
	}

	if r.jobID == "" {
		if streamErr == nil {
			streamErr = ErrNoJobID
		} else if streamErr != ErrSetupTimeout {
			streamErr = fmt.Errorf("%w: %v", ErrNoJobID, streamErr)
		}
		r.c.logger.Warn("stream ended without a job id; output cannot be recovered",
			"model", r.model.ID, "error", streamErr)
		return streamErr
	}

	r.c.logger.Info("stream ended early; polling for the rest",
		"model", r.model.ID, "job_id", r.jobID, "streamed_bytes", r.content.Len(), "error", streamErr)
	metrics.StreamFallback(r.c.cfg.Provider)
	return r.pollUntilDone()
}

// submitAndPoll creates the job without streaming and waits for it.
func (r *run) submitAndPoll() error {
	var snap *llm.JobSnapshot
	err := r.c.cfg.SubmitRetry.Execute(r.ctx, func(ctx context.Context) error {
		var err error
		snap, err = r.c.backend.Submit(ctx, r.request())
		return err
	})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	if snap.ID == "" {
		return fmt.Errorf("submit job: provider returned no job id")
	}
	r.captureJobID(snap.ID)

	switch {
	case snap.Status == llm.JobCompleted:
		r.merge(snap)
		return r.complete(snap, snap.Usage)
	case snap.Status.Terminal():
		return r.fail(snap.Status, nil, snap)
	}
	return r.pollUntilDone()
}

// pollUntilDone polls the captured job and merges the outcome.
func (r *run) pollUntilDone() error {
	res := poll.Poll(r.ctx, r.jobID, r.c.backend.Retrieve, r.c.pollOptions(r.opts.OnProgress))
	if res.Snapshot != nil {
		r.merge(res.Snapshot)
	}

	switch res.Status {
	case poll.StatusCompleted:
		return r.complete(res.Snapshot, res.Snapshot.Usage)
	case poll.StatusFailed, poll.StatusCancelled, poll.StatusExpired:
		r.finishCheckpoint(false)
		return res.Err
	}
	return res.Err
}

// captureJobID records the job id on first sight and opens the checkpoint,
// flushing any output that arrived before the id.
func (r *run) captureJobID(id string) {
	if id == "" || r.jobID != "" {
		return
	}
	r.jobID = id
	if r.c.store == nil {
		return
	}

	h, err := r.c.store.Open(r.storeCtx, id, types.CheckpointMeta{
		Model:    r.model.ID,
		Provider: r.c.cfg.Provider,
		Topic:    r.topic,
	})
	if err != nil {
		r.c.logger.Warn("open checkpoint failed; continuing without one", "job_id", id, "error", err)
		return
	}
	r.handle = h
	r.c.logger.Debug("checkpoint opened", "job_id", id, "model", r.model.ID)

	if r.pending.Len() > 0 {
		r.appendCheckpoint(r.pending.String())
		r.pending.Reset()
	}
}

// observe applies one stream event.
func (r *run) observe(ev llm.JobEvent) {
	r.captureJobID(ev.JobID)

	switch ev.Kind {
	case llm.EventDelta:
		r.emit(ev.Text)
	case llm.EventReasoning:
		r.reasoning.WriteString(ev.Text)
	}

	if ev.Seq > r.lastSeq {
		r.lastSeq = ev.Seq
		if r.handle != nil {
			if err := r.c.store.SetSequence(r.storeCtx, r.handle, ev.Seq); err != nil {
				r.c.logger.Debug("record sequence failed", "job_id", r.jobID, "error", err)
			}
		}
	}
}

// emit forwards output to the caller and the checkpoint in lock-step.
func (r *run) emit(text string) {
	if text == "" {
		return
	}
	r.content.WriteString(text)
	if r.opts.OnToken != nil {
		r.opts.OnToken(text)
	}
	if r.handle != nil {
		r.appendCheckpoint(text)
	} else {
		r.pending.WriteString(text)
	}
}

func (r *run) appendCheckpoint(text string) {
	if err := r.c.store.Append(r.storeCtx, r.handle, text); err != nil {
		r.c.logger.Warn("checkpoint append failed", "job_id", r.jobID, "error", err)
	}
}

// merge folds a retrieved snapshot into the run. Only output beyond what
// was already streamed is emitted, so content never shrinks or repeats.
func (r *run) merge(snap *llm.JobSnapshot) {
	streamed := r.content.String()
	polled := snap.Content
	if len(polled) > len(streamed) {
		if strings.HasPrefix(polled, streamed) {
			r.emit(polled[len(streamed):])
		} else {
			r.c.logger.Debug("retrieved output diverges from stream; keeping retrieved copy",
				"job_id", r.jobID, "streamed_bytes", len(streamed), "retrieved_bytes", len(polled))
			r.content.Reset()
			r.content.WriteString(polled)
		}
	}
	if snap.Reasoning != "" && len(snap.Reasoning) > r.reasoning.Len() {
		r.reasoning.Reset()
		r.reasoning.WriteString(snap.Reasoning)
	}
	if len(snap.Citations) > 0 {
		r.citations = snap.Citations
	}
	if snap.Usage != nil {
		r.usage = snap.Usage
	}
}

func (r *run) complete(snap *llm.JobSnapshot, usage *llm.Usage) error {
	if snap != nil {
		r.merge(snap)
	}
	if usage != nil {
		r.usage = usage
	}
	if r.usage == nil {
		r.usage = tokens.Estimate(r.c.cfg.Counter, r.input, r.content.String())
	}
	r.finishCheckpoint(true)
	return nil
}

func (r *run) fail(status llm.JobStatus, cause error, snap *llm.JobSnapshot) error {
	if snap != nil {
		r.merge(snap)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	} else if snap != nil {
		msg = snap.Error
	}
	if status == "" || !status.Terminal() {
		status = llm.JobFailed
	}
	r.finishCheckpoint(false)
	return &poll.JobError{JobID: r.jobID, Status: status, Message: msg}
}

// finishCheckpoint deletes the checkpoint after success and stamps it
// complete after a terminal failure. Stamped checkpoints are left out of
// recovery sweeps until purged.
func (r *run) finishCheckpoint(success bool) {
	if r.handle == nil {
		return
	}
	opts := types.CompleteOptions{Delete: success, Usage: r.usage}
	if err := r.c.store.Complete(r.storeCtx, r.handle, opts); err != nil {
		r.c.logger.Warn("finalize checkpoint failed", "job_id", r.jobID, "error", err)
	}
	r.handle = nil
}

// releaseCheckpoint closes a checkpoint that is still open after a timeout,
// interrupt or lost stream. The record stays on disk for recovery.
func (r *run) releaseCheckpoint() {
	if r.handle == nil {
		return
	}
	if err := r.c.store.Close(r.storeCtx, r.handle); err != nil {
		r.c.logger.Debug("release checkpoint failed", "job_id", r.jobID, "error", err)
	}
	r.handle = nil
}

func (r *run) response(err error) *types.ModelResponse {
	resp := &types.ModelResponse{
		Model:     r.model,
		Content:   r.content.String(),
		Reasoning: r.reasoning.String(),
		Citations: r.citations,
		Usage:     r.usage,
		JobID:     r.jobID,
		Err:       Categorize(err),
	}
	return resp
}

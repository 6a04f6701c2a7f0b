// Package orchestrator resolves models for a question, routes each query to
// the deep-research or single-shot path, and fans questions out across
// models.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/user/quorum/internal/metrics"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/poll"
	"github.com/user/quorum/internal/research"
	"github.com/user/quorum/internal/tokens"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

// Configuration errors. They are returned before any network call.
var (
	ErrNoModelAvailable    = models.ErrNoModelAvailable
	ErrUnknownModel        = models.ErrUnknownModel
	ErrProviderUnavailable = models.ErrProviderUnavailable
)

// DefaultMaxParallel bounds concurrent queries in a fan-out.
const DefaultMaxParallel = 8

// Researcher drives deep-research jobs for one provider family.
type Researcher interface {
	Query(ctx context.Context, topic string, model types.Model, opts research.Options) *types.ModelResponse
	Recover(ctx context.Context, jobID, partial string, model types.Model, opts research.RecoverOptions) *types.ModelResponse
}

// ResultSink persists responses recovered outside an interactive call.
type ResultSink interface {
	Put(ctx context.Context, topic string, resp *types.ModelResponse) error
}

// ContextFetcher turns URLs into a background context block.
type ContextFetcher interface {
	FetchAll(ctx context.Context, urls []string) string
}

// Config wires an Orchestrator. Every provider map is keyed by family; a
// missing entry means that family is not configured.
type Config struct {
	Registry    *models.Registry
	Research    map[types.Provider]Researcher
	Chat        map[types.Provider]llm.Provider
	Checkpoints types.CheckpointStore
	Results     ResultSink
	Sources     ContextFetcher
	MaxParallel int
	// System is sent as the system message on the single-shot path.
	System string
	Logger *slog.Logger
}

// Options controls one call.
type Options struct {
	// Model overrides level-based selection.
	Model  string
	Stream bool
	// OnToken receives streamed output. Fan-out calls ignore it.
	OnToken func(string)
	// OnProgress may be called concurrently during fan-outs.
	OnProgress  func(poll.Progress)
	ContextURLs []string
	// Context is background text prepended to the question.
	Context   string
	MaxTokens int
}

// Orchestrator is the entry point for every query.
type Orchestrator struct {
	registry    *models.Registry
	research    map[types.Provider]Researcher
	chat        map[types.Provider]llm.Provider
	checkpoints types.CheckpointStore
	results     ResultSink
	sources     ContextFetcher
	maxParallel int
	system      string
	logger      *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Registry == nil {
		cfg.Registry = models.NewRegistry()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:    cfg.Registry,
		research:    cfg.Research,
		chat:        cfg.Chat,
		checkpoints: cfg.Checkpoints,
		results:     cfg.Results,
		sources:     cfg.Sources,
		maxParallel: cfg.MaxParallel,
		system:      cfg.System,
		logger:      logger,
	}
}

// Registry returns the model registry.
func (o *Orchestrator) Registry() *models.Registry {
	return o.registry
}

// Resolve returns a model usable by this orchestrator.
func (o *Orchestrator) Resolve(id string) (types.Model, error) {
	m, err := o.registry.Resolve(id)
	if err != nil {
		return m, err
	}
	if err := o.routable(m); err != nil {
		return m, err
	}
	return m, nil
}

func (o *Orchestrator) routable(m types.Model) error {
	if m.DeepResearch {
		if o.research[m.Provider] == nil {
			return fmt.Errorf("%w: no research client for %s", ErrProviderUnavailable, m.Provider)
		}
		return nil
	}
	if o.chat[m.Provider] == nil {
		return fmt.Errorf("%w: no chat client for %s", ErrProviderUnavailable, m.Provider)
	}
	return nil
}

// ModelsForLevel returns every routable model of a level's default list.
func (o *Orchestrator) ModelsForLevel(level models.Level) []types.Model {
	var out []types.Model
	for _, m := range o.registry.ForLevel(level) {
		if o.routable(m) == nil {
			out = append(out, m)
		}
	}
	return out
}

// Cheapest returns the cheapest routable non-deep-research model.
func (o *Orchestrator) Cheapest() (types.Model, bool) {
	if m, ok := o.registry.Cheapest(); ok && o.routable(m) == nil {
		return m, true
	}
	var best types.Model
	found := false
	for _, m := range o.registry.All() {
		if m.DeepResearch || !o.registry.Available(m.Provider) || o.routable(m) != nil {
			continue
		}
		if !found || m.InputPrice+m.OutputPrice < best.InputPrice+best.OutputPrice {
			best, found = m, true
		}
	}
	return best, found
}

func (o *Orchestrator) selectModel(level models.Level, override string) (types.Model, error) {
	if override != "" {
		return o.Resolve(override)
	}
	ms := o.ModelsForLevel(level)
	if len(ms) == 0 {
		return types.Model{}, fmt.Errorf("%w for level %s", ErrNoModelAvailable, level)
	}
	return ms[0], nil
}

// Ask answers question with the first available model of level.
func (o *Orchestrator) Ask(ctx context.Context, question string, level models.Level, opts Options) (*types.ModelResponse, error) {
	m, err := o.selectModel(level, opts.Model)
	if err != nil {
		return nil, err
	}
	return o.Query(ctx, m, question, opts), nil
}

// Research runs a deep-research query on the first available deep model.
func (o *Orchestrator) Research(ctx context.Context, topic string, opts Options) (*types.ModelResponse, error) {
	return o.Ask(ctx, topic, models.LevelDeep, opts)
}

// Compare asks every model concurrently. The result has one response per
// id in input order; individual failures are recorded, never returned.
func (o *Orchestrator) Compare(ctx context.Context, question string, modelIDs []string, opts Options) ([]*types.ModelResponse, error) {
	if len(modelIDs) == 0 {
		return nil, fmt.Errorf("%w: no models given", ErrNoModelAvailable)
	}
	ms := make([]types.Model, len(modelIDs))
	for i, id := range modelIDs {
		m, err := o.Resolve(id)
		if err != nil {
			return nil, err
		}
		ms[i] = m
	}
	return o.FanOut(ctx, ms, question, opts, nil), nil
}

// FanOut queries every model concurrently, bounded by MaxParallel, and
// calls onDone as each finishes. It never fails early.
func (o *Orchestrator) FanOut(ctx context.Context, ms []types.Model, question string, opts Options, onDone func(*types.ModelResponse)) []*types.ModelResponse {
	opts.OnToken = nil
	opts = o.withContext(ctx, opts)

	out := make([]*types.ModelResponse, len(ms))
	sem := semaphore.NewWeighted(int64(o.maxParallel))
	var g errgroup.Group
	for i, m := range ms {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				out[i] = &types.ModelResponse{Model: m, Err: research.Categorize(err)}
				return nil
			}
			defer sem.Release(1)

			out[i] = o.Query(ctx, m, question, opts)
			if onDone != nil {
				onDone(out[i])
			}
			return nil
		})
	}
	g.Wait()
	return out
}

// withContext fetches ContextURLs once and folds them into Context.
func (o *Orchestrator) withContext(ctx context.Context, opts Options) Options {
	if len(opts.ContextURLs) == 0 || o.sources == nil {
		return opts
	}
	fetched := o.sources.FetchAll(ctx, opts.ContextURLs)
	opts.ContextURLs = nil
	if fetched == "" {
		return opts
	}
	if opts.Context != "" {
		opts.Context += "\n\n" + fetched
	} else {
		opts.Context = fetched
	}
	return opts
}

// Query runs question against one resolved model. It always returns a
// response; failures are carried in its Err.
func (o *Orchestrator) Query(ctx context.Context, m types.Model, question string, opts Options) *types.ModelResponse {
	opts = o.withContext(ctx, opts)

	var resp *types.ModelResponse
	if m.DeepResearch {
		resp = o.queryResearch(ctx, m, question, opts)
	} else {
		resp = o.queryChat(ctx, m, question, opts)
	}
	metrics.ObserveResponse(resp)
	return resp
}

func (o *Orchestrator) queryResearch(ctx context.Context, m types.Model, question string, opts Options) *types.ModelResponse {
	rc := o.research[m.Provider]
	if rc == nil {
		return &types.ModelResponse{Model: m, Err: &types.QueryError{
			Category: types.ErrInvalidRequest,
			Message:  fmt.Sprintf("no research client for provider %s", m.Provider),
		}}
	}
	return rc.Query(ctx, question, m, research.Options{
		Stream:     opts.Stream,
		OnToken:    opts.OnToken,
		OnProgress: opts.OnProgress,
		Context:    opts.Context,
	})
}

func (o *Orchestrator) queryChat(ctx context.Context, m types.Model, question string, opts Options) *types.ModelResponse {
	start := time.Now()
	resp := &types.ModelResponse{Model: m}

	p := o.chat[m.Provider]
	if p == nil {
		resp.Err = &types.QueryError{
			Category: types.ErrInvalidRequest,
			Message:  fmt.Sprintf("no chat client for provider %s", m.Provider),
		}
		return resp
	}

	req := &llm.Request{Model: m.ID, MaxTokens: opts.MaxTokens}
	if o.system != "" {
		req.Messages = append(req.Messages, llm.Message{Role: "system", Content: o.system})
	}
	prompt := question
	if opts.Context != "" {
		prompt = "Background material:\n\n" + opts.Context + "\n\n---\n\n" + question
	}
	req.Messages = append(req.Messages, llm.Message{Role: "user", Content: prompt})

	var usage *llm.Usage
	var err error
	if opts.Stream {
		usage, err = o.streamChat(ctx, p, req, resp, opts.OnToken)
	} else {
		var out *llm.Response
		out, err = p.Complete(ctx, req)
		if err == nil {
			resp.Content = out.Content
			resp.Reasoning = out.Reasoning
			if !out.Usage.IsZero() {
				u := out.Usage
				usage = &u
			}
		}
	}

	resp.Duration = time.Since(start)
	if err != nil {
		resp.Err = research.Categorize(err)
		o.logger.Warn("query failed", "model", m.ID, "category", resp.Err.Category, "error", err)
		return resp
	}
	if usage == nil {
		usage = tokens.Estimate(tokens.Default(m.ID), prompt, resp.Content)
	}
	resp.Usage = usage
	return resp
}

func (o *Orchestrator) streamChat(ctx context.Context, p llm.Provider, req *llm.Request, resp *types.ModelResponse, onToken func(string)) (*llm.Usage, error) {
	ch, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	var usage *llm.Usage
	defer func() { resp.Content = b.String() }()

	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return usage, nil
			}
			if d.Err != nil {
				return usage, d.Err
			}
			if d.Content != "" {
				b.WriteString(d.Content)
				if onToken != nil {
					onToken(d.Content)
				}
			}
			if d.Usage != nil {
				usage = d.Usage
			}
		case <-ctx.Done():
			return usage, ctx.Err()
		}
	}
}

// ErrUnknownJob is returned when a job's provider cannot be determined.
var ErrUnknownJob = errors.New("cannot determine provider for job")

// RetrieveOptions controls RetrieveByJobID.
type RetrieveOptions struct {
	Wait       bool
	OnProgress func(poll.Progress)
	// Provider is used when no checkpoint records one.
	Provider types.Provider
}

// RetrieveByJobID fetches a job from its provider, using the local
// checkpoint for partial output and metadata when one exists. Completed
// output is persisted to the result store before the checkpoint goes.
func (o *Orchestrator) RetrieveByJobID(ctx context.Context, jobID string, opts RetrieveOptions) (*types.ModelResponse, error) {
	var cp *types.Checkpoint
	if o.checkpoints != nil {
		found, err := o.checkpoints.FindByJobID(ctx, jobID)
		if err == nil {
			cp = found
		} else {
			o.logger.Debug("no checkpoint for job", "job_id", jobID, "error", err)
		}
	}
	return o.recover(ctx, jobID, cp, opts)
}

func (o *Orchestrator) recover(ctx context.Context, jobID string, cp *types.Checkpoint, opts RetrieveOptions) (*types.ModelResponse, error) {
	provider := opts.Provider
	modelID := ""
	topic := ""
	partial := ""
	if cp != nil {
		if cp.Provider != "" {
			provider = cp.Provider
		}
		modelID, topic, partial = cp.Model, cp.Topic, cp.Content
	}
	if provider == "" {
		provider = inferProvider(jobID)
	}
	if provider == "" {
		return nil, fmt.Errorf("%w %s", ErrUnknownJob, jobID)
	}

	rc := o.research[provider]
	if rc == nil {
		return nil, fmt.Errorf("%w: no research client for %s", ErrProviderUnavailable, provider)
	}

	m, err := o.registry.Lookup(modelID)
	if err != nil {
		m = types.Model{ID: modelID, Provider: provider, DeepResearch: true}
	}

	resp := rc.Recover(ctx, jobID, partial, m, research.RecoverOptions{
		Wait:       opts.Wait,
		OnProgress: opts.OnProgress,
		Persist: func(r *types.ModelResponse) error {
			if o.results == nil {
				return nil
			}
			return o.results.Put(ctx, topic, r)
		},
	})
	if resp.OK() {
		metrics.CheckpointEvent("recovered", 1)
	}
	return resp, nil
}

// inferProvider guesses a provider family from a job id's shape.
func inferProvider(jobID string) types.Provider {
	switch {
	case strings.HasPrefix(jobID, "resp_"):
		return types.ProviderOpenAI
	case strings.HasPrefix(jobID, "v1_"), strings.HasPrefix(jobID, "interactions/"):
		return types.ProviderGemini
	}
	return ""
}

// ListCheckpoints lists local checkpoints, newest first.
func (o *Orchestrator) ListCheckpoints(ctx context.Context, includeCompleted bool) ([]*types.Checkpoint, error) {
	if o.checkpoints == nil {
		return nil, nil
	}
	return o.checkpoints.List(ctx, includeCompleted)
}

// Checkpoint returns the local checkpoint for jobID with its content.
func (o *Orchestrator) Checkpoint(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	if o.checkpoints == nil {
		return nil, fmt.Errorf("no checkpoint store configured")
	}
	return o.checkpoints.FindByJobID(ctx, jobID)
}

// PurgeCheckpoints removes checkpoints started more than maxAge ago.
func (o *Orchestrator) PurgeCheckpoints(ctx context.Context, maxAge time.Duration) (int, error) {
	if o.checkpoints == nil {
		return 0, nil
	}
	n, err := o.checkpoints.PurgeOlderThan(ctx, maxAge)
	if err != nil {
		return n, fmt.Errorf("purge checkpoints: %w", err)
	}
	metrics.CheckpointEvent("purged", n)
	if n > 0 {
		o.logger.Info("purged checkpoints", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// RecoverReport summarizes a recovery sweep.
type RecoverReport struct {
	Recovered []*types.ModelResponse
	Pending   []string
	Failed    []*types.ModelResponse
}

// RecoverPending checks every unfinished checkpoint once. Completed jobs
// are stored as results and their checkpoints removed; running jobs are
// left for a later sweep.
func (o *Orchestrator) RecoverPending(ctx context.Context) (*RecoverReport, error) {
	cps, err := o.ListCheckpoints(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	report := &RecoverReport{}
	for _, cp := range cps {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		resp, err := o.recover(ctx, cp.JobID, cp, RetrieveOptions{})
		if err != nil {
			o.logger.Warn("checkpoint not recoverable", "job_id", cp.JobID, "error", err)
			continue
		}
		switch {
		case resp.OK():
			report.Recovered = append(report.Recovered, resp)
		case resp.Err.Category == types.ErrPending:
			report.Pending = append(report.Pending, cp.JobID)
		default:
			report.Failed = append(report.Failed, resp)
		}
	}

	metrics.CheckpointEvent("pending", len(report.Pending))
	if len(cps) > 0 {
		o.logger.Info("recovery sweep finished",
			"checked", len(cps), "recovered", len(report.Recovered),
			"pending", len(report.Pending), "failed", len(report.Failed))
	}
	return report, nil
}

// Package consensus fans a question out to several models and synthesizes
// their answers into one result.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/user/quorum/internal/metrics"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/tokens"
	"github.com/user/quorum/internal/types"
)

// ErrNoModelsAvailable is returned when no model can be dispatched.
var ErrNoModelsAvailable = errors.New("no models available for consensus")

// FallbackConfidence is reported when answers are concatenated instead of
// synthesized.
const FallbackConfidence = 0.5

// Querier runs queries and resolves models.
type Querier interface {
	Query(ctx context.Context, m types.Model, question string, opts orchestrator.Options) *types.ModelResponse
	Resolve(id string) (types.Model, error)
	ModelsForLevel(level models.Level) []types.Model
	Cheapest() (types.Model, bool)
}

// Config wires an Engine.
type Config struct {
	Querier Querier
	// SynthesisModel overrides the cheapest-model choice.
	SynthesisModel string
	MaxParallel    int
	BudgetTokens   int
	Logger         *slog.Logger
}

// Engine runs consensus queries.
type Engine struct {
	q              Querier
	synthesisModel string
	maxParallel    int
	budget         int
	logger         *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = orchestrator.DefaultMaxParallel
	}
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = DefaultBudgetTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		q:              cfg.Querier,
		synthesisModel: cfg.SynthesisModel,
		maxParallel:    cfg.MaxParallel,
		budget:         cfg.BudgetTokens,
		logger:         logger,
	}
}

// Request describes one consensus run. Models wins over ModelIDs, which
// wins over Level.
type Request struct {
	Question   string
	Models     []types.Model
	ModelIDs   []string
	Level      models.Level
	Synthesize bool
	// OnModelComplete is called once per model as it finishes. Calls are
	// serialized.
	OnModelComplete func(*types.ModelResponse)
	Options         orchestrator.Options
}

func (e *Engine) selectModels(req Request) ([]types.Model, error) {
	if len(req.Models) > 0 {
		// Models without a configured provider are skipped. Ids missing
		// from the registry are kept as given.
		out := make([]types.Model, 0, len(req.Models))
		for _, m := range req.Models {
			if _, err := e.q.Resolve(m.ID); errors.Is(err, orchestrator.ErrProviderUnavailable) {
				e.logger.Warn("skipping consensus model without a provider", "model", m.ID, "error", err)
				continue
			}
			out = append(out, m)
		}
		return out, nil
	}
	if len(req.ModelIDs) > 0 {
		out := make([]types.Model, 0, len(req.ModelIDs))
		for _, id := range req.ModelIDs {
			m, err := e.q.Resolve(id)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, nil
	}
	level := req.Level
	if level == "" {
		level = models.LevelConsensus
	}
	return e.q.ModelsForLevel(level), nil
}

// Run dispatches the question to every selected model and merges the
// answers. Individual model failures are recorded in the result.
func (e *Engine) Run(ctx context.Context, req Request) (*types.ConsensusResult, error) {
	start := time.Now()

	ms, err := e.selectModels(req)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, ErrNoModelsAvailable
	}

	result := &types.ConsensusResult{
		RunID:     types.NewRunID(),
		Question:  req.Question,
		Responses: e.dispatch(ctx, ms, req),
	}
	logger := e.logger.With("run_id", string(result.RunID))

	ok := result.Succeeded()
	logger.Info("consensus answers collected", "models", len(ms), "succeeded", len(ok))

	switch {
	case len(ok) == 0:
		metrics.ConsensusRun("none")
	case len(ok) == 1:
		result.Synthesis = ok[0].Content
		result.Confidence = 1.0
		result.SynthesisModel = ok[0].Model.ID
		metrics.ConsensusRun("single")
	case req.Synthesize:
		e.synthesize(ctx, result, ok, logger)
	default:
		result.Synthesis = concatenate(ok)
		result.Confidence = FallbackConfidence
		metrics.ConsensusRun("concatenated")
	}

	for _, r := range result.Responses {
		result.TotalCost += r.Cost()
	}
	result.TotalDuration = time.Since(start)
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, ms []types.Model, req Request) []*types.ModelResponse {
	opts := req.Options
	opts.OnToken = nil

	out := make([]*types.ModelResponse, len(ms))
	sem := semaphore.NewWeighted(int64(e.maxParallel))
	var notify sync.Mutex
	var g errgroup.Group

	for i, m := range ms {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				out[i] = &types.ModelResponse{Model: m, Err: &types.QueryError{
					Category: types.ErrInterrupted, Message: err.Error(),
				}}
			} else {
				out[i] = e.q.Query(ctx, m, req.Question, opts)
				sem.Release(1)
			}
			if req.OnModelComplete != nil {
				notify.Lock()
				req.OnModelComplete(out[i])
				notify.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return out
}

// synthesize asks a cheap model to merge the answers, degrading to
// concatenation on any failure.
func (e *Engine) synthesize(ctx context.Context, result *types.ConsensusResult, ok []*types.ModelResponse, logger *slog.Logger) {
	fallback := func(reason string, err error) {
		logger.Warn("synthesis unavailable; concatenating answers", "reason", reason, "error", err)
		result.Synthesis = concatenate(ok)
		result.Confidence = FallbackConfidence
		metrics.ConsensusRun("concatenated")
	}

	m, err := e.pickSynthesisModel()
	if err != nil {
		fallback("no synthesis model", err)
		return
	}

	prompt, err := buildPrompt(result.Question, ok, tokens.Default(m.ID), e.budget)
	if err != nil {
		fallback("prompt", err)
		return
	}

	resp := e.q.Query(ctx, m, prompt, orchestrator.Options{})
	result.TotalCost += resp.Cost()
	if !resp.OK() {
		fallback("query", resp.Err)
		return
	}

	reply, err := parseReply(resp.Content)
	if err != nil {
		fallback("parse", err)
		return
	}

	result.Synthesis = reply.Synthesis
	result.Agreements = reply.Agreements
	result.Disagreements = reply.Disagreements
	result.Confidence = normalizeConfidence(reply.Confidence)
	result.SynthesisModel = m.ID
	metrics.ConsensusRun("synthesized")
}

func (e *Engine) pickSynthesisModel() (types.Model, error) {
	if e.synthesisModel != "" {
		return e.q.Resolve(e.synthesisModel)
	}
	m, ok := e.q.Cheapest()
	if !ok {
		return types.Model{}, fmt.Errorf("%w: no non-research model configured", ErrNoModelsAvailable)
	}
	return m, nil
}

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/quorum/internal/consensus"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/types"
)

// Service is the query surface the gateway dispatches to.
type Service interface {
	Ask(ctx context.Context, question string, level models.Level, opts orchestrator.Options) (*types.ModelResponse, error)
	Research(ctx context.Context, topic string, opts orchestrator.Options) (*types.ModelResponse, error)
	Compare(ctx context.Context, question string, modelIDs []string, opts orchestrator.Options) ([]*types.ModelResponse, error)
	RetrieveByJobID(ctx context.Context, jobID string, opts orchestrator.RetrieveOptions) (*types.ModelResponse, error)
}

// ConsensusRunner runs multi-model consensus.
type ConsensusRunner interface {
	Run(ctx context.Context, req consensus.Request) (*types.ConsensusResult, error)
}

// Config wires a Gateway.
type Config struct {
	Service       Service
	Consensus     ConsensusRunner
	MaxConcurrent int64
	// Stream enables streaming for single-model requests.
	Stream bool
	Logger *slog.Logger
}

// Gateway turns inbound requests from any surface into queued work and
// routes each to the orchestrator or consensus engine by kind.
type Gateway struct {
	svc       Service
	consensus ConsensusRunner
	stream    bool
	logger    *slog.Logger
	Queue     *Queue
}

// New creates a Gateway. Call Start before Submit.
func New(cfg Config) *Gateway {
	concurrency := cfg.MaxConcurrent
	if concurrency <= 0 {
		concurrency = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		svc:       cfg.Service,
		consensus: cfg.Consensus,
		stream:    cfg.Stream,
		logger:    logger.With("component", "gateway"),
		Queue:     NewQueue(concurrency, logger),
	}
	g.Queue.SetProcessor(g.Process)
	return g
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop cancels in-flight requests and waits for lanes to drain.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// Submit enqueues req. Its Reply callback receives the result.
func (g *Gateway) Submit(req *Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("empty request text")
	}
	g.logger.Info("request queued",
		"request_id", string(req.ID), "lane", string(req.Lane), "source", req.Source, "kind", string(req.Kind))
	return g.Queue.Enqueue(req)
}

// Execute enqueues req and waits for its reply. Lane ordering still applies.
func (g *Gateway) Execute(ctx context.Context, req *Request) (string, error) {
	done := make(chan string, 1)
	prev := req.Reply
	req.Reply = func(text string) {
		if prev != nil {
			prev(text)
		}
		done <- text
	}
	if err := g.Submit(req); err != nil {
		return "", err
	}
	select {
	case text := <-done:
		return text, req.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Process runs one request synchronously and formats the result.
func (g *Gateway) Process(ctx context.Context, req *Request) (string, error) {
	opts := orchestrator.Options{Stream: g.stream}
	if len(req.Models) == 1 && req.Kind != KindCompare {
		opts.Model = req.Models[0]
	}

	switch req.Kind {
	case KindAsk, "":
		resp, err := g.svc.Ask(ctx, req.Text, req.Level, opts)
		if err != nil {
			return "", err
		}
		return FormatResponse(resp), nil

	case KindResearch:
		resp, err := g.svc.Research(ctx, req.Text, opts)
		if err != nil {
			return "", err
		}
		return FormatResponse(resp), nil

	case KindCompare:
		if len(req.Models) < 2 {
			return "", fmt.Errorf("compare needs at least two models")
		}
		resps, err := g.svc.Compare(ctx, req.Text, req.Models, orchestrator.Options{})
		if err != nil {
			return "", err
		}
		return FormatResponses(resps), nil

	case KindConsensus:
		if g.consensus == nil {
			return "", fmt.Errorf("consensus is not configured")
		}
		result, err := g.consensus.Run(ctx, consensus.Request{
			Question:   req.Text,
			ModelIDs:   req.Models,
			Level:      req.Level,
			Synthesize: true,
		})
		if err != nil {
			return "", err
		}
		return FormatConsensus(result), nil

	case KindRecover:
		jobID := strings.TrimSpace(req.Text)
		resp, err := g.svc.RetrieveByJobID(ctx, jobID, orchestrator.RetrieveOptions{Wait: true})
		if err != nil {
			return "", err
		}
		return FormatResponse(resp), nil
	}
	return "", fmt.Errorf("unknown request kind %q", req.Kind)
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/user/quorum/internal/config"
	"github.com/user/quorum/internal/consensus"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/poll"
	"github.com/user/quorum/internal/research"
	"github.com/user/quorum/internal/sources"
	"github.com/user/quorum/internal/state"
	"github.com/user/quorum/internal/tokens"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
	"github.com/user/quorum/pkg/llm/gemini"
	"github.com/user/quorum/pkg/llm/openai"
	"github.com/user/quorum/pkg/llm/openaisdk"
)

const systemPrompt = "You are a careful research assistant. Answer accurately, say when you are unsure, and cite sources when you have them."

// app holds everything a command needs to run queries.
type app struct {
	cfg         *config.Config
	registry    *models.Registry
	checkpoints types.CheckpointStore
	results     *state.ResultStore
	orch        *orchestrator.Orchestrator
	consensus   *consensus.Engine
	close       func() error
}

// openCheckpoints opens the configured checkpoint backend.
func openCheckpoints(cfg *config.Config) (types.CheckpointStore, func() error, error) {
	switch strings.ToLower(cfg.Checkpoint.Backend) {
	case "", "file":
		return state.NewCheckpointStore(cfg.CheckpointDir()), func() error { return nil }, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.CheckpointDir(), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
		store, err := state.OpenSQLiteStore(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown checkpoint backend %q (want file or sqlite)", cfg.Checkpoint.Backend)
}

// chatBaseURL returns the OpenAI-compatible chat endpoint for a provider.
func chatBaseURL(name string, pc config.ProviderConfig) string {
	if name == config.Gemini {
		return strings.TrimRight(pc.BaseURL, "/") + "/openai"
	}
	return pc.BaseURL
}

// newApp wires providers, stores, the orchestrator and the consensus engine
// from configuration.
func newApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	registry := models.NewRegistry()
	if cfg.PricingCache != "" {
		n, err := registry.LoadPricing(cfg.PricingCache)
		if err != nil {
			logger.Warn("pricing cache ignored", "path", cfg.PricingCache, "error", err)
		} else if n > 0 {
			logger.Debug("loaded pricing overrides", "count", n)
		}
	}

	store, closeStore, err := openCheckpoints(cfg)
	if err != nil {
		return nil, err
	}
	results := state.NewResultStore(cfg.ResultsDir())

	counter := tokens.Default("gpt-4o")
	researchCfg := func(p types.Provider) research.Config {
		return research.Config{
			Provider:        p,
			PollInterval:    cfg.Research.PollInterval.Std(),
			PollMaxAttempts: cfg.Research.PollMaxAttempts,
			SetupTimeout:    cfg.Research.SetupTimeout.Std(),
			Instructions:    cfg.Research.Instructions,
			WebSearch:       cfg.Research.WebSearch,
			SubmitRetry:     poll.DefaultRetryPolicy(),
			Counter:         counter,
			Logger:          logger,
		}
	}

	researchers := map[types.Provider]orchestrator.Researcher{}
	chats := map[types.Provider]llm.Provider{}
	for _, name := range []string{config.OpenAI, config.Gemini, config.Anthropic, config.XAI, config.Perplexity, config.OpenRouter} {
		pc := cfg.Provider(name)
		if pc.APIKey == "" {
			continue
		}
		p := types.Provider(name)
		registry.SetAvailable(p, true)

		chatCfg := &llm.Config{BaseURL: chatBaseURL(name, pc), APIKey: pc.APIKey, Timeout: 2 * time.Minute}
		switch name {
		case config.OpenAI:
			chats[p] = openaisdk.New(chatCfg)
			backend := openai.NewResponses(&llm.Config{BaseURL: pc.BaseURL, APIKey: pc.APIKey})
			researchers[p] = research.New(backend, store, researchCfg(p))
		case config.Gemini:
			chats[p] = openai.New(chatCfg)
			backend := gemini.New(&llm.Config{BaseURL: pc.BaseURL, APIKey: pc.APIKey})
			researchers[p] = research.New(backend, store, researchCfg(p))
		default:
			chats[p] = openai.New(chatCfg)
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Registry:    registry,
		Research:    researchers,
		Chat:        chats,
		Checkpoints: store,
		Results:     results,
		Sources:     sources.NewFetcher(sources.DefaultMaxChars, logger),
		MaxParallel: cfg.Consensus.MaxParallel,
		System:      systemPrompt,
		Logger:      logger,
	})
	engine := consensus.New(consensus.Config{
		Querier:        orch,
		SynthesisModel: cfg.Consensus.SynthesisModel,
		MaxParallel:    cfg.Consensus.MaxParallel,
		BudgetTokens:   cfg.Consensus.SynthesisBudgetTokens,
		Logger:         logger,
	})

	return &app{
		cfg:         cfg,
		registry:    registry,
		checkpoints: store,
		results:     results,
		orch:        orch,
		consensus:   engine,
		close:       closeStore,
	}, nil
}

// mustApp loads config and wires the app, exiting on failure.
func mustApp() *app {
	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	return a
}

// Package models holds the static model registry, thinking-level defaults,
// provider availability and pricing overrides.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/user/quorum/internal/types"
)

var (
	// ErrUnknownModel is returned for a model id missing from the registry.
	ErrUnknownModel = errors.New("unknown model")
	// ErrNoModelAvailable is returned when no model of a level has a
	// configured provider.
	ErrNoModelAvailable = errors.New("no model available")
	// ErrProviderUnavailable is returned when a model's provider has no credential.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Level is a thinking level selecting a tiered default model list.
type Level string

const (
	LevelQuick     Level = "quick"
	LevelStandard  Level = "standard"
	LevelResearch  Level = "research"
	LevelDeep      Level = "deep"
	LevelConsensus Level = "consensus"
)

// Levels lists every level in increasing depth.
var Levels = []Level{LevelQuick, LevelStandard, LevelResearch, LevelDeep, LevelConsensus}

// ParseLevel validates a level name. The empty string is standard.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return LevelStandard, nil
	}
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Levels, l) {
		return "", fmt.Errorf("unknown level %q (want one of quick, standard, research, deep, consensus)", s)
	}
	return l, nil
}

// builtin is the static registry. DeepResearch marks models driven through
// the background job protocol.
var builtin = []types.Model{
	{ID: "o3-deep-research", Provider: types.ProviderOpenAI, DisplayName: "OpenAI o3 Deep Research", DeepResearch: true, Tier: types.TierHigh, InputPrice: 10, OutputPrice: 40},
	{ID: "o4-mini-deep-research", Provider: types.ProviderOpenAI, DisplayName: "OpenAI o4-mini Deep Research", DeepResearch: true, Tier: types.TierMedium, InputPrice: 2, OutputPrice: 8},
	{ID: "gpt-4.1", Provider: types.ProviderOpenAI, DisplayName: "GPT-4.1", Tier: types.TierMedium, InputPrice: 2, OutputPrice: 8},
	{ID: "gpt-4.1-mini", Provider: types.ProviderOpenAI, DisplayName: "GPT-4.1 mini", Tier: types.TierLow, InputPrice: 0.4, OutputPrice: 1.6},
	{ID: "o3", Provider: types.ProviderOpenAI, DisplayName: "OpenAI o3", Tier: types.TierMedium, InputPrice: 2, OutputPrice: 8},

	{ID: "deep-research-pro-preview-12-2025", Provider: types.ProviderGemini, DisplayName: "Gemini Deep Research", DeepResearch: true, Tier: types.TierHigh, InputPrice: 2, OutputPrice: 12},
	{ID: "gemini-2.5-pro", Provider: types.ProviderGemini, DisplayName: "Gemini 2.5 Pro", Tier: types.TierMedium, InputPrice: 1.25, OutputPrice: 10},
	{ID: "gemini-2.5-flash", Provider: types.ProviderGemini, DisplayName: "Gemini 2.5 Flash", Tier: types.TierLow, InputPrice: 0.3, OutputPrice: 2.5},

	{ID: "claude-sonnet-4-5", Provider: types.ProviderAnthropic, DisplayName: "Claude Sonnet 4.5", Tier: types.TierMedium, InputPrice: 3, OutputPrice: 15},
	{ID: "claude-haiku-4-5", Provider: types.ProviderAnthropic, DisplayName: "Claude Haiku 4.5", Tier: types.TierLow, InputPrice: 1, OutputPrice: 5},

	{ID: "grok-4", Provider: types.ProviderXAI, DisplayName: "Grok 4", Tier: types.TierMedium, InputPrice: 3, OutputPrice: 15},
	{ID: "grok-3-mini", Provider: types.ProviderXAI, DisplayName: "Grok 3 mini", Tier: types.TierLow, InputPrice: 0.3, OutputPrice: 0.5},

	{ID: "sonar-deep-research", Provider: types.ProviderPerplexity, DisplayName: "Perplexity Sonar Deep Research", Tier: types.TierHigh, InputPrice: 2, OutputPrice: 8},
	{ID: "sonar-pro", Provider: types.ProviderPerplexity, DisplayName: "Perplexity Sonar Pro", Tier: types.TierMedium, InputPrice: 3, OutputPrice: 15},

	{ID: "deepseek/deepseek-r1", Provider: types.ProviderOpenRouter, DisplayName: "DeepSeek R1", Tier: types.TierLow, InputPrice: 0.55, OutputPrice: 2.19},
}

// levelDefaults are tried in order; the first available model wins for
// single-model levels and every available model is used for consensus.
var levelDefaults = map[Level][]string{
	LevelQuick:     {"gpt-4.1-mini", "gemini-2.5-flash", "claude-haiku-4-5", "grok-3-mini", "deepseek/deepseek-r1"},
	LevelStandard:  {"gpt-4.1", "gemini-2.5-pro", "claude-sonnet-4-5", "grok-4", "sonar-pro"},
	LevelResearch:  {"o4-mini-deep-research", "deep-research-pro-preview-12-2025", "sonar-deep-research"},
	LevelDeep:      {"o3-deep-research", "deep-research-pro-preview-12-2025", "o4-mini-deep-research"},
	LevelConsensus: {"gpt-4.1", "gemini-2.5-pro", "claude-sonnet-4-5", "grok-4", "sonar-pro", "deepseek/deepseek-r1"},
}

// Registry is a concurrency-safe view of the known models.
type Registry struct {
	mu        sync.RWMutex
	models    []types.Model
	available map[types.Provider]bool
}

// NewRegistry returns a registry of the built-in models with no provider
// marked available.
func NewRegistry() *Registry {
	return &Registry{
		models:    slices.Clone(builtin),
		available: make(map[types.Provider]bool),
	}
}

// SetAvailable marks a provider family as configured.
func (r *Registry) SetAvailable(p types.Provider, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[p] = ok
}

// Available reports whether a provider family is configured.
func (r *Registry) Available(p types.Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.available[p]
}

// All returns every registered model in registry order.
func (r *Registry) All() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.models)
}

// Lookup returns the model with the given id.
func (r *Registry) Lookup(id string) (types.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.ID == id {
			return m, nil
		}
	}
	return types.Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
}

// Resolve looks up id and checks its provider is configured.
func (r *Registry) Resolve(id string) (types.Model, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return m, err
	}
	if !r.Available(m.Provider) {
		return m, fmt.Errorf("%w: %s (model %s)", ErrProviderUnavailable, m.Provider, m.ID)
	}
	return m, nil
}

// ForLevel returns the available models of a level's default list, in order.
func (r *Registry) ForLevel(level Level) []types.Model {
	var out []types.Model
	for _, id := range levelDefaults[level] {
		m, err := r.Resolve(id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Default returns the first available model for a level.
func (r *Registry) Default(level Level) (types.Model, error) {
	ms := r.ForLevel(level)
	if len(ms) == 0 {
		return types.Model{}, fmt.Errorf("%w for level %s", ErrNoModelAvailable, level)
	}
	return ms[0], nil
}

// Cheapest returns the available non-deep-research model with the lowest
// combined input and output price.
func (r *Registry) Cheapest() (types.Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best types.Model
	found := false
	for _, m := range r.models {
		if m.DeepResearch || !r.available[m.Provider] {
			continue
		}
		if !found || m.InputPrice+m.OutputPrice < best.InputPrice+best.OutputPrice {
			best = m
			found = true
		}
	}
	return best, found
}

// pricingCache is the on-disk pricing override file.
type pricingCache struct {
	UpdatedAt string                  `json:"updated_at,omitempty"`
	Models    map[string]pricingEntry `json:"models"`
}

type pricingEntry struct {
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
}

// LoadPricing refreshes prices from a pricing cache file. A missing file is
// not an error. Unknown ids are ignored; only price fields change.
func (r *Registry) LoadPricing(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading pricing cache: %w", err)
	}

	var cache pricingCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return 0, fmt.Errorf("parsing pricing cache: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for i := range r.models {
		p, ok := cache.Models[r.models[i].ID]
		if !ok || p.InputPrice < 0 || p.OutputPrice < 0 {
			continue
		}
		r.models[i].InputPrice = p.InputPrice
		r.models[i].OutputPrice = p.OutputPrice
		updated++
	}
	return updated, nil
}

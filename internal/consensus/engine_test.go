package consensus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/tokens"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/pkg/llm"
)

var (
	gpt    = types.Model{ID: "gpt-4.1", Provider: types.ProviderOpenAI, DisplayName: "GPT-4.1", InputPrice: 2, OutputPrice: 8}
	claude = types.Model{ID: "claude-sonnet-4-5", Provider: types.ProviderAnthropic, DisplayName: "Claude", InputPrice: 3, OutputPrice: 15}
	grok   = types.Model{ID: "grok-4", Provider: types.ProviderXAI, DisplayName: "Grok"}
	mini   = types.Model{ID: "gpt-4.1-mini", Provider: types.ProviderOpenAI, InputPrice: 0.4, OutputPrice: 1.6}
)

type fakeQuerier struct {
	mu        sync.Mutex
	answers   map[string]string
	failures  map[string]types.ErrorCategory
	synthesis string
	synthErr  bool
	cheapest  *types.Model
	level     []types.Model
	prompts   []string
	// unavailable lists model ids whose provider has no credential.
	unavailable map[string]bool
}

func (f *fakeQuerier) Query(ctx context.Context, m types.Model, question string, opts orchestrator.Options) *types.ModelResponse {
	f.mu.Lock()
	f.prompts = append(f.prompts, question)
	f.mu.Unlock()

	resp := &types.ModelResponse{Model: m, Usage: &llm.Usage{InputTokens: 1_000_000}}
	if f.cheapest != nil && m.ID == f.cheapest.ID {
		if f.synthErr {
			resp.Err = &types.QueryError{Category: types.ErrTransport, Message: "boom"}
			return resp
		}
		resp.Content = f.synthesis
		return resp
	}
	if cat, ok := f.failures[m.ID]; ok {
		resp.Err = &types.QueryError{Category: cat}
		resp.Usage = nil
		return resp
	}
	resp.Content = f.answers[m.ID]
	return resp
}

func (f *fakeQuerier) Resolve(id string) (types.Model, error) {
	if f.unavailable[id] {
		return types.Model{}, models.ErrProviderUnavailable
	}
	for _, m := range []types.Model{gpt, claude, grok, mini} {
		if m.ID == id {
			return m, nil
		}
	}
	return types.Model{}, models.ErrUnknownModel
}

func (f *fakeQuerier) ModelsForLevel(models.Level) []types.Model { return f.level }

func (f *fakeQuerier) Cheapest() (types.Model, bool) {
	if f.cheapest == nil {
		return types.Model{}, false
	}
	return *f.cheapest, true
}

func TestRunNoModels(t *testing.T) {
	e := New(Config{Querier: &fakeQuerier{}})
	if _, err := e.Run(context.Background(), Request{Question: "q"}); !errors.Is(err, ErrNoModelsAvailable) {
		t.Errorf("expected ErrNoModelsAvailable, got %v", err)
	}
	if _, err := e.Run(context.Background(), Request{Question: "q", ModelIDs: []string{"nope"}}); !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestRunSingleSuccess(t *testing.T) {
	q := &fakeQuerier{
		answers:  map[string]string{"gpt-4.1": "42"},
		failures: map[string]types.ErrorCategory{"grok-4": types.ErrRateLimited},
		cheapest: &mini,
	}
	e := New(Config{Querier: q})

	var completed []string
	var mu sync.Mutex
	res, err := e.Run(context.Background(), Request{
		Question:   "meaning?",
		Models:     []types.Model{gpt, grok},
		Synthesize: true,
		OnModelComplete: func(r *types.ModelResponse) {
			mu.Lock()
			completed = append(completed, r.Model.ID)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Responses) != 2 {
		t.Fatalf("expected one response per model, got %d", len(res.Responses))
	}
	if res.Synthesis != "42" || res.Confidence != 1.0 {
		t.Errorf("expected single answer as synthesis with confidence 1, got %q %v", res.Synthesis, res.Confidence)
	}
	if len(q.prompts) != 2 {
		t.Errorf("no synthesis call expected, got %d queries", len(q.prompts))
	}
	if len(completed) != 2 {
		t.Errorf("expected completion callback per model, got %v", completed)
	}
	if res.TotalCost != 2 {
		t.Errorf("expected cost 2 (failed response counts zero), got %v", res.TotalCost)
	}
	if res.RunID == "" {
		t.Error("expected a run id")
	}
}

func TestRunSynthesizes(t *testing.T) {
	q := &fakeQuerier{
		answers:   map[string]string{"gpt-4.1": "Paris", "claude-sonnet-4-5": "Paris, France"},
		cheapest:  &mini,
		synthesis: "```json\n{\"synthesis\":\"Paris\",\"agreements\":[\"capital is Paris\"],\"disagreements\":[],\"confidence\":140}\n```",
	}
	e := New(Config{Querier: q})

	res, err := e.Run(context.Background(), Request{Question: "capital of France?", Models: []types.Model{gpt, claude}, Synthesize: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Synthesis != "Paris" {
		t.Errorf("unexpected synthesis %q", res.Synthesis)
	}
	if res.Confidence != 1 {
		t.Errorf("expected confidence clamped to 1, got %v", res.Confidence)
	}
	if len(res.Agreements) != 1 {
		t.Errorf("expected agreements, got %v", res.Agreements)
	}
	if res.SynthesisModel != mini.ID {
		t.Errorf("expected synthesis by %s, got %s", mini.ID, res.SynthesisModel)
	}

	prompt := q.prompts[len(q.prompts)-1]
	for _, want := range []string{"capital of France?", "### GPT-4.1", "Paris, France"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("synthesis prompt missing %q", want)
		}
	}
}

func TestRunSynthesisFallback(t *testing.T) {
	cases := map[string]*fakeQuerier{
		"query fails":  {synthErr: true, cheapest: &mini},
		"unparseable":  {synthesis: "I think they agree.", cheapest: &mini},
		"no synthesis": {},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			q.answers = map[string]string{"gpt-4.1": "A", "claude-sonnet-4-5": "B"}
			res, err := New(Config{Querier: q}).Run(context.Background(), Request{
				Question: "q", Models: []types.Model{gpt, claude}, Synthesize: true,
			})
			if err != nil {
				t.Fatal(err)
			}
			if res.Confidence != FallbackConfidence {
				t.Errorf("expected fallback confidence, got %v", res.Confidence)
			}
			want := "## GPT-4.1\n\nA\n\n---\n\n## Claude\n\nB"
			if res.Synthesis != want {
				t.Errorf("expected concatenation %q, got %q", want, res.Synthesis)
			}
		})
	}
}

func TestRunAllFailed(t *testing.T) {
	q := &fakeQuerier{failures: map[string]types.ErrorCategory{
		"gpt-4.1": types.ErrTimeout, "grok-4": types.ErrPermissionDenied,
	}}
	q.level = []types.Model{gpt, grok}

	res, err := New(Config{Querier: q}).Run(context.Background(), Request{Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Responses) != 2 || res.Synthesis != "" || res.Confidence != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestParseReply(t *testing.T) {
	r, err := parseReply(`Here you go: {"synthesis":"x","confidence":75} thanks`)
	if err != nil {
		t.Fatal(err)
	}
	if r.Synthesis != "x" || normalizeConfidence(r.Confidence) != 0.75 {
		t.Errorf("unexpected reply %+v", r)
	}
	if _, err := parseReply(`{"synthesis":"","confidence":10}`); err == nil {
		t.Error("expected error for empty synthesis")
	}
	if normalizeConfidence(-5) != 0 {
		t.Error("negative confidence must clamp to 0")
	}
}

func TestBuildPromptTruncates(t *testing.T) {
	long := &types.ModelResponse{Model: gpt, Content: strings.Repeat("word ", 5000)}
	short := &types.ModelResponse{Model: claude, Content: "brief"}

	prompt, err := buildPrompt("q", []*types.ModelResponse{long, short}, tokens.Approx{}, 200)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(prompt, "[truncated]") {
		t.Error("expected long answer to be truncated")
	}
	if !strings.Contains(prompt, "brief") {
		t.Error("short answer must be kept")
	}
	if len(prompt) > 4000 {
		t.Errorf("prompt not budgeted: %d bytes", len(prompt))
	}
}

func TestRunSkipsExplicitModelsWithoutProvider(t *testing.T) {
	q := &fakeQuerier{
		answers:     map[string]string{"gpt-4.1": "Paris", "claude-sonnet-4-5": "Paris"},
		unavailable: map[string]bool{"grok-4": true},
	}
	res, err := New(Config{Querier: q}).Run(context.Background(), Request{
		Question: "q",
		Models:   []types.Model{gpt, grok, claude},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Responses) != 2 {
		t.Fatalf("expected 2 dispatched models, got %d", len(res.Responses))
	}
	for _, r := range res.Responses {
		if r.Model.ID == "grok-4" {
			t.Error("expected model without provider to be skipped")
		}
	}

	q = &fakeQuerier{unavailable: map[string]bool{"grok-4": true}}
	if _, err := New(Config{Querier: q}).Run(context.Background(), Request{Question: "q", Models: []types.Model{grok}}); !errors.Is(err, ErrNoModelsAvailable) {
		t.Errorf("expected ErrNoModelsAvailable, got %v", err)
	}
}

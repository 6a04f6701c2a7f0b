//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/quorum/internal/consensus"
	"github.com/user/quorum/internal/gateway"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/research"
	"github.com/user/quorum/internal/state"
	"github.com/user/quorum/internal/tokens"
	"github.com/user/quorum/internal/types"
	"github.com/user/quorum/internal/webhook"
	"github.com/user/quorum/pkg/llm"
	"github.com/user/quorum/pkg/llm/openai"
	"github.com/user/quorum/pkg/llm/openaisdk"
)

const finalReport = `{"id":"resp_int1","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"Deep report.","annotations":[{"type":"url_citation","url":"https://src.example"}]}]}],"usage":{"input_tokens":10,"output_tokens":20,"total_tokens":30}}`

// fakeProvider serves a Responses API whose stream drops after the first
// delta, plus chat completions for every chat model.
func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/responses":
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: response.created\ndata: {\"type\":\"response.created\",\"sequence_number\":0,\"response\":{\"id\":\"resp_int1\",\"status\":\"queued\"}}\n\n")
			fmt.Fprint(w, "data: {\"type\":\"response.output_text.delta\",\"sequence_number\":1,\"delta\":\"Deep \"}\n\n")
			w.(http.Flusher).Flush()
			// connection closes without a terminal event

		case r.Method == http.MethodGet && r.URL.Path == "/v1/responses/resp_int1":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, finalReport)

		case r.Method == http.MethodPost && r.URL.Path == "/v1/chat/completions":
			body, _ := io.ReadAll(r.Body)
			var req struct {
				Model string `json:"model"`
			}
			json.Unmarshal(body, &req)
			content := "answer from " + req.Model
			if strings.Contains(string(body), "disagreements") {
				content = `{"synthesis":"combined view","agreements":["both answered"],"disagreements":[],"confidence":80}`
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion",
				"created": 1,
				"model":   req.Model,
				"choices": []map[string]any{{
					"index": 0, "finish_reason": "stop",
					"message": map[string]any{"role": "assistant", "content": content},
				}},
				"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 5, "total_tokens": 10},
			})

		default:
			http.NotFound(w, r)
		}
	}))
}

type stack struct {
	orch        *orchestrator.Orchestrator
	engine      *consensus.Engine
	checkpoints *state.CheckpointStore
	results     *state.ResultStore
}

func newStack(t *testing.T, baseURL string) *stack {
	t.Helper()
	dir := t.TempDir()
	checkpoints := state.NewCheckpointStore(filepath.Join(dir, "checkpoints"))
	results := state.NewResultStore(filepath.Join(dir, "results"))

	registry := models.NewRegistry()
	registry.SetAvailable(types.ProviderOpenAI, true)
	registry.SetAvailable(types.ProviderXAI, true)

	backend := openai.NewResponses(&llm.Config{BaseURL: baseURL, APIKey: "k"})
	rc := research.New(backend, checkpoints, research.Config{
		PollInterval:    10 * time.Millisecond,
		PollMaxAttempts: 5,
		SetupTimeout:    time.Second,
		Counter:         tokens.Approx{},
	})

	orch := orchestrator.New(orchestrator.Config{
		Registry: registry,
		Research: map[types.Provider]orchestrator.Researcher{types.ProviderOpenAI: rc},
		Chat: map[types.Provider]llm.Provider{
			types.ProviderOpenAI: openaisdk.New(&llm.Config{BaseURL: baseURL, APIKey: "k"}),
			types.ProviderXAI:    openai.New(&llm.Config{BaseURL: baseURL, APIKey: "k"}),
		},
		Checkpoints: checkpoints,
		Results:     results,
	})
	engine := consensus.New(consensus.Config{Querier: orch})
	return &stack{orch: orch, engine: engine, checkpoints: checkpoints, results: results}
}

func TestResearchSurvivesStreamDrop(t *testing.T) {
	srv := fakeProvider(t)
	defer srv.Close()
	s := newStack(t, srv.URL+"/v1")

	var streamed strings.Builder
	resp, err := s.orch.Research(context.Background(), "solid-state batteries", orchestrator.Options{
		Stream:  true,
		OnToken: func(tok string) { streamed.WriteString(tok) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		t.Fatalf("expected success, got %v", resp.Err)
	}
	if resp.Content != "Deep report." {
		t.Errorf("expected full report, got %q", resp.Content)
	}
	if streamed.String() != "Deep report." {
		t.Errorf("expected each byte streamed once, got %q", streamed.String())
	}
	if len(resp.Citations) != 1 || resp.Usage == nil || resp.Usage.TotalTokens != 30 {
		t.Errorf("unexpected citations or usage: %v %+v", resp.Citations, resp.Usage)
	}

	cps, err := s.checkpoints.List(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 0 {
		t.Errorf("expected checkpoint removed after success, got %d", len(cps))
	}
}

func TestRecoverByJobIDStoresResult(t *testing.T) {
	srv := fakeProvider(t)
	defer srv.Close()
	s := newStack(t, srv.URL+"/v1")

	resp, err := s.orch.RetrieveByJobID(context.Background(), "resp_int1", orchestrator.RetrieveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() || resp.Content != "Deep report." {
		t.Fatalf("unexpected recovery %+v", resp)
	}
	stored, err := s.results.Get(context.Background(), "resp_int1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Response.Content != "Deep report." {
		t.Errorf("unexpected stored content %q", stored.Response.Content)
	}
}

func TestConsensusOverHTTP(t *testing.T) {
	srv := fakeProvider(t)
	defer srv.Close()
	s := newStack(t, srv.URL+"/v1")

	gw := gateway.New(gateway.Config{Service: s.orch, Consensus: s.engine, MaxConcurrent: 2})
	gw.Start(context.Background())
	defer gw.Stop()

	api := httptest.NewServer(webhook.NewServer(webhook.Config{
		Service:   s.orch,
		Consensus: s.engine,
		Results:   s.results,
		RunTask: func(ctx context.Context, task *state.Task) (string, error) {
			req := gateway.NewRequest(types.NewLaneKey("task", task.Name), "task", gateway.Kind(task.Kind), task.Prompt)
			return gw.Execute(ctx, req)
		},
	}))
	defer api.Close()

	res, err := http.Post(api.URL+"/api/consensus", "application/json",
		strings.NewReader(`{"question":"is the sky blue","models":["gpt-4.1","grok-4"]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var result types.ConsensusResult
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result.Responses) != 2 || result.Synthesis != "combined view" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Confidence != 0.8 {
		t.Errorf("expected confidence 0.8, got %v", result.Confidence)
	}

	res, err = http.Post(api.URL+"/webhook", "application/json",
		strings.NewReader(`{"prompt":"what is go","kind":"ask"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out map[string]string
	json.NewDecoder(res.Body).Decode(&out)
	if !strings.HasPrefix(out["response"], "answer from gpt-4.1") {
		t.Errorf("unexpected webhook reply %q", out["response"])
	}
}

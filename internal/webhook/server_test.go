package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/quorum/internal/consensus"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/state"
	"github.com/user/quorum/internal/types"
)

type fakeService struct {
	lastQuestion string
	lastLevel    models.Level
	lastOpts     orchestrator.Options
	lastRetrieve orchestrator.RetrieveOptions
	purgedAge    time.Duration
	askErr       error
	checkpoints  []*types.Checkpoint
	recoverResp  *types.ModelResponse
}

func reply(id, content string) *types.ModelResponse {
	return &types.ModelResponse{Model: types.Model{ID: id}, Content: content}
}

func (f *fakeService) Ask(ctx context.Context, q string, level models.Level, opts orchestrator.Options) (*types.ModelResponse, error) {
	f.lastQuestion, f.lastLevel, f.lastOpts = q, level, opts
	if f.askErr != nil {
		return nil, f.askErr
	}
	return reply("gpt-4.1", "answer"), nil
}

func (f *fakeService) Research(ctx context.Context, topic string, opts orchestrator.Options) (*types.ModelResponse, error) {
	f.lastQuestion = topic
	return reply("o3-deep-research", "report"), nil
}

func (f *fakeService) Compare(ctx context.Context, q string, ids []string, opts orchestrator.Options) ([]*types.ModelResponse, error) {
	var out []*types.ModelResponse
	for _, id := range ids {
		out = append(out, reply(id, "from "+id))
	}
	return out, nil
}

func (f *fakeService) RetrieveByJobID(ctx context.Context, jobID string, opts orchestrator.RetrieveOptions) (*types.ModelResponse, error) {
	f.lastRetrieve = opts
	if jobID == "unknown" {
		return nil, fmt.Errorf("%w unknown", orchestrator.ErrUnknownJob)
	}
	return f.recoverResp, nil
}

func (f *fakeService) ListCheckpoints(ctx context.Context, all bool) ([]*types.Checkpoint, error) {
	return f.checkpoints, nil
}

func (f *fakeService) Checkpoint(ctx context.Context, jobID string) (*types.Checkpoint, error) {
	for _, cp := range f.checkpoints {
		if cp.JobID == jobID {
			return cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", state.ErrCheckpointNotFound, jobID)
}

func (f *fakeService) PurgeCheckpoints(ctx context.Context, maxAge time.Duration) (int, error) {
	f.purgedAge = maxAge
	return 3, nil
}

type fakeConsensus struct {
	req consensus.Request
}

func (f *fakeConsensus) Run(ctx context.Context, req consensus.Request) (*types.ConsensusResult, error) {
	f.req = req
	return &types.ConsensusResult{Question: req.Question, Synthesis: "merged", Confidence: 0.9}, nil
}

type taskCall struct {
	task *state.Task
}

type env struct {
	srv   *Server
	svc   *fakeService
	cons  *fakeConsensus
	calls *[]taskCall
}

func setupServer(t *testing.T, tasks ...*state.Task) env {
	t.Helper()
	dir := t.TempDir()
	store := state.NewTaskStore(filepath.Join(dir, "tasks.json"))
	for _, task := range tasks {
		if err := store.Add(task); err != nil {
			t.Fatal(err)
		}
	}
	results := state.NewResultStore(filepath.Join(dir, "results"))
	stored := reply("o3-deep-research", "stored report")
	stored.JobID = "resp_done"
	if err := results.Put(context.Background(), "batteries", stored); err != nil {
		t.Fatal(err)
	}

	svc := &fakeService{
		checkpoints: []*types.Checkpoint{{JobID: "resp_open", Model: "o3-deep-research", Topic: "fusion"}},
		recoverResp: &types.ModelResponse{JobID: "resp_open", Err: &types.QueryError{Category: types.ErrPending, Message: "still running"}},
	}
	cons := &fakeConsensus{}
	calls := &[]taskCall{}
	srv := NewServer(Config{
		Service:   svc,
		Consensus: cons,
		Results:   results,
		Tasks:     store,
		RunTask: func(ctx context.Context, task *state.Task) (string, error) {
			*calls = append(*calls, taskCall{task: task})
			return "ran " + task.Name, nil
		},
	})
	return env{srv: srv, svc: svc, cons: cons, calls: calls}
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var out map[string]any
	json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealthEndpoint(t *testing.T) {
	e := setupServer(t)
	w, out := do(t, e.srv, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if out["status"] != "ok" {
		t.Errorf("expected status ok, got %v", out["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := setupServer(t)
	do(t, e.srv, "GET", "/health", "")
	w, _ := do(t, e.srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "quorum_http_requests_total") {
		t.Error("expected http request counter in metrics output")
	}
}

func TestAPIAsk(t *testing.T) {
	e := setupServer(t)
	w, out := do(t, e.srv, "POST", "/api/ask",
		`{"question":"why","level":"quick","model":"gpt-4.1","context_urls":["https://a.example"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if out["content"] != "answer" {
		t.Errorf("unexpected body %v", out)
	}
	if e.svc.lastLevel != models.LevelQuick || e.svc.lastOpts.Model != "gpt-4.1" || len(e.svc.lastOpts.ContextURLs) != 1 {
		t.Errorf("unexpected forwarded request: level=%s opts=%+v", e.svc.lastLevel, e.svc.lastOpts)
	}
}

func TestAPIAskValidation(t *testing.T) {
	e := setupServer(t)
	if w, _ := do(t, e.srv, "POST", "/api/ask", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", w.Code)
	}
	if w, _ := do(t, e.srv, "POST", "/api/ask", `{"question":"  "}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty question, got %d", w.Code)
	}
	if w, _ := do(t, e.srv, "POST", "/api/ask", `{"question":"q","level":"ultra"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown level, got %d", w.Code)
	}
}

func TestAPIAskErrorMapping(t *testing.T) {
	e := setupServer(t)

	e.svc.askErr = fmt.Errorf("%w: nope", models.ErrUnknownModel)
	if w, _ := do(t, e.srv, "POST", "/api/ask", `{"question":"q"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown model, got %d", w.Code)
	}

	e.svc.askErr = models.ErrNoModelAvailable
	if w, _ := do(t, e.srv, "POST", "/api/ask", `{"question":"q"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for no model, got %d", w.Code)
	}

	e.svc.askErr = fmt.Errorf("disk on fire")
	w, out := do(t, e.srv, "POST", "/api/ask", `{"question":"q"}`)
	if w.Code != http.StatusInternalServerError || out["error"] != "internal server error" {
		t.Errorf("expected opaque 500, got %d %v", w.Code, out)
	}
}

func TestAPICompareAndResearch(t *testing.T) {
	e := setupServer(t)

	if w, _ := do(t, e.srv, "POST", "/api/compare", `{"question":"q","models":["a"]}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for single model, got %d", w.Code)
	}
	w, out := do(t, e.srv, "POST", "/api/compare", `{"question":"q","models":["a","b"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resps, _ := out["responses"].([]any); len(resps) != 2 {
		t.Errorf("expected 2 responses, got %v", out["responses"])
	}

	w, out = do(t, e.srv, "POST", "/api/research", `{"question":"batteries"}`)
	if w.Code != http.StatusOK || out["content"] != "report" {
		t.Errorf("unexpected research response %d %v", w.Code, out)
	}
}

func TestAPIConsensus(t *testing.T) {
	e := setupServer(t)
	w, out := do(t, e.srv, "POST", "/api/consensus", `{"question":"q","synthesize":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if out["synthesis"] != "merged" {
		t.Errorf("unexpected body %v", out)
	}
	if e.cons.req.Synthesize || e.cons.req.Level != models.LevelConsensus {
		t.Errorf("unexpected consensus request %+v", e.cons.req)
	}

	do(t, e.srv, "POST", "/api/consensus", `{"question":"q","level":"quick"}`)
	if !e.cons.req.Synthesize || e.cons.req.Level != models.LevelQuick {
		t.Errorf("expected synthesis on and quick level, got %+v", e.cons.req)
	}
}

func TestAPICheckpoints(t *testing.T) {
	e := setupServer(t)

	w, out := do(t, e.srv, "GET", "/api/checkpoints", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if cps, _ := out["checkpoints"].([]any); len(cps) != 1 {
		t.Errorf("expected 1 checkpoint, got %v", out["checkpoints"])
	}

	w, out = do(t, e.srv, "GET", "/api/checkpoints/resp_open", "")
	if w.Code != http.StatusOK || out["job_id"] != "resp_open" {
		t.Errorf("unexpected checkpoint response %d %v", w.Code, out)
	}
	if w, _ := do(t, e.srv, "GET", "/api/checkpoints/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	if w, _ := do(t, e.srv, "DELETE", "/api/checkpoints", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without older_than, got %d", w.Code)
	}
	w, out = do(t, e.srv, "DELETE", "/api/checkpoints?older_than=48h", "")
	if w.Code != http.StatusOK || out["purged"] != float64(3) {
		t.Errorf("unexpected purge response %d %v", w.Code, out)
	}
	if e.svc.purgedAge != 48*time.Hour {
		t.Errorf("expected 48h, got %v", e.svc.purgedAge)
	}
}

func TestAPIRecover(t *testing.T) {
	e := setupServer(t)

	w, _ := do(t, e.srv, "POST", "/api/checkpoints/resp_open/recover?provider=openai", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202 for pending job, got %d", w.Code)
	}
	if e.svc.lastRetrieve.Wait || e.svc.lastRetrieve.Provider != types.ProviderOpenAI {
		t.Errorf("unexpected retrieve options %+v", e.svc.lastRetrieve)
	}

	e.svc.recoverResp = reply("o3-deep-research", "final")
	w, _ = do(t, e.srv, "POST", "/api/checkpoints/resp_open/recover?wait=true", "")
	if w.Code != http.StatusOK || !e.svc.lastRetrieve.Wait {
		t.Errorf("expected 200 with wait, got %d %+v", w.Code, e.svc.lastRetrieve)
	}

	if w, _ := do(t, e.srv, "POST", "/api/checkpoints/unknown/recover", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown job, got %d", w.Code)
	}
}

func TestAPIResults(t *testing.T) {
	e := setupServer(t)
	w, out := do(t, e.srv, "GET", "/api/results/resp_done", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	meta, _ := out["meta"].(map[string]any)
	if meta["topic"] != "batteries" {
		t.Errorf("unexpected stored result %v", out)
	}
	if w, _ := do(t, e.srv, "GET", "/api/results/resp_missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestWebhookAdHoc(t *testing.T) {
	e := setupServer(t)
	w, out := do(t, e.srv, "POST", "/webhook",
		`{"prompt":"summarize","kind":"research","deliver":"telegram:1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if out["response"] != "ran webhook" {
		t.Errorf("unexpected response %v", out)
	}
	got := (*e.calls)[0].task
	if got.Kind != state.TaskResearch || got.Deliver != "telegram:1" {
		t.Errorf("unexpected task %+v", got)
	}
}

func TestWebhookAdHocValidation(t *testing.T) {
	e := setupServer(t)
	if w, _ := do(t, e.srv, "POST", "/webhook", `{"kind":"ask"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing prompt, got %d", w.Code)
	}
	if w, _ := do(t, e.srv, "POST", "/webhook", `{"prompt":"x","kind":"poem"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", w.Code)
	}
}

func TestWebhookNamedTask(t *testing.T) {
	e := setupServer(t,
		&state.Task{Name: "weekly", Prompt: "default prompt", Enabled: true},
		&state.Task{Name: "off", Prompt: "x", Enabled: false},
	)

	w, out := do(t, e.srv, "POST", "/webhook/weekly", "")
	if w.Code != http.StatusOK || out["response"] != "ran weekly" {
		t.Fatalf("unexpected response %d %v", w.Code, out)
	}
	if (*e.calls)[0].task.Prompt != "default prompt" {
		t.Errorf("expected stored prompt, got %q", (*e.calls)[0].task.Prompt)
	}

	do(t, e.srv, "POST", "/webhook/weekly", `{"prompt":"override"}`)
	if (*e.calls)[1].task.Prompt != "override" {
		t.Errorf("expected override prompt, got %q", (*e.calls)[1].task.Prompt)
	}

	if w, _ := do(t, e.srv, "POST", "/webhook/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w, _ := do(t, e.srv, "POST", "/webhook/off", ""); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

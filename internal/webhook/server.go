// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/quorum/internal/consensus"
	"github.com/user/quorum/internal/metrics"
	"github.com/user/quorum/internal/models"
	"github.com/user/quorum/internal/orchestrator"
	"github.com/user/quorum/internal/state"
	"github.com/user/quorum/internal/types"
)

// Service is the query and checkpoint surface exposed over HTTP.
type Service interface {
	Ask(ctx context.Context, question string, level models.Level, opts orchestrator.Options) (*types.ModelResponse, error)
	Research(ctx context.Context, topic string, opts orchestrator.Options) (*types.ModelResponse, error)
	Compare(ctx context.Context, question string, modelIDs []string, opts orchestrator.Options) ([]*types.ModelResponse, error)
	RetrieveByJobID(ctx context.Context, jobID string, opts orchestrator.RetrieveOptions) (*types.ModelResponse, error)
	ListCheckpoints(ctx context.Context, includeCompleted bool) ([]*types.Checkpoint, error)
	Checkpoint(ctx context.Context, jobID string) (*types.Checkpoint, error)
	PurgeCheckpoints(ctx context.Context, maxAge time.Duration) (int, error)
}

// ConsensusRunner runs multi-model consensus.
type ConsensusRunner interface {
	Run(ctx context.Context, req consensus.Request) (*types.ConsensusResult, error)
}

// Results reads stored research output.
type Results interface {
	Get(ctx context.Context, jobID string) (*state.StoredResult, error)
}

// TaskRunner runs a task and delivers its output. It returns the reply text.
type TaskRunner func(ctx context.Context, task *state.Task) (string, error)

// Config wires a Server.
type Config struct {
	Service   Service
	Consensus ConsensusRunner
	Results   Results
	Tasks     *state.TaskStore
	RunTask   TaskRunner
	Logger    *slog.Logger
}

// Server exposes the query API, checkpoint management and task webhooks.
type Server struct {
	svc       Service
	consensus ConsensusRunner
	results   Results
	tasks     *state.TaskStore
	runTask   TaskRunner
	logger    *slog.Logger
	router    chi.Router
}

// NewServer creates a Server with its routes mounted.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:       cfg.Service,
		consensus: cfg.Consensus,
		results:   cfg.Results,
		tasks:     cfg.Tasks,
		runTask:   cfg.RunTask,
		logger:    logger.With("component", "http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/webhook", s.handleAdHoc)
	r.Post("/webhook/{name}", s.handleNamedTask)

	r.Route("/api", func(r chi.Router) {
		r.Post("/ask", s.handleAsk)
		r.Post("/research", s.handleResearch)
		r.Post("/compare", s.handleCompare)
		r.Post("/consensus", s.handleConsensus)

		r.Get("/checkpoints", s.handleListCheckpoints)
		r.Delete("/checkpoints", s.handlePurgeCheckpoints)
		r.Get("/checkpoints/{jobID}", s.handleGetCheckpoint)
		r.Post("/checkpoints/{jobID}/recover", s.handleRecover)

		r.Get("/results/{jobID}", s.handleGetResult)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownModel), errors.Is(err, orchestrator.ErrUnknownJob):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNoModelAvailable), errors.Is(err, models.ErrProviderUnavailable),
		errors.Is(err, consensus.ErrNoModelsAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, state.ErrCheckpointNotFound), errors.Is(err, state.ErrResultNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// queryRequest is the JSON body for the /api query endpoints.
type queryRequest struct {
	Question    string   `json:"question"`
	Level       string   `json:"level,omitempty"`
	Model       string   `json:"model,omitempty"`
	Models      []string `json:"models,omitempty"`
	ContextURLs []string `json:"context_urls,omitempty"`
	Synthesize  *bool    `json:"synthesize,omitempty"`
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (*queryRequest, models.Level, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, "", false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return nil, "", false
	}
	level, err := models.ParseLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	return &req, level, true
}

func (q *queryRequest) options() orchestrator.Options {
	return orchestrator.Options{Model: q.Model, ContextURLs: q.ContextURLs}
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, level, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.Ask(r.Context(), req.Question, level, req.options())
	if err != nil {
		s.fail(w, "ask", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	req, _, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	resp, err := s.svc.Research(r.Context(), req.Question, req.options())
	if err != nil {
		s.fail(w, "research", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	req, _, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	if len(req.Models) < 2 {
		writeError(w, http.StatusBadRequest, "compare needs at least two models")
		return
	}
	resps, err := s.svc.Compare(r.Context(), req.Question, req.Models, req.options())
	if err != nil {
		s.fail(w, "compare", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"responses": resps})
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	if s.consensus == nil {
		writeError(w, http.StatusServiceUnavailable, "consensus is not configured")
		return
	}
	req, level, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	if req.Level == "" {
		level = models.LevelConsensus
	}
	synthesize := req.Synthesize == nil || *req.Synthesize
	result, err := s.consensus.Run(r.Context(), consensus.Request{
		Question:   req.Question,
		ModelIDs:   req.Models,
		Level:      level,
		Synthesize: synthesize,
		Options:    orchestrator.Options{ContextURLs: req.ContextURLs},
	})
	if err != nil {
		s.fail(w, "consensus", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	cps, err := s.svc.ListCheckpoints(r.Context(), all)
	if err != nil {
		s.fail(w, "list checkpoints", err)
		return
	}
	if cps == nil {
		cps = []*types.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.svc.Checkpoint(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, "get checkpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handlePurgeCheckpoints(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "older_than is required")
		return
	}
	maxAge, err := time.ParseDuration(raw)
	if err != nil || maxAge < 0 {
		writeError(w, http.StatusBadRequest, "invalid older_than duration")
		return
	}
	n, err := s.svc.PurgeCheckpoints(r.Context(), maxAge)
	if err != nil {
		s.fail(w, "purge checkpoints", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	opts := orchestrator.RetrieveOptions{
		Wait:     r.URL.Query().Get("wait") == "true",
		Provider: types.Provider(r.URL.Query().Get("provider")),
	}
	resp, err := s.svc.RetrieveByJobID(r.Context(), chi.URLParam(r, "jobID"), opts)
	if err != nil {
		s.fail(w, "recover", err)
		return
	}
	status := http.StatusOK
	if !resp.OK() && resp.Err.Category == types.ErrPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store not configured")
		return
	}
	stored, err := s.results.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, "get result", err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// adHocRequest is the JSON body for POST /webhook.
type adHocRequest struct {
	Prompt  string   `json:"prompt"`
	Kind    string   `json:"kind,omitempty"`
	Level   string   `json:"level,omitempty"`
	Models  []string `json:"models,omitempty"`
	Deliver string   `json:"deliver,omitempty"`
}

func (s *Server) handleAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task := &state.Task{
		Name:    "webhook",
		Kind:    state.TaskKind(req.Kind),
		Prompt:  req.Prompt,
		Level:   req.Level,
		Models:  req.Models,
		Deliver: req.Deliver,
		Enabled: true,
	}
	if err := task.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.run(w, r, task)
}

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "tasks not configured")
		return
	}
	name := chi.URLParam(r, "name")
	task, err := s.tasks.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !task.Enabled {
		writeError(w, http.StatusForbidden, "task is disabled")
		return
	}

	// Allow body to override the prompt
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		task.Prompt = body.Prompt
	}
	s.run(w, r, task)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, task *state.Task) {
	if s.runTask == nil {
		writeError(w, http.StatusServiceUnavailable, "task runner not configured")
		return
	}
	resp, err := s.runTask(r.Context(), task)
	if err != nil {
		s.logger.Error("webhook task failed", "task", task.Name, "error", err)
		s.fail(w, "webhook task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": resp})
}

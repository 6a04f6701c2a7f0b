// Package metrics exposes Prometheus instrumentation for queries,
// checkpoints and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/quorum/internal/types"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "query",
			Name:      "total",
			Help:      "Model queries by provider, model and outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quorum",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Duration of model queries in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"provider", "deep_research"},
	)

	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "query",
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD",
		},
		[]string{"provider"},
	)

	streamFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "research",
			Name:      "stream_fallbacks_total",
			Help:      "Streams that ended before their job and fell back to polling",
		},
		[]string{"provider"},
	)

	checkpointEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "checkpoint",
			Name:      "events_total",
			Help:      "Checkpoint recoveries and purges by outcome",
		},
		[]string{"event"},
	)

	consensusRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "consensus",
			Name:      "runs_total",
			Help:      "Consensus runs by synthesis mode",
		},
		[]string{"mode"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quorum",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quorum",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)

func init() {
	prometheus.MustRegister(queriesTotal, queryDuration, costTotal, streamFallbacks,
		checkpointEvents, consensusRuns, httpRequestsTotal, httpRequestDuration)
}

// ObserveResponse records the outcome, latency and cost of one query.
func ObserveResponse(resp *types.ModelResponse) {
	if resp == nil {
		return
	}
	outcome := "ok"
	if resp.Err != nil {
		outcome = string(resp.Err.Category)
	}
	provider := string(resp.Model.Provider)
	queriesTotal.WithLabelValues(provider, resp.Model.ID, outcome).Inc()
	queryDuration.WithLabelValues(provider, strconv.FormatBool(resp.Model.DeepResearch)).Observe(resp.Duration.Seconds())
	if c := resp.Cost(); c > 0 {
		costTotal.WithLabelValues(provider).Add(c)
	}
}

// StreamFallback counts a stream that dropped before its job finished.
func StreamFallback(provider types.Provider) {
	streamFallbacks.WithLabelValues(string(provider)).Inc()
}

// CheckpointEvent counts a checkpoint lifecycle event such as "recovered",
// "pending" or "purged".
func CheckpointEvent(event string, n int) {
	if n <= 0 {
		return
	}
	checkpointEvents.WithLabelValues(event).Add(float64(n))
}

// ConsensusRun counts a consensus run by how its synthesis was produced.
func ConsensusRun(mode string) {
	consensusRuns.WithLabelValues(mode).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working behind the middleware.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments requests, labelling them by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		path := routePatternOrPath(r)
		status := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath avoids high-cardinality labels for parameterised routes.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

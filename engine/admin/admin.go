// Package admin wires the pipeline's HTTP surface: cached search, DLQ
// status endpoints, Prometheus scraping, and a liveness probe, routed with
// chi, composed with this module's recover/logging middleware chain, and
// traced end to end with pkg/mid's OTel middleware.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamlog/pipeline/engine/logentry"
	"github.com/streamlog/pipeline/engine/metrics"
	"github.com/streamlog/pipeline/pkg/mid"
)

// Snapshotter reports the current counter values the derived health
// computation is based on.
type Snapshotter func() metrics.Snapshot

// Searcher runs a cached log search. It is the CachedSearch.SearchWithCache
// method, narrowed to a func type so this package doesn't import engine/search.
type Searcher func(ctx context.Context, req logentry.LogSearchRequest) (logentry.LogSearchResponse, error)

// Router builds the admin HTTP surface.
type Router struct {
	snapshot   Snapshotter
	search     Searcher
	dlqTopic   string
	corsOrigin string
	log        *slog.Logger
}

// New constructs a Router. dlqTopic is reported verbatim by
// GET /admin/dlq/status. search may be nil, in which case GET /search
// responds 503.
func New(snapshot Snapshotter, search Searcher, dlqTopic, corsOrigin string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{snapshot: snapshot, search: search, dlqTopic: dlqTopic, corsOrigin: corsOrigin, log: log}
}

// adminTraceService names the OTel span resource this router traces
// requests under.
const adminTraceService = "streamlog-admin"

// Handler builds the full chi router: middleware chain, admin routes,
// /metrics, and /healthz, with the whole surface wrapped in an OTel span
// per request.
func (a *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(mid.Recover(a.log))
	r.Use(mid.Logger(a.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.corsOrigin},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/search", a.handleSearch)

	r.Route("/admin/dlq", func(r chi.Router) {
		r.Get("/status", a.handleDLQStatus)
		r.Get("/metrics", a.handleDLQMetrics)
		r.Get("/info", a.handleDLQInfo)
	})

	return mid.OTel(adminTraceService)(r)
}

func (a *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleSearch parses query-string filters into a LogSearchRequest and
// serves the result of a cached search.
func (a *Router) handleSearch(w http.ResponseWriter, r *http.Request) {
	if a.search == nil {
		http.Error(w, "search not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	req := logentry.LogSearchRequest{
		ServiceID: q.Get("serviceId"),
		TraceID:   q.Get("traceId"),
		Level:     logentry.Level(q.Get("level")),
		Query:     q.Get("query"),
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Page = n
		}
	}
	if v := q.Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.Size = n
		}
	}
	if v := q.Get("startTimestamp"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			req.StartTimestamp = &t
		}
	}
	if v := q.Get("endTimestamp"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			req.EndTimestamp = &t
		}
	}

	resp, err := a.search(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// dlqStatusResponse is the payload for GET /admin/dlq/status: the topic
// name, the current DLQ counter, and when it was checked.
type dlqStatusResponse struct {
	Topic      string    `json:"topic"`
	DLQCounter int64     `json:"dlqCounter"`
	CheckedAt  time.Time `json:"checkedAt"`
}

func (a *Router) handleDLQStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dlqStatusResponse{
		Topic:      a.dlqTopic,
		DLQCounter: snap.DLQ,
		CheckedAt:  time.Now().UTC(),
	})
}

// dlqMetricsResponse is the payload for GET /admin/dlq/metrics: the raw
// counters plus the derived rate, lag, and health status.
type dlqMetricsResponse struct {
	Published      int64                `json:"published"`
	Consumed       int64                `json:"consumed"`
	DLQ            int64                `json:"dlq"`
	DLQRatePercent float64              `json:"dlqRatePercent"`
	ConsumerLag    int64                `json:"consumerLag"`
	HealthStatus   metrics.HealthStatus `json:"healthStatus"`
}

func (a *Router) handleDLQMetrics(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshot()
	derived := metrics.ComputeDerived(snap)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dlqMetricsResponse{
		Published:      snap.Published,
		Consumed:       snap.Consumed,
		DLQ:            snap.DLQ,
		DLQRatePercent: derived.DLQRatePercent,
		ConsumerLag:    derived.ConsumerLag,
		HealthStatus:   derived.HealthStatus,
	})
}

// dlqInfoResponse is the static operator guidance served by
// GET /admin/dlq/info.
type dlqInfoResponse struct {
	Topic         string `json:"topic"`
	ConsumerGroup string `json:"consumerGroup"`
	Instructions  string `json:"instructions"`
}

func (a *Router) handleDLQInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dlqInfoResponse{
		Topic:         a.dlqTopic,
		ConsumerGroup: "dlq-inspector",
		Instructions:  "Run the dlqinspector binary to start a consumer on this topic and stream its entries to the log; it is not started automatically.",
	})
}

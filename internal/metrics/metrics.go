// Package metrics holds the Prometheus collectors the API exports on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ninaivalaigal/api/internal/redact"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	redactions       *prometheus.CounterVec
	rateLimit        *prometheus.CounterVec
	pageRankDuration prometheus.Histogram
}

// New registers every collector on a fresh registry, alongside the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ninaivalaigal_http_requests_total",
			Help: "HTTP requests by route class, method and status",
		}, []string{"route", "method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ninaivalaigal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		redactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ninaivalaigal_redaction_findings_total",
			Help: "Secrets and PII redacted, by rule",
		}, []string{"rule"}),
		rateLimit: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ninaivalaigal_ratelimit_decisions_total",
			Help: "Rate limit decisions by outcome",
		}, []string{"outcome"}),
		pageRankDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ninaivalaigal_pagerank_duration_seconds",
			Help:    "PageRank computation time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// The recording methods are no-ops on a nil *Metrics.

func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFindings(findings []redact.Finding) {
	if m == nil {
		return
	}
	for _, f := range findings {
		m.redactions.WithLabelValues(f.Rule).Inc()
	}
}

// RecordRateLimit matches ratelimit.Config.OnDecision.
func (m *Metrics) RecordRateLimit(outcome string) {
	if m == nil {
		return
	}
	m.rateLimit.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePageRank(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.pageRankDuration.Observe(elapsed.Seconds())
}

// RouteClass collapses a request path to a low-cardinality label: ids in
// /api/memories/{id}/... become "{id}".
func RouteClass(path string) string {
	if path == "/metrics" {
		return path
	}
	if !strings.HasPrefix(path, "/api/") {
		return "other"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[1] == "memories" && parts[2] != "ingest" && parts[2] != "recall" {
		parts[2] = "{id}"
	}
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return "/" + strings.Join(parts, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware counts and times every request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.ObserveRequest(RouteClass(r.URL.Path), r.Method, rec.status, time.Since(start))
	})
}

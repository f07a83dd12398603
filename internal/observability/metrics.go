package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus registry for the HTTP service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	statementBytes  prometheus.Histogram
}

// NewMetrics builds a private registry with the request collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tms_http_requests_total",
		Help: "HTTP requests partitioned by back-office area, route pattern and status code.",
	}, []string{"area", "route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tms_http_request_duration_seconds",
		Help:    "HTTP request latency per back-office area and route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"area", "route"})
	statementBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tms_bank_statement_upload_bytes",
		Help:    "Size of uploaded bank statements.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})
	registry.MustRegister(requests, duration, statementBytes)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		statementBytes:  statementBytes,
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records count and latency for every request, and the size of
// every statement upload.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		area := Area(route)
		m.requestsTotal.WithLabelValues(area, route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(area, route).Observe(time.Since(start).Seconds())
		if area == "bank-statements" && r.Method == http.MethodPost && r.ContentLength > 0 {
			m.statementBytes.Observe(float64(r.ContentLength))
		}
	})
}

// Registerer exposes the registry so job metrics can share it.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// Area maps a route pattern onto the back-office area it serves: the first
// segment under /api/v1, "jobs" for queue control, "system" otherwise.
func Area(route string) string {
	if rest, ok := strings.CutPrefix(route, "/api/v1/"); ok {
		if area, _, _ := strings.Cut(rest, "/"); area != "" {
			return area
		}
	}
	if route == "/jobs" || strings.HasPrefix(route, "/jobs/") {
		return "jobs"
	}
	return "system"
}

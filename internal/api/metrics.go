package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the management API's Prometheus instrumentation. Grounded on
// josephblackelite-nhbchain's gateway/middleware/observability.go
// CounterVec/HistogramVec + dedicated registry shape, trimmed to the
// metrics concern (no tracer: nothing else in this module exercises
// OpenTelemetry).
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	wsDropped prometheus.Counter
}

// NewMetrics builds a fresh registry and registers the HTTP instrumentation.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moat",
		Name:      "api_requests_total",
		Help:      "Total HTTP requests processed by the management API.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "moat",
		Name:      "api_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	wsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moat",
		Name:      "ws_broadcast_dropped_total",
		Help:      "Outcome events dropped because a subscriber's bounded send queue was full.",
	})
	registry.MustRegister(requests, durations, wsDropped)
	return &Metrics{registry: registry, requests: requests, durations: durations, wsDropped: wsDropped}
}

// Middleware wraps next, recording a request count and duration per route.
func (m *Metrics) Middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
	}
}

// Handler exposes the registry via the standard Prometheus text exposition
// format, for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Package metrics exposes Prometheus collectors for outbound Meta calls,
// rate limiter queueing, per-code batch outcomes and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	metaCalls    *prometheus.CounterVec
	metaDuration *prometheus.HistogramVec
	limiterWait  prometheus.Histogram
	outcomes     *prometheus.CounterVec
	narrowing    prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// New registers all collectors, plus the Go runtime and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		metaCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_meta_calls_total",
			Help: "Meta API calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		metaDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scout_meta_call_duration_seconds",
			Help:    "Meta API call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		limiterWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scout_rate_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.3, 1, 3, 10, 30, 60},
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_postal_code_outcomes_total",
			Help: "Terminal postal code outcomes by kind.",
		}, []string{"outcome"}),
		narrowing: f.NewCounter(prometheus.CounterOpts{
			Name: "scout_narrowing_violations_total",
			Help: "Successful results whose targeted audience exceeded the geo-only audience.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scout_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scout_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "scout_http_inflight_requests",
			Help: "HTTP requests currently being served.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveCall records one estimator call.
func (m *Metrics) ObserveCall(op, outcome string, d time.Duration) {
	m.metaCalls.WithLabelValues(op, outcome).Inc()
	m.metaDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveWait records time spent queued in the rate limiter.
func (m *Metrics) ObserveWait(d time.Duration) {
	m.limiterWait.Observe(d.Seconds())
}

// RecordOutcome counts a terminal postal code outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

// RecordNarrowingViolation counts a targeted estimate larger than its
// geo-only estimate.
func (m *Metrics) RecordNarrowingViolation() {
	m.narrowing.Inc()
}

// Middleware records request counts and latency. Routes are labelled by
// their chi pattern to keep cardinality low.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.httpRequests.With(labels).Inc()
		m.httpDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}

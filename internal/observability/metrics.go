package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	fallbackTotal   *prometheus.CounterVec
	groupOutcomes   *prometheus.CounterVec
	journalOutcomes *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posledger_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "posledger_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	fallback := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posledger_refdata_fallback_total",
		Help: "Payment-method lookups that substituted the configured default.",
	}, []string{"kind"})
	groups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posledger_aggregation_groups_total",
		Help: "Aggregation group outcomes.",
	}, []string{"outcome"})
	journals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "posledger_journal_partitions_total",
		Help: "Journal generation partition outcomes.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, fallback, groups, journals)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		fallbackTotal:   fallback,
		groupOutcomes:   groups,
		journalOutcomes: journals,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// RecordFallback counts a reference-data fallback substitution.
func (m *Metrics) RecordFallback(kind string) {
	if m == nil {
		return
	}
	m.fallbackTotal.WithLabelValues(kind).Inc()
}

// RecordGroupOutcome counts one aggregation group ending as created, skipped or failed.
func (m *Metrics) RecordGroupOutcome(outcome string) {
	if m == nil {
		return
	}
	m.groupOutcomes.WithLabelValues(outcome).Inc()
}

// RecordJournalOutcome counts a journal generation partition outcome.
func (m *Metrics) RecordJournalOutcome(outcome string) {
	if m == nil {
		return
	}
	m.journalOutcomes.WithLabelValues(outcome).Inc()
}

// Registerer exposes the registry for custom metric registration.
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
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if pattern := ctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

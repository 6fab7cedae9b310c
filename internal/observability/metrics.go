// Package observability exposes Prometheus metrics for the engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	entriesPosted            prometheus.Counter
	entriesVoided            prometheus.Counter
	allocationsCreated       *prometheus.CounterVec
	reconciliationsCompleted prometheus.Counter
	closedPeriodRejections   prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeep_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerkeep_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	entriesPosted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerkeep_journal_entries_posted_total",
		Help: "Journal entries posted.",
	})
	entriesVoided := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerkeep_journal_entries_voided_total",
		Help: "Journal entries voided.",
	})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerkeep_allocations_created_total",
		Help: "Payment allocations created, by side and method.",
	}, []string{"side", "method"})
	reconciliations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerkeep_reconciliations_completed_total",
		Help: "Bank reconciliations completed.",
	})
	closedRejections := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerkeep_closed_period_rejections_total",
		Help: "Writes rejected by the closed-period guard.",
	})
	registry.MustRegister(requests, duration, entriesPosted, entriesVoided, allocations, reconciliations, closedRejections)
	return &Metrics{
		registry:                 registry,
		handler:                  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:            requests,
		requestDuration:          duration,
		entriesPosted:            entriesPosted,
		entriesVoided:            entriesVoided,
		allocationsCreated:       allocations,
		reconciliationsCompleted: reconciliations,
		closedPeriodRejections:   closedRejections,
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

// EntryPosted counts one posted journal entry.
func (m *Metrics) EntryPosted() {
	if m != nil {
		m.entriesPosted.Inc()
	}
}

// EntryVoided counts one voided journal entry.
func (m *Metrics) EntryVoided() {
	if m != nil {
		m.entriesVoided.Inc()
	}
}

// AllocationCreated counts one allocation on the given side ("ar" or "ap").
func (m *Metrics) AllocationCreated(side, method string) {
	if m != nil {
		m.allocationsCreated.WithLabelValues(side, method).Inc()
	}
}

// ReconciliationCompleted counts one completed bank reconciliation.
func (m *Metrics) ReconciliationCompleted() {
	if m != nil {
		m.reconciliationsCompleted.Inc()
	}
}

// ClosedPeriodRejection counts one write blocked by the period guard.
func (m *Metrics) ClosedPeriodRejection() {
	if m != nil {
		m.closedPeriodRejections.Inc()
	}
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
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/stock-ledger/stock"
)

// Metrics collects Prometheus metrics for the HTTP layer and ledger events.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	recorded      *prometheus.CounterVec
	lockConflicts prometheus.Counter
	discrepancies prometheus.Gauge
	audits        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stock_http_request_duration_seconds",
			Help:    "HTTP request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_transactions_recorded_total",
			Help: "Transactions recorded by entry type.",
		}, []string{"entry_type"}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_lock_conflicts_total",
			Help: "Mutations rejected because the product was busy.",
		}),
		discrepancies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stock_audit_discrepancies",
			Help: "Discrepancies found by the latest audit run.",
		}),
		audits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_audit_runs_total",
			Help: "Audit runs by outcome.",
		}, []string{"status"}),
	}
	registry.MustRegister(m.requestsTotal, m.requestDuration, m.recorded, m.lockConflicts, m.discrepancies, m.audits)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per route pattern.
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

func (m *Metrics) ObserveRecord(t stock.EntryType) {
	if m != nil {
		m.recorded.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) ObserveConflict() {
	if m != nil {
		m.lockConflicts.Inc()
	}
}

func (m *Metrics) ObserveAudit(run stock.AuditRun) {
	if m == nil {
		return
	}
	m.audits.WithLabelValues(string(run.Status)).Inc()
	if run.Status != stock.AuditFailed {
		m.discrepancies.Set(float64(len(run.Discrepancies)))
	}
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
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

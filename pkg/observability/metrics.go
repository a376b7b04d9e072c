package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolution metrics
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram
	AnomaliesTotal     *prometheus.CounterVec
	DecisionsTotal     *prometheus.CounterVec

	// Access context cache metrics
	CacheHitsTotal        prometheus.Counter
	CacheMissesTotal      prometheus.Counter
	CacheRefreshesTotal   *prometheus.CounterVec
	CacheInvalidations    *prometheus.CounterVec
	CacheStaleWritesTotal prometheus.Counter

	// Propagation metrics
	JobsSubmittedTotal   *prometheus.CounterVec
	JobsFinishedTotal    *prometheus.CounterVec
	JobDuration          prometheus.Histogram
	TargetAttemptsTotal  *prometheus.CounterVec
	JobsRunning          prometheus.Gauge
	OffersTotal          *prometheus.CounterVec
	UsageIncrementsTotal *prometheus.CounterVec

	WebhookDeliveriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatehouse_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_resolutions_total",
				Help: "Total number of access context resolutions",
			},
			[]string{"outcome"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatehouse_resolution_duration_seconds",
				Help:    "Access context resolution duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		AnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_anomalies_total",
				Help: "Data anomalies worked around during resolution",
			},
			[]string{"kind"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_decisions_total",
				Help: "Feature and preset decisions by reason",
			},
			[]string{"kind", "reason"},
		),

		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_hits_total",
				Help: "Access context cache hits with matching stamps",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_misses_total",
				Help: "Access context cache misses",
			},
		),
		CacheRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_refreshes_total",
				Help: "Cached contexts re-resolved, by cause",
			},
			[]string{"cause"},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_invalidations_total",
				Help: "Explicit cache invalidations by scope",
			},
			[]string{"scope"},
		),
		CacheStaleWritesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatehouse_cache_stale_writes_total",
				Help: "Cache writes rejected because a newer entry was present",
			},
		),

		JobsSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_propagation_jobs_submitted_total",
				Help: "Propagation jobs submitted by scope",
			},
			[]string{"scope", "dry_run"},
		),
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_propagation_jobs_finished_total",
				Help: "Propagation jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatehouse_propagation_job_duration_seconds",
				Help:    "Propagation job duration from submission to terminal status",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		TargetAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_propagation_target_attempts_total",
				Help: "Per-target mutation attempts by outcome",
			},
			[]string{"outcome"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatehouse_propagation_jobs_running",
				Help: "Propagation jobs currently in flight",
			},
		),
		OffersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_peer_offers_total",
				Help: "Peer sharing offer transitions",
			},
			[]string{"status"},
		),
		UsageIncrementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_usage_increments_total",
				Help: "Usage counter increments by resource",
			},
			[]string{"resource"},
		),

		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatehouse_webhook_deliveries_total",
				Help: "Webhook deliveries by final outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.AnomaliesTotal,
		m.DecisionsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheRefreshesTotal,
		m.CacheInvalidations,
		m.CacheStaleWritesTotal,
		m.JobsSubmittedTotal,
		m.JobsFinishedTotal,
		m.JobDuration,
		m.TargetAttemptsTotal,
		m.JobsRunning,
		m.OffersTotal,
		m.UsageIncrementsTotal,
		m.WebhookDeliveriesTotal,
	)

	return m
}

// RecordResolution records one resolution attempt
func (m *Metrics) RecordResolution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
	m.ResolutionDuration.Observe(d.Seconds())
}

// RecordAnomaly counts a data anomaly
func (m *Metrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(kind).Inc()
}

// RecordDecision counts a feature or preset decision
func (m *Metrics) RecordDecision(kind, reason string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(kind, reason).Inc()
}

// RecordCacheHit counts a fresh cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss counts a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// RecordCacheRefresh counts a re-resolution of a cached entry
func (m *Metrics) RecordCacheRefresh(cause string) {
	if m == nil {
		return
	}
	m.CacheRefreshesTotal.WithLabelValues(cause).Inc()
}

// RecordInvalidation counts an explicit invalidation
func (m *Metrics) RecordInvalidation(scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(scope).Inc()
}

// RecordStaleWrite counts a rejected cache write
func (m *Metrics) RecordStaleWrite() {
	if m == nil {
		return
	}
	m.CacheStaleWritesTotal.Inc()
}

// RecordJobSubmitted counts a submitted propagation job
func (m *Metrics) RecordJobSubmitted(scope string, dryRun bool) {
	if m == nil {
		return
	}
	m.JobsSubmittedTotal.WithLabelValues(scope, strconv.FormatBool(dryRun)).Inc()
	m.JobsRunning.Inc()
}

// RecordJobFinished counts a propagation job reaching a terminal status
func (m *Metrics) RecordJobFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinishedTotal.WithLabelValues(status).Inc()
	m.JobDuration.Observe(d.Seconds())
	m.JobsRunning.Dec()
}

// RecordTargetAttempt counts one per-target mutation attempt
func (m *Metrics) RecordTargetAttempt(outcome string) {
	if m == nil {
		return
	}
	m.TargetAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordOffer counts a peer offer transition
func (m *Metrics) RecordOffer(status string) {
	if m == nil {
		return
	}
	m.OffersTotal.WithLabelValues(status).Inc()
}

// RecordUsageIncrement counts a usage increment
func (m *Metrics) RecordUsageIncrement(resource string) {
	if m == nil {
		return
	}
	m.UsageIncrementsTotal.WithLabelValues(resource).Inc()
}

// RecordWebhookDelivery counts a finished webhook delivery
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests, labelling them by route
// template rather than raw path to keep cardinality bounded
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

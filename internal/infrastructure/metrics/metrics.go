package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"3tcapital/ms_nfse_emissor/internal/core/queue"
)

const namespace = "nfse"

// Metrics holds every collector of the service on its own registry.
// It satisfies the emission and queue services' Metrics interfaces.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	emissions        *prometheus.CounterVec
	emissionDuration *prometheus.HistogramVec

	queueItems    *prometheus.CounterVec
	queueDuration *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	queueOldest   prometheus.Gauge

	breakerState    prometheus.Gauge
	certificateDays prometheus.Gauge
	scheduledRuns   *prometheus.CounterVec
}

// New creates the collectors and registers them, with the process and Go
// runtime collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of HTTP requests being served.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed, labeled by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "route"}),
		emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emission",
			Name:      "total",
			Help:      "Emission attempts, labeled by outcome (success or error code).",
		}, []string{"outcome"}),
		emissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "emission",
			Name:      "duration_seconds",
			Help:      "Duration of emission attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"outcome"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items_processed_total",
			Help:      "Queue items processed, labeled by outcome.",
		}, []string{"outcome"}),
		queueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "item_duration_seconds",
			Help:      "Duration of queue item processing.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Queue items by state at the last drain.",
		}, []string{"state"}),
		queueOldest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "oldest_pending_age_seconds",
			Help:      "Age of the oldest pending item, 0 when the queue is empty.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sefin",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state of the national API client (0 closed, 1 open, 2 half-open).",
		}),
		certificateDays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "certificate",
			Name:      "days_until_expiry",
			Help:      "Days until the active certificate expires.",
		}),
		scheduledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job runs, labeled by job and result.",
		}, []string{"job", "result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.emissions,
		m.emissionDuration,
		m.queueItems,
		m.queueDuration,
		m.queueDepth,
		m.queueOldest,
		m.breakerState,
		m.certificateDays,
		m.scheduledRuns,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEmission records one emission attempt.
func (m *Metrics) ObserveEmission(outcome string, elapsed time.Duration) {
	m.emissions.WithLabelValues(outcome).Inc()
	m.emissionDuration.WithLabelValues(outcome).Observe(seconds(elapsed))
}

// ObserveQueueItem records one processed queue item.
func (m *Metrics) ObserveQueueItem(outcome string, elapsed time.Duration) {
	m.queueItems.WithLabelValues(outcome).Inc()
	m.queueDuration.WithLabelValues(outcome).Observe(seconds(elapsed))
}

// SetQueueDepth publishes a queue snapshot.
func (m *Metrics) SetQueueDepth(stats queue.Stats) {
	m.queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	m.queueDepth.WithLabelValues("due").Set(float64(stats.Due))
	m.queueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	m.queueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
	m.queueDepth.WithLabelValues("stuck").Set(float64(stats.Stuck))
	m.queueDepth.WithLabelValues("exhausted").Set(float64(stats.Exhausted))

	if stats.OldestPendingAt == nil {
		m.queueOldest.Set(0)
		return
	}
	m.queueOldest.Set(time.Since(*stats.OldestPendingAt).Seconds())
}

// SetBreakerState publishes the circuit breaker state code.
func (m *Metrics) SetBreakerState(state int) {
	m.breakerState.Set(float64(state))
}

// SetCertificateExpiry publishes the remaining validity of the active certificate.
func (m *Metrics) SetCertificateExpiry(notAfter time.Time) {
	m.certificateDays.Set(time.Until(notAfter).Hours() / 24)
}

// ObserveScheduledRun records one cron job run.
func (m *Metrics) ObserveScheduledRun(job string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.scheduledRuns.WithLabelValues(job, result).Inc()
}

// Middleware records HTTP metrics labeled by the chi route pattern, so
// path parameters do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)

		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

func seconds(d time.Duration) float64 {
	if d <= 0 {
		d = time.Millisecond
	}
	return d.Seconds()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

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

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	commandDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Lifecycle metrics
	EntitiesCreatedTotal *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	NotesTotal           *prometheus.CounterVec
	FieldUpdatesTotal    *prometheus.CounterVec
	CommandsTotal        *prometheus.CounterVec
	CommandDuration      *prometheus.HistogramVec

	// Supporting components
	NotificationsTotal    *prometheus.CounterVec
	IdempotencyReplays    prometheus.Counter
	LifecycleDefinitions  prometheus.Gauge
	LifecycleReloadsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hireflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hireflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hireflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		EntitiesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_entities_created_total",
			Help: "Total entities created.",
		}, []string{"entity_type"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_transitions_total",
			Help: "Total successful status transitions.",
		}, []string{"entity_type", "from", "to"}),
		NotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_notes_total",
			Help: "Total notes recorded.",
		}, []string{"entity_type"}),
		FieldUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_field_updates_total",
			Help: "Total field updates without a status change.",
		}, []string{"entity_type"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_commands_total",
			Help: "Total engine commands by outcome.",
		}, []string{"operation", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hireflow_command_duration_seconds",
			Help:    "Engine command duration in seconds.",
			Buckets: commandDurationBuckets,
		}, []string{"operation"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_notifications_total",
			Help: "Total notification delivery attempts by outcome.",
		}, []string{"template", "outcome"}),
		IdempotencyReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hireflow_idempotency_replays_total",
			Help: "Total commands answered from the idempotency store.",
		}),
		LifecycleDefinitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hireflow_lifecycle_definitions",
			Help: "Number of lifecycle graphs currently loaded.",
		}),
		LifecycleReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hireflow_lifecycle_reloads_total",
			Help: "Total lifecycle definition reloads by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.EntitiesCreatedTotal,
		m.TransitionsTotal,
		m.NotesTotal,
		m.FieldUpdatesTotal,
		m.CommandsTotal,
		m.CommandDuration,
		m.NotificationsTotal,
		m.IdempotencyReplays,
		m.LifecycleDefinitions,
		m.LifecycleReloadsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordEntityCreated counts a new entity.
func (m *Metrics) RecordEntityCreated(entityType string) {
	m.EntitiesCreatedTotal.WithLabelValues(entityType).Inc()
}

// RecordTransition counts a committed status transition.
func (m *Metrics) RecordTransition(entityType, from, to string) {
	m.TransitionsTotal.WithLabelValues(entityType, from, to).Inc()
}

// RecordNote counts a recorded note.
func (m *Metrics) RecordNote(entityType string) {
	m.NotesTotal.WithLabelValues(entityType).Inc()
}

// RecordFieldUpdate counts a field update.
func (m *Metrics) RecordFieldUpdate(entityType string) {
	m.FieldUpdatesTotal.WithLabelValues(entityType).Inc()
}

// RecordCommand records an engine command outcome and its duration.
// Outcome is "ok" or the error code.
func (m *Metrics) RecordCommand(operation, outcome string, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(operation, outcome).Inc()
	m.CommandDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordNotification records a delivery attempt. It matches
// notify.ResultFunc.
func (m *Metrics) RecordNotification(template string, err error) {
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.NotificationsTotal.WithLabelValues(template, outcome).Inc()
}

// RecordIdempotencyReplay counts a response served from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay() {
	m.IdempotencyReplays.Inc()
}

// RecordLifecycleReload records a reload attempt and the resulting count.
func (m *Metrics) RecordLifecycleReload(outcome string, loaded int) {
	m.LifecycleReloadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.LifecycleDefinitions.Set(float64(loaded))
	}
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern rather than the raw path to bound label cardinality.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// unmatchedRoute is the path label for requests that matched no route.
const unmatchedRoute = "unmatched"

// routePattern extracts chi's route pattern from the request context.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	pattern := strings.TrimSuffix(rctx.RoutePattern(), "/*")
	if pattern == "" {
		return unmatchedRoute
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

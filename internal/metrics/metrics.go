package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_server_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_requests_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status_code"},
	)

	// Rate limiting metrics
	rateLimitDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_dropped_total",
			Help: "Total number of attempts dropped due to rate limiting",
		},
		[]string{"scope"}, // signin, signup, reset
	)

	rateLimitErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_backend_errors_total",
			Help: "Rate limiter backend failures that were allowed through",
		},
	)

	// Idempotency metrics
	idempotencyHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_hits_total",
			Help: "Total number of idempotency hits",
		},
		[]string{"type"}, // hit, miss, conflict
	)

	// Auth metrics
	authOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_operations_total",
			Help: "Total number of auth service operations",
		},
		[]string{"operation", "outcome"}, // outcome is "ok" or an error code
	)

	// State store metrics
	stateMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_mutations_total",
			Help: "Total number of application state mutations",
		},
		[]string{"operation", "outcome"},
	)

	casesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "state_cases",
			Help: "Number of cases currently held by the state store",
		},
	)

	// Persistent store metrics
	kvOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvstore_operations_total",
			Help: "Total number of persistent store operations",
		},
		[]string{"backend", "operation", "status"}, // get/set/remove, success/failure
	)

	kvOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvstore_operation_duration_seconds",
			Help:    "Persistent store operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"backend", "operation"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// Notification metrics
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of outbound notifications",
		},
		[]string{"channel", "status"},
	)

	// Media metrics
	mediaUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_uploads_total",
			Help: "Total number of case image uploads",
		},
		[]string{"content_type", "status"},
	)

	registerOnce sync.Once
)

// Init initializes the metrics
func Init() error {
	registerOnce.Do(func() {
		// Register metrics
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			rateLimitDroppedTotal,
			rateLimitErrorsTotal,
			idempotencyHitsTotal,
			authOperationsTotal,
			stateMutationsTotal,
			casesGauge,
			kvOperationsTotal,
			kvOperationDuration,
			breakerState,
			notificationsTotal,
			mediaUploadsTotal,
		)
	})

	return nil
}

// HTTPMetricsMiddleware records HTTP metrics
func HTTPMetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		// Record metrics
		duration := time.Since(start).Seconds()
		method := c.Method()
		route := c.Route().Path
		if route == "" {
			route = c.Path()
		}
		statusCode := strconv.Itoa(c.Response().StatusCode())

		httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
		httpRequestDuration.WithLabelValues(method, route, statusCode).Observe(duration)

		return err
	}
}

// RecordRateLimitDrop records rate limit drops
func RecordRateLimitDrop(scope string) {
	rateLimitDroppedTotal.WithLabelValues(scope).Inc()
}

// RecordRateLimitError records a limiter backend failure
func RecordRateLimitError() {
	rateLimitErrorsTotal.Inc()
}

// RecordIdempotencyHit records idempotency cache hits/misses
func RecordIdempotencyHit(hitType string) {
	idempotencyHitsTotal.WithLabelValues(hitType).Inc()
}

// RecordAuthOperation records an auth service outcome
func RecordAuthOperation(operation, outcome string) {
	authOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordStateMutation records a state store mutation outcome
func RecordStateMutation(operation, outcome string) {
	stateMutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// SetCaseCount publishes the current number of cases
func SetCaseCount(n int) {
	casesGauge.Set(float64(n))
}

// RecordStoreOperation records persistent store operations
func RecordStoreOperation(backend, operation, status string, duration time.Duration) {
	kvOperationsTotal.WithLabelValues(backend, operation, status).Inc()
	kvOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// SetBreakerState publishes a circuit breaker transition
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// RecordNotification records an outbound notification
func RecordNotification(channel, status string) {
	notificationsTotal.WithLabelValues(channel, status).Inc()
}

// RecordMediaUpload records a case image upload
func RecordMediaUpload(contentType, status string) {
	mediaUploadsTotal.WithLabelValues(contentType, status).Inc()
}

// PrometheusHandler returns the Prometheus metrics handler
func PrometheusHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

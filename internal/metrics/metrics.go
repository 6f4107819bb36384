package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Object storage operations (put, delete)
	ObjectOps *prometheus.CounterVec

	// Notification topic operations (create_topic, subscribe, publish, ...)
	TopicOps        *prometheus.CounterVec
	TopicOpDuration *prometheus.HistogramVec

	// Domain event publishing metrics
	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	// Saga journal metrics
	SagaStepTotal *prometheus.CounterVec
	SagaOpTotal   *prometheus.CounterVec

	// Subscription pair lock contention
	LockContention prometheus.Counter

	// Schema validation metrics
	SchemaValidationTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// Get returns the process-wide metrics, creating and registering them on first use.
func Get() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ObjectOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "object_store_operations_total",
			Help: "Total number of object storage operations",
		}, []string{"operation", "status"}),

		TopicOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_topic_operations_total",
			Help: "Total number of notification topic service calls",
		}, []string{"operation", "status"}),

		TopicOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_topic_operation_duration_seconds",
			Help:    "Notification topic service call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		EventPublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "event_publish_duration_seconds",
			Help:    "Event publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type", "status"}),

		SagaStepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_steps_total",
			Help: "Total number of recorded saga steps",
		}, []string{"operation", "step", "status"}),

		SagaOpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_operations_total",
			Help: "Total number of finished saga operations",
		}, []string{"operation", "status"}),

		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subscription_lock_contention_total",
			Help: "Subscription requests rejected because the user/series pair was busy",
		}),

		SchemaValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_validation_total",
			Help: "Total number of schema validation operations",
		}, []string{"schema", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ObjectOps)
	registerOrGet(m.TopicOps)
	registerOrGet(m.TopicOpDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.EventPublishDuration)
	registerOrGet(m.SagaStepTotal)
	registerOrGet(m.SagaOpTotal)
	registerOrGet(m.LockContention)
	registerOrGet(m.SchemaValidationTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

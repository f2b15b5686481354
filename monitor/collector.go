// Package monitor exports bus metrics to Prometheus and serves them next to
// the health endpoints.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rentalhub/rentbus-go/interceptors"
	"github.com/rentalhub/rentbus-go/internal/rabbitmq"
	"github.com/rentalhub/rentbus-go/internal/reliability"
	"github.com/rentalhub/rentbus-go/messaging"
)

const namespace = "rentbus"

var (
	_ messaging.MetricsCollector       = (*PrometheusCollector)(nil)
	_ interceptors.MetricsCollector    = (*PrometheusCollector)(nil)
	_ rabbitmq.ConnectionStateListener = (*PrometheusCollector)(nil)
	_ reliability.StateChangeListener  = (*PrometheusCollector)(nil)
)

// CollectorOption configures the PrometheusCollector
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	defaultCollectors bool
	buckets           []float64
}

// WithDefaultCollectors registers the Go runtime and process collectors
func WithDefaultCollectors() CollectorOption {
	return func(c *collectorConfig) {
		c.defaultCollectors = true
	}
}

// WithBuckets sets the histogram buckets, in seconds
func WithBuckets(buckets []float64) CollectorOption {
	return func(c *collectorConfig) {
		c.buckets = buckets
	}
}

// PrometheusCollector records bus metrics in its own registry. Every series
// carries a service label.
type PrometheusCollector struct {
	registry *prometheus.Registry

	published       *prometheus.CounterVec
	publishErrors   *prometheus.CounterVec
	consumed        *prometheus.CounterVec
	processing      *prometheus.HistogramVec
	redelivered     *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	handled         *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec
	connectionState prometheus.Gauge
	reconnects      prometheus.Counter
	circuitState    *prometheus.GaugeVec
}

// NewPrometheusCollector creates a collector labelled with serviceName
func NewPrometheusCollector(serviceName string, options ...CollectorOption) *PrometheusCollector {
	cfg := collectorConfig{buckets: prometheus.DefBuckets}
	for _, opt := range options {
		opt(&cfg)
	}

	c := &PrometheusCollector{
		registry: prometheus.NewRegistry(),

		published: counterVec("messages_published_total",
			"Messages published, by destination queue or exchange and message type.",
			"destination", "kind"),
		publishErrors: counterVec("publish_errors_total",
			"Publishes that failed, by destination.",
			"destination"),
		consumed: counterVec("messages_consumed_total",
			"Messages consumed, by queue and outcome.",
			"queue", "outcome"),
		processing: histogramVec("message_processing_seconds",
			"Time from delivery to settlement.",
			cfg.buckets, "queue"),
		redelivered: counterVec("messages_redelivered_total",
			"Failed messages republished for another attempt.",
			"queue"),
		deadLettered: counterVec("messages_dead_lettered_total",
			"Messages moved to a dead-letter queue, by reason.",
			"queue", "reason"),
		requests: counterVec("requests_total",
			"Synchronous requests, by queue and outcome.",
			"queue", "outcome"),
		requestDuration: histogramVec("request_duration_seconds",
			"Synchronous request round trip time.",
			cfg.buckets, "queue"),
		handled: counterVec("handler_messages_total",
			"Messages seen by handlers, by message type.",
			"type"),
		handlerDuration: histogramVec("handler_duration_seconds",
			"Handler run time, by message type.",
			cfg.buckets, "type"),
		handlerErrors: counterVec("handler_errors_total",
			"Handler failures, by message type and error type.",
			"type", "error_type"),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 while the broker connection is up.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Broker reconnect attempts.",
		}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
	}

	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, c.registry)
	wrapped.MustRegister(
		c.published, c.publishErrors,
		c.consumed, c.processing,
		c.redelivered, c.deadLettered,
		c.requests, c.requestDuration,
		c.handled, c.handlerDuration, c.handlerErrors,
		c.connectionState, c.reconnects, c.circuitState,
	)
	if cfg.defaultCollectors {
		wrapped.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return c
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// Registry returns the collector's registry
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(destination, kind string, err error) {
	if err != nil {
		c.publishErrors.WithLabelValues(destination).Inc()
		return
	}
	c.published.WithLabelValues(destination, kind).Inc()
}

// RecordConsume implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordConsume(queue, outcome string, duration time.Duration) {
	c.consumed.WithLabelValues(queue, outcome).Inc()
	c.processing.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordRequest implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRequest(queue, outcome string, duration time.Duration) {
	c.requests.WithLabelValues(queue, outcome).Inc()
	c.requestDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordRedelivery implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRedelivery(queue string) {
	c.redelivered.WithLabelValues(queue).Inc()
}

// RecordDeadLetter implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDeadLetter(queue, reason string) {
	c.deadLettered.WithLabelValues(queue, reason).Inc()
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementMessageCount(messageType string) {
	c.handled.WithLabelValues(messageType).Inc()
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *PrometheusCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.handlerDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementErrorCount(messageType string, errorType string) {
	c.handlerErrors.WithLabelValues(messageType, errorType).Inc()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *PrometheusCollector) OnConnected() {
	c.connectionState.Set(1)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *PrometheusCollector) OnDisconnected(err error) {
	c.connectionState.Set(0)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *PrometheusCollector) OnReconnecting(attempt int) {
	c.reconnects.Inc()
}

// OnStateChange implements reliability.StateChangeListener
func (c *PrometheusCollector) OnStateChange(name string, from, to reliability.State, reason string) {
	c.circuitState.WithLabelValues(name).Set(float64(to))
}

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the call service
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Metrics
	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsDuration *prometheus.HistogramVec

	// Signal Metrics
	signalsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) prometheus.Collector {
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{registry: registry}

	m.httpRequestsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{"method", "endpoint", "status"},
	)).(*prometheus.CounterVec)

	m.httpRequestDuration = factory(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency in seconds",
			ConstLabels: prometheus.Labels{"service": serviceName},
			Buckets:     prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)).(*prometheus.HistogramVec)

	m.httpRequestsInFlight = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being processed",
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
	)).(prometheus.Gauge)

	m.websocketConnections = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "websocket_connections",
			Help:        "Number of open signal stream connections",
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
	)).(prometheus.Gauge)

	m.websocketMessagesTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "websocket_messages_total",
			Help:        "Total number of messages pushed over signal streams",
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{"direction"},
	)).(*prometheus.CounterVec)

	m.callsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "calls_total",
			Help:        "Total number of calls started",
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{"type"},
	)).(*prometheus.CounterVec)

	m.callsActive = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "calls_active",
			Help:        "Number of calls currently not ended",
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
	)).(prometheus.Gauge)

	m.callsDuration = factory(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "calls_duration_seconds",
			Help:        "Duration of ended calls in seconds",
			ConstLabels: prometheus.Labels{"service": serviceName},
			Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"type"},
	)).(*prometheus.HistogramVec)

	m.signalsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "signals_total",
			Help:        "Total number of signaling messages appended",
			ConstLabels: prometheus.Labels{"service": serviceName},
		},
		[]string{"type"},
	)).(*prometheus.CounterVec)

	return m
}

// GetRegistry returns the metrics registry for the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordWebSocketConnection tracks signal stream connect/disconnect
func (m *Metrics) RecordWebSocketConnection(delta int) {
	m.websocketConnections.Add(float64(delta))
}

// RecordWebSocketMessage records a message pushed to or read from a stream
func (m *Metrics) RecordWebSocketMessage(direction string) {
	m.websocketMessagesTotal.WithLabelValues(direction).Inc()
}

// RecordCallStarted records a new call
func (m *Metrics) RecordCallStarted(callType string) {
	m.callsTotal.WithLabelValues(callType).Inc()
	m.callsActive.Inc()
}

// RecordCallEnded records a call reaching its terminal status
func (m *Metrics) RecordCallEnded(callType string, duration time.Duration) {
	m.callsActive.Dec()
	m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// RecordSignal records an appended signaling message
func (m *Metrics) RecordSignal(signalType string) {
	m.signalsTotal.WithLabelValues(signalType).Inc()
}

// Oscrelay - Real-time OSC and WebSocket Message Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/oscrelay

// Package metrics holds the Prometheus collectors of the relay. Collectors
// register with the default registry through promauto and are exposed on
// /metrics by the HTTP service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing Metrics
	MessagesRouted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oscrelay_messages_routed_total",
			Help: "Total number of messages accepted by the address router",
		},
	)

	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oscrelay_deliveries_total",
			Help: "Total number of per-subscriber deliveries issued during fan-out",
		},
	)

	DeliveryErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oscrelay_delivery_errors_total",
			Help: "Total number of per-subscriber deliveries that failed",
		},
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oscrelay_protocol_errors_total",
			Help: "Total number of client protocol errors reported back to connections",
		},
		[]string{"namespace"},
	)

	// Connection Metrics
	OpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oscrelay_open_connections",
			Help: "Current number of open logical connections",
		},
		[]string{"namespace"},
	)

	IdentityConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oscrelay_identity_conflicts_total",
			Help: "Total number of open attempts rejected because the identity was already open",
		},
		[]string{"namespace"},
	)

	// Transport Metrics
	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oscrelay_transport_errors_total",
			Help: "Total number of transport-level errors",
		},
		[]string{"transport", "kind"}, // transport: udp, tcp, websocket
	)

	OpenSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oscrelay_websocket_open_sockets",
			Help: "Current number of open physical WebSocket sockets",
		},
	)

	RejectedSockets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oscrelay_websocket_rejected_sockets_total",
			Help: "Total number of sockets refused because the server was full",
		},
	)

	BlobBytesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oscrelay_blob_bytes_total",
			Help: "Total number of bytes written to blob relay streams",
		},
		[]string{"direction"}, // out: server to relay, in: relay to server
	)

	// Persistence Metrics
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oscrelay_store_operation_duration_seconds",
			Help:    "Duration of persistence store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oscrelay_store_errors_total",
			Help: "Total number of failed persistence store operations",
		},
		[]string{"operation"},
	)

	FlushFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oscrelay_flush_failures_total",
			Help: "Total number of periodic manager flushes that failed",
		},
	)

	QueuedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oscrelay_queued_events",
			Help: "Current number of connection events waiting for the next flush",
		},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oscrelay_dropped_events_total",
			Help: "Total number of connection events dropped because the queue was full",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oscrelay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oscrelay_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breakers by result",
		},
		[]string{"name", "result"}, // result: success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oscrelay_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// HTTP Metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oscrelay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "oscrelay_http_active_requests",
			Help: "Current number of HTTP requests being served",
		},
	)
)

// RecordStoreOperation records the duration and outcome of a store call.
func RecordStoreOperation(operation string, duration time.Duration, err error) {
	StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		StoreErrors.WithLabelValues(operation).Inc()
	}
}

// RecordTransportError counts a transport error of the given kind.
func RecordTransportError(transport, kind string) {
	TransportErrors.WithLabelValues(transport, kind).Inc()
}

// RecordHTTPRequest observes one finished HTTP request. route is the
// matched route pattern, never the raw path.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

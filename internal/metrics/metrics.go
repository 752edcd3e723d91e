// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// WebhookEvents counts inbound gateway events by type and outcome.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_events_total",
			Help: "Inbound gateway webhook events",
		},
		[]string{"event", "outcome"},
	)

	// MessagesIngested counts messages stored by the ingestion pipeline.
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_ingested_total",
			Help: "Messages processed by the ingestion pipeline",
		},
		[]string{"direction", "result"},
	)

	// MessagesSent counts outbound send attempts.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Outbound send attempts",
		},
		[]string{"result"},
	)

	// GatewayRequestDuration tracks calls to the messaging gateway.
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_gateway_request_duration_seconds",
			Help:    "Gateway API request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "status"},
	)

	// BackgroundTasks counts side-effect tasks by name and outcome.
	BackgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_background_tasks_total",
			Help: "Background side-effect tasks",
		},
		[]string{"task", "outcome"},
	)

	// IdentityMappings counts committed @lid resolutions.
	IdentityMappings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_identity_mappings_committed_total",
			Help: "Anonymized id mappings committed",
		},
	)

	// EventsDropped counts fan-out deliveries dropped on full subscriber buffers.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Fan-out events dropped on full buffers",
		},
		[]string{"event"},
	)

	// WebsocketClients tracks connected websocket clients.
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)

	// ActiveConversations tracks conversations a client currently has open.
	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_conversations",
			Help: "Conversations open in at least one client",
		},
	)
)

// RecordRequest records an HTTP request metric.
func RecordRequest(method, route string, status int, durationSec float64) {
	RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(durationSec)
}

// RecordGateway records a gateway call. status is the HTTP status or "error".
func RecordGateway(operation, status string, durationSec float64) {
	GatewayRequestDuration.WithLabelValues(operation, status).Observe(durationSec)
}

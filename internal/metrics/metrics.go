// Package metrics defines the Prometheus instruments exported at /metrics.
//
// Storage:
//   - telemetry_events_appended_total{kind,outcome}
//   - telemetry_partitions_ensured_total{outcome}
//   - db_health_status (1 healthy or recovered, 0 unhealthy)
//
// Alerts:
//   - alerts_created_total{type,severity}
//   - alerts_suppressed_total{type}
//
// Broadcast:
//   - hub_sessions_active
//   - hub_messages_delivered_total
//   - hub_subscribers_dropped_total
//
// Cache:
//   - latest_cache_requests_total{result}
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TelemetryAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_events_appended_total",
			Help: "Telemetry append attempts by event kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	PartitionsEnsured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_partitions_ensured_total",
			Help: "Partition ensure results by outcome (created, exists, failed)",
		},
		[]string{"outcome"},
	)

	DBHealth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_health_status",
			Help: "1 when the last Postgres health check succeeded, 0 otherwise",
		},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_created_total",
			Help: "Alerts created by type and severity",
		},
		[]string{"type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Breaches suppressed because an unresolved alert of the same type exists",
		},
		[]string{"type"},
	)

	HubSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_sessions_active",
			Help: "Live sessions registered with the broadcast hub",
		},
	)

	HubDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_messages_delivered_total",
			Help: "Messages enqueued to session outbound buffers",
		},
	)

	HubDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_subscribers_dropped_total",
			Help: "Subscribers removed from a channel because their buffer was full",
		},
	)

	LatestCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "latest_cache_requests_total",
			Help: "Latest-value cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)
)

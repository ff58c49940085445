// Package metrics provides Prometheus instrumentation for aily.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aily_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aily_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Relay metrics.
var (
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aily_messages_ingested_total",
		Help: "Messages appended to the store, by source.",
	}, []string{"source"})

	MessagesDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aily_messages_deduplicated_total",
		Help: "Messages suppressed by the dedup index.",
	})

	PlatformPostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aily_platform_posts_total",
		Help: "Outbound platform posts, by platform and outcome.",
	}, []string{"platform", "outcome"})

	KeystrokesInjected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aily_keystrokes_injected_total",
		Help: "Keystroke injections into multiplexer sessions.",
	})

	SchedulerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aily_scheduler_failures_total",
		Help: "Background scheduler job failures, by job.",
	}, []string{"job"})
)

// Gauges for live state.
var (
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aily_sessions_live",
		Help: "Number of sessions not archived.",
	})

	HostsReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aily_hosts_reachable",
		Help: "Number of SSH hosts with a healthy control channel.",
	})

	PlatformsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aily_platform_connected",
		Help: "Whether the platform gateway is currently connected (0 or 1).",
	}, []string{"platform"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aily_ws_connections_active",
		Help: "Number of active dashboard WebSocket connections.",
	})

	WSEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aily_ws_events_total",
		Help: "Events published on the bus, by kind.",
	}, []string{"type"})
)

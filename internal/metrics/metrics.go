// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package metrics provides Prometheus instrumentation for the fan-out core:
// appliance calls, poll cycles, circuit breaker state, subscriptions and
// frame delivery. Everything is registered via promauto on the default
// registry and exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream (appliance) metrics

	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biostar_requests_total",
			Help: "Total appliance API requests by operation and result",
		},
		[]string{"operation", "result"}, // result: success, failure, rejected
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "biostar_request_duration_seconds",
			Help:    "Duration of appliance API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Session keeper metrics

	SessionRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_refreshes_total",
			Help: "Total session token refreshes by result",
		},
		[]string{"result"}, // result: success, failure
	)

	// Device poller metrics

	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total device poll cycles by result",
		},
		[]string{"device_id", "result"}, // result: success, error, skipped
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total classified events published to the bus",
		},
		[]string{"device_id", "category"},
	)

	EventsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_deduplicated_total",
			Help: "Total events discarded by the poll boundary dedup set",
		},
		[]string{"device_id"},
	)

	WatchedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watched_devices",
			Help: "Number of devices with a live cursor",
		},
	)

	// Fan-out metrics

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_subscriptions",
			Help: "Number of open push subscriptions",
		},
	)

	FramesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_delivered_total",
			Help: "Total frames enqueued to subscriber channels by kind",
		},
		[]string{"kind"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_dropped_total",
			Help: "Total frames shed due to subscriber backpressure",
		},
		[]string{"reason"}, // reason: heartbeat_shed, lagging
	)

	SubscriptionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscriptions_closed_total",
			Help: "Total subscriptions closed by reason",
		},
		[]string{"reason"}, // reason: client_gone, lagging, auth_failed, shutdown
	)
)

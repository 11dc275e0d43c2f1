// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package stream implements the subscription fan-out: long-lived push
// subscriptions joined to one or more devices, bounded per-subscriber
// buffers with a heartbeat-first shed policy, and transport-neutral frames
// that SSE and WebSocket adapters translate to the wire.
package stream

import (
	"time"

	"github.com/centinela-io/centinela/internal/classify"
)

// FrameKind labels a push frame.
type FrameKind string

// Frame kinds visible to subscribers.
const (
	FrameConnection FrameKind = "connection"
	FrameNewEvent   FrameKind = "new_event"
	FrameHeartbeat  FrameKind = "heartbeat"
	FrameError      FrameKind = "error"
	FrameDegraded   FrameKind = "degraded"
)

// Error kinds carried in ErrorPayload.
const (
	ErrorKindLagging    = "lagging"
	ErrorKindAuthFailed = "auth_failed"
	ErrorKindShutdown   = "shutdown"
)

// Frame is one labeled push record. Payload is one of the *Payload types
// below, chosen by Kind.
type Frame struct {
	Kind    FrameKind   `json:"kind"`
	Payload interface{} `json:"payload"`
}

// ConnectionPayload confirms a newly established subscription.
type ConnectionPayload struct {
	SubscriptionID string   `json:"subscription_id"`
	Devices        []string `json:"devices"`
	ConnectedAt    string   `json:"connected_at"`
}

// EventPayload is a normalized event plus the display-formatted local time
// for UI convenience. The embedded event stays UTC; local formatting
// happens only here, at the fan-out boundary.
type EventPayload struct {
	classify.Event
	LocalTime string `json:"local_time"`
}

// HeartbeatPayload keeps the transport open and lets subscribers detect
// staleness. Seq is monotonic per subscription.
type HeartbeatPayload struct {
	Seq uint64 `json:"seq"`
	At  string `json:"at"`
}

// ErrorPayload is the final frame of a subscription closed abnormally.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DegradedPayload reports a device whose poller crossed the consecutive
// error threshold. The subscription stays open.
type DegradedPayload struct {
	DeviceID          string `json:"device_id"`
	Reason            string `json:"reason"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
}

// newEventFrame builds a new_event frame with the boundary-localized time.
func newEventFrame(ev classify.Event, localizer *classify.Localizer) Frame {
	return Frame{
		Kind:    FrameNewEvent,
		Payload: EventPayload{Event: ev, LocalTime: localizer.Clock(ev.OccurredAt)},
	}
}

// rfc3339Now renders the current instant for frame payloads.
func rfc3339Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

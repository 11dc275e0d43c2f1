// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/centinela-io/centinela/internal/metrics"
)

// DefaultBufferSize is the per-subscriber frame buffer when none is
// configured.
const DefaultBufferSize = 256

// Subscription is one viewer's push stream. The hub enqueues frames into a
// bounded channel; a transport adapter drains Frames() to the wire.
type Subscription struct {
	id      string
	devices []string

	// out is the bounded delivery channel. The push mutex serializes
	// producers; the transport adapter is the only consumer.
	out chan Frame

	// lastFrameAt is unix nanos of the last enqueued frame, read by the
	// heartbeat loop.
	lastFrameAt atomic.Int64

	mu           sync.Mutex
	closed       bool
	heartbeatSeq uint64

	// stop terminates the heartbeat loop and signals transport adapters
	// that the subscription is finished.
	stop chan struct{}
}

// newSubscription creates a subscription joined to the given devices.
func newSubscription(devices []string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	s := &Subscription{
		id:      uuid.NewString(),
		devices: devices,
		out:     make(chan Frame, buffer),
		stop:    make(chan struct{}),
	}
	s.lastFrameAt.Store(time.Now().UnixNano())
	return s
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Devices returns the device set this subscription is joined to.
func (s *Subscription) Devices() []string {
	return s.devices
}

// Frames is the delivery channel the transport adapter drains. It is
// closed after the final frame once the subscription ends.
func (s *Subscription) Frames() <-chan Frame {
	return s.out
}

// Done is closed when the subscription has been cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.stop
}

// push enqueues a frame, applying the shed policy on overflow: pending
// heartbeats at the head of the buffer are discarded to make room (they
// carry liveness only), but the moment an event frame would have to be
// dropped the subscriber is declared lagging. Returns false when the
// subscription must be closed as lagging.
func (s *Subscription) push(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	for attempts := 0; attempts <= cap(s.out); attempts++ {
		select {
		case s.out <- f:
			s.lastFrameAt.Store(time.Now().UnixNano())
			metrics.FramesDelivered.WithLabelValues(string(f.Kind)).Inc()
			return true
		default:
		}

		select {
		case old := <-s.out:
			if old.Kind == FrameHeartbeat {
				metrics.FramesDropped.WithLabelValues("heartbeat_shed").Inc()
				continue
			}
			// An event frame reached the head of a full buffer: the
			// consumer is not keeping up and dropping events would break
			// at-most-once accounting the other way. Lagging.
			metrics.FramesDropped.WithLabelValues("lagging").Inc()
			return false
		default:
			// Consumer drained something in between; retry the send.
		}
	}
	return false
}

// pushHeartbeat enqueues a heartbeat with the next sequence number. A full
// buffer silently skips the heartbeat; it would be shed first anyway.
func (s *Subscription) pushHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.heartbeatSeq++
	f := Frame{Kind: FrameHeartbeat, Payload: HeartbeatPayload{Seq: s.heartbeatSeq, At: rfc3339Now()}}
	select {
	case s.out <- f:
		s.lastFrameAt.Store(time.Now().UnixNano())
		metrics.FramesDelivered.WithLabelValues(string(FrameHeartbeat)).Inc()
	default:
	}
}

// finish ends the subscription: pending frames are discarded, the optional
// final frame is enqueued, and the channel is closed so the transport
// drains the final frame and stops. Idempotent.
func (s *Subscription) finish(final *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	// Clear the buffer so the final frame cannot be lost behind a backlog
	// the subscriber was not reading anyway.
	for {
		select {
		case <-s.out:
			continue
		default:
		}
		break
	}

	if final != nil {
		s.out <- *final
		metrics.FramesDelivered.WithLabelValues(string(final.Kind)).Inc()
	}
	close(s.out)
	close(s.stop)
}

// idleFor reports how long ago the last frame was enqueued.
func (s *Subscription) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastFrameAt.Load()))
}

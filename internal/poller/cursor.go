// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package poller

import (
	"context"
	"sync"
	"time"

	"github.com/centinela-io/centinela/internal/cache"
	"github.com/centinela-io/centinela/internal/classify"
)

// cursor is the per-device polling state. The device's polling goroutine is
// its single writer; the registry mutates only subscriber accounting, under
// the cursor mutex.
type cursor struct {
	deviceID string

	mu sync.Mutex

	// initialized is set after the first bounded-window fetch. initWait is
	// non-nil while that fetch is in flight so concurrent attaches share it.
	initialized bool
	initWait    chan struct{}

	// lastSeen is the high-water mark: the maximum occurred_at emitted so
	// far. Monotonically non-decreasing.
	lastSeen time.Time

	// seen holds recently emitted event ids for boundary dedup.
	seen *cache.LRU

	// snapshot is the initialization window, handed to subscribers that
	// attach before the first periodic poll. Cleared after that poll.
	snapshot []classify.Event

	// today is a bounded ring of recently emitted events serving
	// snapshot_today without an upstream round trip. coverageFrom is the
	// instant the ring has been continuously covering; a day snapshot can
	// be served from the ring only when coverage reaches back to the local
	// start of day.
	today        []classify.Event
	coverageFrom time.Time

	subscribers int
	idleSince   time.Time // when subscribers last hit zero

	lastPollAt        time.Time
	interval          time.Duration // current, backoff-adjusted
	consecutiveErrors int
	degradedSent      bool
	lastErr           error

	loopRunning bool
	cancelLoop  context.CancelFunc
}

// snapshotCopy returns the initialization snapshot if the first periodic
// poll has not happened yet. Later subscribers see only freshly polled
// events.
func (c *cursor) snapshotCopy() []classify.Event {
	if c.snapshot == nil {
		return nil
	}
	out := make([]classify.Event, len(c.snapshot))
	copy(out, c.snapshot)
	return out
}

// polledOnceLocked retires the initialization snapshot after the first
// periodic poll; subscribers attaching from now on see only polled events.
// Caller holds c.mu.
func (c *cursor) polledOnceLocked() {
	c.snapshot = nil
}

// advance moves the high-water mark forward, never backward.
func (c *cursor) advance(t time.Time) {
	if t.After(c.lastSeen) {
		c.lastSeen = t
	}
}

// rememberToday appends events to the bounded today ring.
func (c *cursor) rememberToday(events []classify.Event, ringSize int) {
	c.today = append(c.today, events...)
	if overflow := len(c.today) - ringSize; overflow > 0 {
		c.today = append(c.today[:0:0], c.today[overflow:]...)
	}
}

// backfillToday replaces the ring with a full-day query result, keeping
// any ring entries the query had not caught up to yet. Caller holds c.mu.
func (c *cursor) backfillToday(events []classify.Event, coveredFrom time.Time, ringSize int) {
	known := make(map[string]struct{}, len(events))
	for _, ev := range events {
		known[ev.EventID] = struct{}{}
	}
	merged := append([]classify.Event(nil), events...)
	for _, ev := range c.today {
		if _, ok := known[ev.EventID]; !ok {
			merged = append(merged, ev)
		}
	}
	if overflow := len(merged) - ringSize; overflow > 0 {
		merged = merged[overflow:]
	}
	c.today = merged
	if coveredFrom.Before(c.coverageFrom) {
		c.coverageFrom = coveredFrom
	}
}

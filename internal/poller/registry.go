// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/centinela-io/centinela/internal/biostar"
	"github.com/centinela-io/centinela/internal/cache"
	"github.com/centinela-io/centinela/internal/classify"
	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/metrics"
)

// Upstream is the slice of the session facade the pollers consume. Calls
// never see ErrAuthExpired; the session keeper absorbs it.
type Upstream interface {
	SearchEvents(ctx context.Context, q biostar.Query) ([]biostar.RawEvent, error)
}

// Sink receives classified output, in emission order per device.
type Sink interface {
	PublishEvent(deviceID string, ev classify.Event) error
	PublishDegraded(deviceID, reason string, consecutiveErrors int) error
}

// Config holds poller tuning. Zero values take the documented defaults.
type Config struct {
	Interval             time.Duration // base poll interval, default 2s
	ErrorBackoffCap      time.Duration // default 60s
	MaxConsecutiveErrors int           // degraded threshold, default 5
	GracePeriod          time.Duration // subscriber-zero grace, default 10s
	Quiescence           time.Duration // cursor retention after idle, default 5m
	SnapshotWindow       time.Duration // init snapshot lookback, default 5m
	SnapshotLimit        int           // init snapshot cap, default 10
	NewEventsLimit       int           // per-tick cap, default 50
	SeenSetSize          int           // boundary dedup set size, default 32
	TodayRingSize        int           // snapshot_today ring, default 500
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.ErrorBackoffCap <= 0 {
		c.ErrorBackoffCap = time.Minute
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 10 * time.Second
	}
	if c.Quiescence <= 0 {
		c.Quiescence = 5 * time.Minute
	}
	if c.SnapshotWindow <= 0 {
		c.SnapshotWindow = 5 * time.Minute
	}
	if c.SnapshotLimit <= 0 {
		c.SnapshotLimit = 10
	}
	if c.NewEventsLimit <= 0 {
		c.NewEventsLimit = 50
	}
	if c.SeenSetSize <= 0 {
		c.SeenSetSize = 32
	}
	if c.TodayRingSize <= 0 {
		c.TodayRingSize = 500
	}
	return c
}

// skewMargin is added to the upper bound of every poll window so upstream
// clocks running ahead of ours (up to an hour is seen in the field) cannot
// starve event delivery.
const skewMargin = 24 * time.Hour

// janitorInterval is how often idle cursors are checked for expiry.
const janitorInterval = 30 * time.Second

// Registry owns every device cursor and its polling goroutine. It
// implements suture.Service; Serve runs the cursor janitor and anchors the
// lifetime of all polling loops.
type Registry struct {
	upstream  Upstream
	sink      Sink
	localizer *classify.Localizer
	cfg       Config

	// onAuthFailure is invoked once per failure episode, after all polling
	// has stopped. The core wires it to close every subscription.
	onAuthFailure func(error)

	mu      sync.Mutex
	cursors map[string]*cursor
	baseCtx context.Context
}

// NewRegistry creates the poller registry.
func NewRegistry(upstream Upstream, sink Sink, localizer *classify.Localizer, cfg Config) *Registry {
	return &Registry{
		upstream:  upstream,
		sink:      sink,
		localizer: localizer,
		cfg:       cfg.withDefaults(),
		cursors:   make(map[string]*cursor),
	}
}

// SetAuthFailureHandler installs the callback invoked when the appliance
// rejects our credentials outright.
func (r *Registry) SetAuthFailureHandler(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuthFailure = fn
}

// String identifies the registry in supervisor logs.
func (r *Registry) String() string {
	return "poller-registry"
}

// Serve implements suture.Service. It anchors polling goroutines and
// discards cursors that have been idle past the quiescence window.
func (r *Registry) Serve(ctx context.Context) error {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			return ctx.Err()
		case <-ticker.C:
			r.sweepIdle()
		}
	}
}

// Attach joins a subscriber to a device: the cursor is created and
// initialized on first attach, and the initialization snapshot is returned
// for subscribers arriving before the first periodic poll.
func (r *Registry) Attach(ctx context.Context, deviceID string) ([]classify.Event, error) {
	if deviceID == "" {
		return nil, errors.New("poller: empty device id")
	}

	r.mu.Lock()
	cur, ok := r.cursors[deviceID]
	if !ok {
		cur = &cursor{
			deviceID: deviceID,
			seen:     cache.NewLRU(r.cfg.SeenSetSize, 0),
			interval: r.cfg.Interval,
		}
		r.cursors[deviceID] = cur
		metrics.WatchedDevices.Set(float64(len(r.cursors)))
	}
	base := r.baseCtx
	r.mu.Unlock()

	if err := r.ensureInitialized(ctx, cur); err != nil {
		r.releaseUninitialized(cur)
		return nil, err
	}

	cur.mu.Lock()
	cur.subscribers++
	snapshot := cur.snapshotCopy()
	r.ensureLoopLocked(base, cur)
	cur.mu.Unlock()

	logging.Info().Str("device_id", deviceID).Msg("subscriber attached")
	return snapshot, nil
}

// Detach removes one subscriber from a device. The polling loop observes
// the zero count and exits after the grace period; the cursor survives
// until the quiescence window lapses.
func (r *Registry) Detach(deviceID string) {
	r.mu.Lock()
	cur, ok := r.cursors[deviceID]
	r.mu.Unlock()
	if !ok {
		return
	}

	cur.mu.Lock()
	if cur.subscribers > 0 {
		cur.subscribers--
		if cur.subscribers == 0 {
			cur.idleSince = time.Now()
		}
	}
	cur.mu.Unlock()

	logging.Info().Str("device_id", deviceID).Msg("subscriber detached")
}

// SubscriberCount reports the current subscriber count for a device.
func (r *Registry) SubscriberCount(deviceID string) int {
	r.mu.Lock()
	cur, ok := r.cursors[deviceID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return cur.subscribers
}

// SnapshotToday returns today's events for a device. Served from the
// poller's ring when the device is watched and the ring covers the whole
// local day; otherwise a bounded one-shot search. A freshly watched
// device starts with only the init window in its ring, so its first day
// snapshot falls back to the search and backfills the ring for the next
// one.
func (r *Registry) SnapshotToday(ctx context.Context, deviceID string) ([]classify.Event, error) {
	now := time.Now()
	startOfDay := r.localizer.StartOfDay(now)

	r.mu.Lock()
	cur, ok := r.cursors[deviceID]
	r.mu.Unlock()

	if ok {
		cur.mu.Lock()
		covered := cur.initialized && !cur.coverageFrom.After(startOfDay)
		var out []classify.Event
		if covered {
			for _, ev := range cur.today {
				if r.localizer.SameLocalDay(ev.OccurredAt, now) {
					out = append(out, ev)
				}
			}
		}
		cur.mu.Unlock()
		if covered {
			return out, nil
		}
	}

	rows, err := r.upstream.SearchEvents(ctx, r.buildQuery(deviceID, startOfDay, now, r.cfg.TodayRingSize))
	if err != nil {
		return nil, err
	}
	events := make([]classify.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, classify.Classify(row))
	}

	if ok {
		cur.mu.Lock()
		if cur.initialized {
			cur.backfillToday(events, startOfDay, r.cfg.TodayRingSize)
		}
		cur.mu.Unlock()
	}
	return events, nil
}

// ensureInitialized performs the bounded-window initialization fetch at
// most once, sharing an in-flight fetch between concurrent attaches.
func (r *Registry) ensureInitialized(ctx context.Context, cur *cursor) error {
	for {
		cur.mu.Lock()
		if cur.initialized {
			cur.mu.Unlock()
			return nil
		}
		if cur.initWait != nil {
			ch := cur.initWait
			cur.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ch := make(chan struct{})
		cur.initWait = ch
		cur.mu.Unlock()

		err := r.initialize(ctx, cur)

		cur.mu.Lock()
		cur.initWait = nil
		close(ch)
		cur.mu.Unlock()
		return err
	}
}

// initialize fetches the bounded snapshot window and primes the cursor:
// lastSeen becomes the newest occurred_at observed (or now when the window
// is empty) and every snapshot event id is recorded in the dedup set.
func (r *Registry) initialize(ctx context.Context, cur *cursor) error {
	now := time.Now()
	q := r.buildQuery(cur.deviceID, now.Add(-r.cfg.SnapshotWindow), now, r.cfg.SnapshotLimit)

	rows, err := r.upstream.SearchEvents(ctx, q)
	if err != nil {
		if errors.Is(err, biostar.ErrAuthFailed) {
			r.failAll(err)
		}
		return fmt.Errorf("initialize device %s: %w", cur.deviceID, err)
	}

	events := make([]classify.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, classify.Classify(row))
	}

	cur.mu.Lock()
	for _, ev := range events {
		cur.seen.Add(ev.EventID)
		cur.advance(ev.OccurredAt)
	}
	if cur.lastSeen.IsZero() {
		cur.lastSeen = now
	}
	cur.snapshot = events
	cur.rememberToday(events, r.cfg.TodayRingSize)
	cur.coverageFrom = now.Add(-r.cfg.SnapshotWindow)
	cur.initialized = true
	cur.mu.Unlock()

	logging.Info().
		Str("device_id", cur.deviceID).
		Int("snapshot_events", len(events)).
		Msg("device cursor initialized")
	return nil
}

// releaseUninitialized drops a cursor whose initialization failed so the
// next attach retries from scratch.
func (r *Registry) releaseUninitialized(cur *cursor) {
	cur.mu.Lock()
	abandoned := !cur.initialized && cur.subscribers == 0 && !cur.loopRunning
	cur.mu.Unlock()
	if !abandoned {
		return
	}
	r.mu.Lock()
	if existing, ok := r.cursors[cur.deviceID]; ok && existing == cur {
		delete(r.cursors, cur.deviceID)
		metrics.WatchedDevices.Set(float64(len(r.cursors)))
	}
	r.mu.Unlock()
}

// ensureLoopLocked starts the device polling goroutine if it is not
// running. Caller holds cur.mu.
func (r *Registry) ensureLoopLocked(base context.Context, cur *cursor) {
	if cur.loopRunning {
		return
	}
	if base == nil {
		base = context.Background()
	}
	loopCtx, cancel := context.WithCancel(base)
	cur.loopRunning = true
	cur.cancelLoop = cancel
	go r.runLoop(loopCtx, cur)
}

// runLoop drives periodic ticks for one device until cancellation or until
// the device has had no subscribers for the grace period. Ticks for the
// same device never overlap.
func (r *Registry) runLoop(ctx context.Context, cur *cursor) {
	defer func() {
		cur.mu.Lock()
		cur.loopRunning = false
		cur.cancelLoop = nil
		cur.mu.Unlock()
	}()

	for {
		cur.mu.Lock()
		delay := cur.interval
		cur.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		cur.mu.Lock()
		idle := cur.subscribers == 0 && !cur.idleSince.IsZero() &&
			time.Since(cur.idleSince) >= r.cfg.GracePeriod
		cur.mu.Unlock()
		if idle {
			logging.Debug().Str("device_id", cur.deviceID).Msg("poller idle, stopping loop")
			return
		}

		r.tick(ctx, cur)
	}
}

// tick runs one poll cycle for a device: fetch events past the cursor,
// classify, dedup by event id, publish in ascending order, advance the
// cursor.
func (r *Registry) tick(ctx context.Context, cur *cursor) {
	cur.mu.Lock()
	if !cur.initialized {
		cur.mu.Unlock()
		return
	}
	if since := time.Since(cur.lastPollAt); since < cur.interval {
		cur.mu.Unlock()
		metrics.PollCycles.WithLabelValues(cur.deviceID, "skipped").Inc()
		return
	}
	cur.lastPollAt = time.Now()
	from := cur.lastSeen
	cur.mu.Unlock()

	q := r.buildQuery(cur.deviceID, from, time.Now(), r.cfg.NewEventsLimit)
	rows, err := r.upstream.SearchEvents(ctx, q)
	if err != nil {
		r.tickFailed(cur, err)
		return
	}

	fresh := make([]classify.Event, 0, len(rows))
	cur.mu.Lock()
	for _, row := range rows {
		ev := classify.Classify(row)
		if cur.seen.Seen(ev.EventID) {
			metrics.EventsDeduplicated.WithLabelValues(cur.deviceID).Inc()
			continue
		}
		fresh = append(fresh, ev)
		cur.advance(ev.OccurredAt)
	}
	cur.rememberToday(fresh, r.cfg.TodayRingSize)
	cur.polledOnceLocked()
	cur.consecutiveErrors = 0
	cur.degradedSent = false
	cur.lastErr = nil
	cur.interval = r.cfg.Interval
	cur.mu.Unlock()

	for _, ev := range fresh {
		if err := r.sink.PublishEvent(cur.deviceID, ev); err != nil {
			logging.Error().Err(err).Str("device_id", cur.deviceID).Msg("publish failed")
		}
		metrics.EventsPublished.WithLabelValues(cur.deviceID, string(ev.Category)).Inc()
	}
	metrics.PollCycles.WithLabelValues(cur.deviceID, "success").Inc()

	if len(fresh) > 0 {
		logging.Debug().
			Str("device_id", cur.deviceID).
			Int("events", len(fresh)).
			Msg("poll cycle published events")
	}
}

// tickFailed applies backoff and degraded signaling for a failed cycle.
// Credential rejection stops all polling.
func (r *Registry) tickFailed(cur *cursor, err error) {
	metrics.PollCycles.WithLabelValues(cur.deviceID, "error").Inc()

	if errors.Is(err, biostar.ErrAuthFailed) {
		logging.Error().Err(err).Msg("appliance rejected credentials, stopping all polling")
		r.failAll(err)
		return
	}

	cur.mu.Lock()
	cur.consecutiveErrors++
	cur.lastErr = err
	cur.interval = cur.interval * 2
	if cur.interval > r.cfg.ErrorBackoffCap {
		cur.interval = r.cfg.ErrorBackoffCap
	}
	count := cur.consecutiveErrors
	emitDegraded := count >= r.cfg.MaxConsecutiveErrors && !cur.degradedSent
	if emitDegraded {
		cur.degradedSent = true
	}
	interval := cur.interval
	cur.mu.Unlock()

	logging.Warn().
		Err(err).
		Str("device_id", cur.deviceID).
		Int("consecutive_errors", count).
		Dur("backoff", interval).
		Msg("poll cycle failed")

	if emitDegraded {
		if perr := r.sink.PublishDegraded(cur.deviceID, err.Error(), count); perr != nil {
			logging.Error().Err(perr).Str("device_id", cur.deviceID).Msg("degraded publish failed")
		}
	}
}

// buildQuery assembles the ascending event search for one device. The
// window lower bound is inclusive; the dedup set absorbs re-returned
// boundary events. The upper bound runs well past local now so upstream
// clock skew cannot hide events.
func (r *Registry) buildQuery(deviceID string, from, now time.Time, limit int) biostar.Query {
	return biostar.Query{
		Limit: limit,
		Conditions: []biostar.Condition{
			{
				Column:   "device_id.id",
				Operator: biostar.OperatorIn,
				Values:   []interface{}{deviceID},
			},
			{
				Column:   "datetime",
				Operator: biostar.OperatorBetween,
				Values: []interface{}{
					from.UTC().Format(time.RFC3339),
					now.Add(skewMargin).UTC().Format(time.RFC3339),
				},
			},
		},
		Orders: []biostar.Order{{Column: "datetime", Descending: false}},
	}
}

// sweepIdle removes cursors whose quiescence window has lapsed.
func (r *Registry) sweepIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, cur := range r.cursors {
		cur.mu.Lock()
		expired := cur.subscribers == 0 && !cur.loopRunning &&
			!cur.idleSince.IsZero() && time.Since(cur.idleSince) >= r.cfg.Quiescence
		cur.mu.Unlock()
		if expired {
			delete(r.cursors, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.WatchedDevices.Set(float64(len(r.cursors)))
		logging.Debug().Int("cursors_discarded", removed).Msg("quiescent cursors discarded")
	}
}

// stopAll cancels every polling loop. Used on shutdown and on credential
// failure.
func (r *Registry) stopAll() {
	r.mu.Lock()
	cursors := make([]*cursor, 0, len(r.cursors))
	for _, cur := range r.cursors {
		cursors = append(cursors, cur)
	}
	r.mu.Unlock()

	for _, cur := range cursors {
		cur.mu.Lock()
		if cur.cancelLoop != nil {
			cur.cancelLoop()
		}
		cur.mu.Unlock()
	}
}

// failAll stops polling, clears cursors and notifies the core exactly once
// per failure episode.
func (r *Registry) failAll(err error) {
	r.stopAll()

	r.mu.Lock()
	hadCursors := len(r.cursors) > 0
	r.cursors = make(map[string]*cursor)
	fn := r.onAuthFailure
	r.mu.Unlock()
	metrics.WatchedDevices.Set(0)

	if hadCursors && fn != nil {
		fn(err)
	}
}

// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package poller

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/centinela-io/centinela/internal/biostar"
	"github.com/centinela-io/centinela/internal/classify"
	"github.com/centinela-io/centinela/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
	m.Run()
}

// fakeUpstream serves scripted search responses in order and records the
// queries it received.
type fakeUpstream struct {
	mu        sync.Mutex
	responses []searchResponse
	queries   []biostar.Query
}

type searchResponse struct {
	rows []biostar.RawEvent
	err  error
}

func (f *fakeUpstream) SearchEvents(_ context.Context, q biostar.Query) ([]biostar.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if len(f.responses) == 0 {
		return nil, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp.rows, resp.err
}

func (f *fakeUpstream) enqueue(resp searchResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
}

func (f *fakeUpstream) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *fakeUpstream) query(i int) biostar.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[i]
}

// recordingSink captures published events and degraded notices.
type recordingSink struct {
	mu       sync.Mutex
	events   []classify.Event
	degraded []string
}

func (s *recordingSink) PublishEvent(_ string, ev classify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) PublishDegraded(deviceID, _ string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = append(s.degraded, deviceID)
	return nil
}

func (s *recordingSink) eventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		ids = append(ids, ev.EventID)
	}
	return ids
}

func (s *recordingSink) degradedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.degraded)
}

func row(id string, at time.Time, code string) biostar.RawEvent {
	return biostar.RawEvent{
		ID:          json.Number(id),
		Datetime:    at.UTC().Format(time.RFC3339),
		EventTypeID: &biostar.RawEventType{Code: json.Number(code)},
		DeviceID:    &biostar.RawDeviceRef{ID: json.Number("77"), Name: "Main Entrance"},
	}
}

func testRegistry(t *testing.T, upstream Upstream, sink Sink, cfg Config) *Registry {
	t.Helper()
	loc, err := classify.NewLocalizer("UTC")
	if err != nil {
		t.Fatalf("NewLocalizer: %v", err)
	}
	return NewRegistry(upstream, sink, loc, cfg)
}

// quietCfg keeps the automatic loop out of the way so tests drive ticks
// explicitly.
func quietCfg() Config {
	return Config{Interval: time.Hour}
}

// forceTick runs one poll cycle immediately regardless of the interval.
func forceTick(r *Registry, deviceID string) {
	r.mu.Lock()
	cur := r.cursors[deviceID]
	r.mu.Unlock()
	cur.mu.Lock()
	cur.lastPollAt = time.Time{}
	cur.mu.Unlock()
	r.tick(context.Background(), cur)
}

func TestRegistry_AttachInitializesAndReturnsSnapshot(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("1", now.Add(-3*time.Minute), "4097"),
		row("2", now.Add(-1*time.Minute), "4353"),
	}})
	sink := &recordingSink{}
	r := testRegistry(t, upstream, sink, quietCfg())

	snapshot, err := r.Attach(context.Background(), "77")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(snapshot) != 2 {
		t.Fatalf("Expected 2 snapshot events, got %d", len(snapshot))
	}
	if snapshot[0].EventID != "1" || snapshot[1].EventID != "2" {
		t.Errorf("Expected ascending snapshot order, got %v", []string{snapshot[0].EventID, snapshot[1].EventID})
	}

	// The initialization query targets the device with an ascending
	// bounded window.
	q := upstream.query(0)
	if q.Conditions[0].Column != "device_id.id" || q.Conditions[0].Operator != biostar.OperatorIn {
		t.Errorf("Unexpected device condition: %+v", q.Conditions[0])
	}
	if q.Conditions[1].Operator != biostar.OperatorBetween {
		t.Errorf("Expected BETWEEN datetime condition, got %+v", q.Conditions[1])
	}
	if len(q.Orders) != 1 || q.Orders[0].Descending {
		t.Errorf("Expected ascending datetime order, got %+v", q.Orders)
	}

	// Snapshot events were seeded into the dedup set, not published.
	if len(sink.eventIDs()) != 0 {
		t.Errorf("Snapshot events must not be published, got %v", sink.eventIDs())
	}
}

func TestRegistry_SecondAttachSharesInitialization(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{})
	r := testRegistry(t, upstream, &recordingSink{}, quietCfg())

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("First attach: %v", err)
	}
	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Second attach: %v", err)
	}

	if got := upstream.queryCount(); got != 1 {
		t.Errorf("Expected one initialization query, got %d", got)
	}
	if got := r.SubscriberCount("77"); got != 2 {
		t.Errorf("Expected 2 subscribers, got %d", got)
	}
}

func TestRegistry_TickPublishesNewAndDedupsSeen(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("10", now.Add(-time.Minute), "4097"),
	}})
	sink := &recordingSink{}
	r := testRegistry(t, upstream, sink, quietCfg())

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// The poll window is inclusive at the cursor, so the appliance returns
	// the boundary event again along with two new ones.
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("10", now.Add(-time.Minute), "4097"),
		row("11", now, "4097"),
		row("12", now, "4353"),
	}})
	forceTick(r, "77")

	ids := sink.eventIDs()
	if len(ids) != 2 || ids[0] != "11" || ids[1] != "12" {
		t.Fatalf("Expected events 11,12 published once, got %v", ids)
	}

	// A full replay of the same rows publishes nothing.
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("10", now.Add(-time.Minute), "4097"),
		row("11", now, "4097"),
		row("12", now, "4353"),
	}})
	forceTick(r, "77")

	if got := sink.eventIDs(); len(got) != 2 {
		t.Errorf("Expected replay to publish nothing, got %v", got)
	}
}

func TestRegistry_SameSecondBurstAllPublished(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{})
	sink := &recordingSink{}
	r := testRegistry(t, upstream, sink, quietCfg())

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// Three distinct events sharing one timestamp.
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("20", now, "4097"),
		row("21", now, "4097"),
		row("22", now, "4097"),
	}})
	forceTick(r, "77")

	if got := sink.eventIDs(); len(got) != 3 {
		t.Errorf("Expected all 3 same-second events published, got %v", got)
	}
}

func TestRegistry_CursorNeverMovesBackward(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("30", now, "4097"),
	}})
	sink := &recordingSink{}
	r := testRegistry(t, upstream, sink, quietCfg())

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	r.mu.Lock()
	cur := r.cursors["77"]
	r.mu.Unlock()
	cur.mu.Lock()
	mark := cur.lastSeen
	cur.mu.Unlock()
	if !mark.Equal(now) {
		t.Fatalf("Expected cursor at %v, got %v", now, mark)
	}

	// An out-of-order older event is published (new id) but must not move
	// the cursor back.
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("31", now.Add(-time.Hour), "4097"),
	}})
	forceTick(r, "77")

	cur.mu.Lock()
	after := cur.lastSeen
	cur.mu.Unlock()
	if !after.Equal(mark) {
		t.Errorf("Cursor moved backward: %v -> %v", mark, after)
	}
}

func TestRegistry_PollWindowExtendsPastNow(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{})
	r := testRegistry(t, upstream, &recordingSink{}, quietCfg())

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	upstream.enqueue(searchResponse{})
	forceTick(r, "77")

	q := upstream.query(1)
	upper, err := time.Parse(time.RFC3339, q.Conditions[1].Values[1].(string))
	if err != nil {
		t.Fatalf("Parse upper bound: %v", err)
	}
	if upper.Sub(time.Now()) < 23*time.Hour {
		t.Errorf("Expected upper bound well past now for clock skew, got %v", upper)
	}
}

func TestRegistry_BackoffAndDegradedOnce(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{})
	sink := &recordingSink{}
	cfg := quietCfg()
	cfg.MaxConsecutiveErrors = 3
	cfg.ErrorBackoffCap = 4 * time.Hour
	r := testRegistry(t, upstream, sink, cfg)

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	r.mu.Lock()
	cur := r.cursors["77"]
	r.mu.Unlock()

	unreachable := &biostar.APIError{Op: "search_events", Err: biostar.ErrUnreachable}
	for i := 0; i < 4; i++ {
		upstream.enqueue(searchResponse{err: unreachable})
		forceTick(r, "77")
	}

	cur.mu.Lock()
	interval := cur.interval
	errs := cur.consecutiveErrors
	cur.mu.Unlock()

	if errs != 4 {
		t.Errorf("Expected 4 consecutive errors, got %d", errs)
	}
	if interval != 4*time.Hour {
		t.Errorf("Expected interval capped at 4h, got %v", interval)
	}
	if got := sink.degradedCount(); got != 1 {
		t.Errorf("Expected exactly one degraded notice, got %d", got)
	}

	// Recovery resets backoff and re-arms the degraded notice.
	upstream.enqueue(searchResponse{})
	forceTick(r, "77")

	cur.mu.Lock()
	interval = cur.interval
	errs = cur.consecutiveErrors
	cur.mu.Unlock()
	if errs != 0 || interval != cfg.Interval {
		t.Errorf("Expected reset after success, got errors=%d interval=%v", errs, interval)
	}
}

func TestRegistry_AuthFailureStopsEverything(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{})
	sink := &recordingSink{}
	r := testRegistry(t, upstream, sink, quietCfg())

	var handlerCalls int
	var handlerErr error
	r.SetAuthFailureHandler(func(err error) {
		handlerCalls++
		handlerErr = err
	})

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	authErr := &biostar.APIError{Op: "login", Err: biostar.ErrAuthFailed}
	upstream.enqueue(searchResponse{err: authErr})
	forceTick(r, "77")

	if handlerCalls != 1 {
		t.Fatalf("Expected auth failure handler called once, got %d", handlerCalls)
	}
	if !errors.Is(handlerErr, biostar.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed passed to handler, got %v", handlerErr)
	}

	r.mu.Lock()
	remaining := len(r.cursors)
	r.mu.Unlock()
	if remaining != 0 {
		t.Errorf("Expected cursors cleared, got %d", remaining)
	}
}

func TestRegistry_InitializationFailureIsRetriable(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{err: &biostar.APIError{Op: "search_events", Err: biostar.ErrUnreachable}})
	r := testRegistry(t, upstream, &recordingSink{}, quietCfg())

	if _, err := r.Attach(context.Background(), "77"); !errors.Is(err, biostar.ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable, got %v", err)
	}

	// The failed cursor was dropped; the next attach starts clean.
	upstream.enqueue(searchResponse{})
	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Retry attach: %v", err)
	}
}

func TestRegistry_LoopStopsAfterGracePeriod(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{})
	cfg := Config{Interval: 10 * time.Millisecond, GracePeriod: 30 * time.Millisecond}
	r := testRegistry(t, upstream, &recordingSink{}, cfg)

	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	r.mu.Lock()
	cur := r.cursors["77"]
	r.mu.Unlock()

	r.Detach("77")

	deadline := time.Now().Add(2 * time.Second)
	for {
		cur.mu.Lock()
		running := cur.loopRunning
		cur.mu.Unlock()
		if !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected polling loop to stop after grace period")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The cursor itself survives for quick re-attach.
	r.mu.Lock()
	_, ok := r.cursors["77"]
	r.mu.Unlock()
	if !ok {
		t.Error("Expected cursor retained after loop stop")
	}
}

func TestRegistry_SnapshotTodayUnwatchedDoesNotCreateCursor(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	upstream := &fakeUpstream{}
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("40", now.Add(-time.Hour), "4097"),
	}})
	r := testRegistry(t, upstream, &recordingSink{}, quietCfg())

	events, err := r.SnapshotToday(context.Background(), "88")
	if err != nil {
		t.Fatalf("SnapshotToday: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "40" {
		t.Errorf("Expected one-shot result, got %v", events)
	}

	r.mu.Lock()
	_, ok := r.cursors["88"]
	r.mu.Unlock()
	if ok {
		t.Error("SnapshotToday must not create a cursor")
	}
}

// setCoverage pins the ring coverage mark so day-boundary timing cannot
// leak into the assertions.
func setCoverage(t *testing.T, r *Registry, deviceID string, from time.Time) {
	t.Helper()
	r.mu.Lock()
	cur, ok := r.cursors[deviceID]
	r.mu.Unlock()
	if !ok {
		t.Fatalf("No cursor for device %s", deviceID)
	}
	cur.mu.Lock()
	cur.coverageFrom = from
	cur.mu.Unlock()
}

func TestRegistry_SnapshotTodayServedFromRingWhenCovered(t *testing.T) {
	now := time.Now().UTC()
	upstream := &fakeUpstream{}
	r := testRegistry(t, upstream, &recordingSink{}, quietCfg())
	startOfDay := r.localizer.StartOfDay(now)

	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("50", startOfDay.Add(10*time.Hour), "4097"),
	}})
	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	setCoverage(t, r, "77", startOfDay)
	queriesBefore := upstream.queryCount()

	events, err := r.SnapshotToday(context.Background(), "77")
	if err != nil {
		t.Fatalf("SnapshotToday: %v", err)
	}
	if len(events) != 1 || events[0].EventID != "50" {
		t.Errorf("Expected ring-served event 50, got %v", events)
	}
	if upstream.queryCount() != queriesBefore {
		t.Error("Expected no upstream query when the ring covers the day")
	}
}

func TestRegistry_SnapshotTodayFreshWatchFallsBackThenServesRing(t *testing.T) {
	now := time.Now().UTC()
	upstream := &fakeUpstream{}
	r := testRegistry(t, upstream, &recordingSink{}, quietCfg())
	startOfDay := r.localizer.StartOfDay(now)

	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("50", startOfDay.Add(10*time.Hour), "4097"),
	}})
	if _, err := r.Attach(context.Background(), "77"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	setCoverage(t, r, "77", startOfDay.Add(time.Minute))

	// The ring reaches back only through the init window, so the first day
	// snapshot must query the full day.
	upstream.enqueue(searchResponse{rows: []biostar.RawEvent{
		row("10", startOfDay.Add(8*time.Hour), "4097"),
		row("50", startOfDay.Add(10*time.Hour), "4097"),
	}})
	queriesBefore := upstream.queryCount()
	events, err := r.SnapshotToday(context.Background(), "77")
	if err != nil {
		t.Fatalf("SnapshotToday: %v", err)
	}
	if upstream.queryCount() != queriesBefore+1 {
		t.Fatal("Expected full-day fallback query for a freshly watched device")
	}
	if len(events) != 2 || events[0].EventID != "10" || events[1].EventID != "50" {
		t.Fatalf("Expected full-day result [10 50], got %v", events)
	}

	// The fallback backfilled the ring; the next snapshot is served from it
	// without touching the appliance, duplicates collapsed.
	queriesBefore = upstream.queryCount()
	events, err = r.SnapshotToday(context.Background(), "77")
	if err != nil {
		t.Fatalf("SnapshotToday: %v", err)
	}
	if upstream.queryCount() != queriesBefore {
		t.Error("Expected ring-served snapshot after backfill")
	}
	if len(events) != 2 || events[0].EventID != "10" || events[1].EventID != "50" {
		t.Errorf("Expected backfilled ring [10 50], got %v", events)
	}
}

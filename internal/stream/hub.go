// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/centinela-io/centinela/internal/classify"
	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/metrics"
)

// DefaultHeartbeatInterval is the silence threshold before a heartbeat
// frame is emitted.
const DefaultHeartbeatInterval = 16 * time.Second

// heartbeatResolution is how often subscriber idleness is checked.
const heartbeatResolution = time.Second

// Attacher joins subscribers to device pollers. Implemented by the poller
// registry.
type Attacher interface {
	// Attach registers demand for a device and returns the initialization
	// snapshot for early subscribers.
	Attach(ctx context.Context, deviceID string) ([]classify.Event, error)

	// Detach releases one unit of demand for a device.
	Detach(deviceID string)
}

// Config holds fan-out tuning.
type Config struct {
	HeartbeatInterval time.Duration // default 16s
	BufferSize        int           // per-subscriber frames, default 256
}

// Hub manages push subscriptions and fans classified events out to them.
// The registry of subscribers per device is mutated under short critical
// sections; event publication iterates a snapshot of it.
type Hub struct {
	attacher  Attacher
	localizer *classify.Localizer
	cfg       Config

	mu       sync.RWMutex
	byDevice map[string]map[string]*delivery
	subs     map[string]*Subscription
}

// delivery is one subscriber's per-device pipeline. While the device's
// initialization snapshot is still being fetched, fan-out frames are
// parked in pending; golive replays them after the snapshot so a
// subscriber joining several devices never misses events on the devices
// already attached, and never sees a fresh event ahead of older snapshot
// events.
type delivery struct {
	sub *Subscription

	mu          sync.Mutex
	live        bool
	pending     []pendingFrame
	snapshotIDs map[string]struct{}
}

type pendingFrame struct {
	frame   Frame
	eventID string // set for event frames, used for snapshot dedup
}

// publish forwards one fan-out frame, parking it while the join is in
// flight. eventID is empty for non-event frames. Returns false when the
// subscriber must be closed as lagging.
func (d *delivery) publish(f Frame, eventID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.live {
		if len(d.pending) >= cap(d.sub.out) {
			d.pending = d.pending[1:]
			metrics.FramesDropped.WithLabelValues("join_shed").Inc()
		}
		d.pending = append(d.pending, pendingFrame{frame: f, eventID: eventID})
		return true
	}
	if eventID != "" {
		if _, dup := d.snapshotIDs[eventID]; dup {
			return true
		}
	}
	return d.sub.push(f)
}

// golive pushes the device snapshot, replays frames parked during the
// join, and switches the delivery to direct pushes. The snapshot id set
// drops replayed duplicates and guards against a delayed fan-out of the
// same events afterwards.
func (d *delivery) golive(snapshot []classify.Event, localizer *classify.Localizer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.snapshotIDs = make(map[string]struct{}, len(snapshot))
	for _, ev := range snapshot {
		d.snapshotIDs[ev.EventID] = struct{}{}
		d.sub.push(newEventFrame(ev, localizer))
	}
	for _, p := range d.pending {
		if p.eventID != "" {
			if _, dup := d.snapshotIDs[p.eventID]; dup {
				continue
			}
		}
		d.sub.push(p.frame)
	}
	d.pending = nil
	d.live = true
}

// NewHub creates the fan-out hub.
func NewHub(attacher Attacher, localizer *classify.Localizer, cfg Config) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Hub{
		attacher:  attacher,
		localizer: localizer,
		cfg:       cfg,
		byDevice:  make(map[string]map[string]*delivery),
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe opens a push stream joined to the given devices. The first
// frames delivered are the connection frame followed by the initialization
// snapshot of each device, in ascending event order.
func (h *Hub) Subscribe(ctx context.Context, deviceIDs []string) (*Subscription, error) {
	devices := dedupeIDs(deviceIDs)
	if len(devices) == 0 {
		return nil, errors.New("stream: no devices requested")
	}

	sub := newSubscription(devices, h.cfg.BufferSize)
	sub.push(Frame{Kind: FrameConnection, Payload: ConnectionPayload{
		SubscriptionID: sub.id,
		Devices:        devices,
		ConnectedAt:    rfc3339Now(),
	}})

	// Each device's delivery is registered before its init fetch, so events
	// fanned out for devices already joined keep flowing while later
	// devices are still attaching.
	registered := make([]string, 0, len(devices))
	attached := make([]string, 0, len(devices))
	for _, id := range devices {
		d := &delivery{sub: sub}
		h.mu.Lock()
		if h.byDevice[id] == nil {
			h.byDevice[id] = make(map[string]*delivery)
		}
		h.byDevice[id][sub.id] = d
		h.mu.Unlock()
		registered = append(registered, id)

		snapshot, err := h.attacher.Attach(ctx, id)
		if err != nil {
			h.rollbackJoin(sub.id, registered, attached)
			return nil, err
		}
		attached = append(attached, id)

		d.golive(snapshot, h.localizer)
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	metrics.ActiveSubscriptions.Set(float64(h.subscriptionCount()))

	go h.heartbeatLoop(sub)

	logging.Info().
		Str("subscription_id", sub.id).
		Strs("devices", devices).
		Msg("subscription opened")
	return sub, nil
}

// Close ends a subscription after a client disconnect or cancellation.
func (h *Hub) Close(sub *Subscription) {
	h.closeSubscription(sub, "client_gone", nil)
}

// rollbackJoin undoes a partial subscribe after an attach failure.
func (h *Hub) rollbackJoin(subID string, registered, attached []string) {
	h.mu.Lock()
	for _, id := range registered {
		if set := h.byDevice[id]; set != nil {
			delete(set, subID)
			if len(set) == 0 {
				delete(h.byDevice, id)
			}
		}
	}
	h.mu.Unlock()

	for _, id := range attached {
		h.attacher.Detach(id)
	}
}

// PublishEvent fans one classified event out to every subscriber of the
// device. Called from the single bus consumer, which preserves per-device
// order end to end.
func (h *Hub) PublishEvent(deviceID string, ev classify.Event) {
	frame := newEventFrame(ev, h.localizer)

	var lagging []*Subscription
	for _, d := range h.snapshotDeliveries(deviceID) {
		if !d.publish(frame, ev.EventID) {
			lagging = append(lagging, d.sub)
		}
	}
	for _, sub := range lagging {
		logging.Warn().Str("subscription_id", sub.id).Msg("subscriber lagging, closing")
		h.closeSubscription(sub, "lagging", &Frame{
			Kind:    FrameError,
			Payload: ErrorPayload{Kind: ErrorKindLagging, Message: "subscriber buffer overflow"},
		})
	}
}

// PublishDegraded notifies subscribers of a device whose poller crossed
// the error threshold. Their streams stay open.
func (h *Hub) PublishDegraded(deviceID, reason string, consecutiveErrors int) {
	frame := Frame{Kind: FrameDegraded, Payload: DegradedPayload{
		DeviceID:          deviceID,
		Reason:            reason,
		ConsecutiveErrors: consecutiveErrors,
	}}
	for _, d := range h.snapshotDeliveries(deviceID) {
		d.publish(frame, "")
	}
}

// CloseAll ends every subscription with a final error frame. Used on
// credential failure and on shutdown.
func (h *Hub) CloseAll(errorKind, message string) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.closeSubscription(sub, errorKind, &Frame{
			Kind:    FrameError,
			Payload: ErrorPayload{Kind: errorKind, Message: message},
		})
	}
}

// SubscriberCount reports how many subscriptions are joined to a device.
func (h *Hub) SubscriberCount(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byDevice[deviceID])
}

// closeSubscription unregisters, releases poller demand and finishes the
// subscription. Idempotent: losers of a close race return early.
func (h *Hub) closeSubscription(sub *Subscription, reason string, final *Frame) {
	h.mu.Lock()
	if _, ok := h.subs[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.id)
	for _, id := range sub.devices {
		if set := h.byDevice[id]; set != nil {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(h.byDevice, id)
			}
		}
	}
	h.mu.Unlock()

	for _, id := range sub.devices {
		h.attacher.Detach(id)
	}

	sub.finish(final)
	metrics.ActiveSubscriptions.Set(float64(h.subscriptionCount()))
	metrics.SubscriptionsClosed.WithLabelValues(reason).Inc()

	logging.Info().
		Str("subscription_id", sub.id).
		Str("reason", reason).
		Msg("subscription closed")
}

// heartbeatLoop emits a heartbeat whenever the subscription has been
// silent past the heartbeat interval. Heartbeats are ordering-neutral:
// they are generated between pushes, never reordered around event frames.
func (h *Hub) heartbeatLoop(sub *Subscription) {
	ticker := time.NewTicker(heartbeatResolution)
	defer ticker.Stop()

	for {
		select {
		case <-sub.stop:
			return
		case <-ticker.C:
			if sub.idleFor() >= h.cfg.HeartbeatInterval {
				sub.pushHeartbeat()
			}
		}
	}
}

// snapshotDeliveries copies the delivery set of a device so publication
// happens outside the registry lock.
func (h *Hub) snapshotDeliveries(deviceID string) []*delivery {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byDevice[deviceID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*delivery, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	return out
}

func (h *Hub) subscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// dedupeIDs drops empty and repeated device ids, preserving order.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

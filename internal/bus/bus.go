// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package bus carries classified events and control notices from the
// device pollers to the fan-out hub over an in-process Watermill GoChannel
// Pub/Sub. A single ordered topic preserves per-device emission order end
// to end: each device has one publishing poller, and the hub is the only
// subscriber.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/centinela-io/centinela/internal/classify"
)

// TopicEvents is the single ordered topic for event and control envelopes.
const TopicEvents = "access.events"

// Envelope kinds.
const (
	KindNewEvent = "new_event"
	KindDegraded = "degraded"
)

// MetadataDeviceID is the message metadata key carrying the device id.
const MetadataDeviceID = "device_id"

// Envelope is the bus payload: either a classified event or a degraded
// notice for a device.
type Envelope struct {
	Kind     string          `json:"kind"`
	DeviceID string          `json:"device_id"`
	Event    *classify.Event `json:"event,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Errors   int             `json:"errors,omitempty"`
}

// Bus is the in-process pub/sub between pollers and the hub.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates the bus. The output buffer absorbs short fan-out stalls
// without blocking pollers.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 512},
			newLoggerAdapter(),
		),
	}
}

// PublishEvent publishes one classified event for a device.
func (b *Bus) PublishEvent(deviceID string, ev classify.Event) error {
	return b.publish(Envelope{Kind: KindNewEvent, DeviceID: deviceID, Event: &ev})
}

// PublishDegraded publishes a degraded notice for a device after its poller
// crossed the consecutive-error threshold.
func (b *Bus) PublishDegraded(deviceID, reason string, consecutiveErrors int) error {
	return b.publish(Envelope{Kind: KindDegraded, DeviceID: deviceID, Reason: reason, Errors: consecutiveErrors})
}

func (b *Bus) publish(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataDeviceID, env.DeviceID)
	return b.pubsub.Publish(TopicEvents, msg)
}

// Subscribe returns the ordered stream of envelopes. Intended for a single
// consumer (the hub); messages must be acked.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicEvents)
}

// Decode unmarshals a bus message into an Envelope.
func Decode(msg *message.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("bus: decode envelope %s: %w", msg.UUID, err)
	}
	return env, nil
}

// Close shuts the pub/sub down, closing subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package core

import (
	"context"

	"github.com/thejerf/suture/v4"

	"github.com/centinela-io/centinela/internal/bus"
	"github.com/centinela-io/centinela/internal/logging"
)

// Consumer drains the event bus into the subscription hub. A single
// consumer on the single topic preserves the per-device publish order end
// to end.
type Consumer struct {
	core *CoreContext
}

// NewConsumer returns the bus-to-hub bridge for the supervision tree.
func NewConsumer(core *CoreContext) *Consumer {
	return &Consumer{core: core}
}

// String identifies the service in supervisor logs.
func (c *Consumer) String() string { return "bus-consumer" }

// Serve runs until the context is cancelled. It implements
// suture.Service.
func (c *Consumer) Serve(ctx context.Context) error {
	messages, err := c.core.Bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				// The pub/sub closed underneath us (shutdown); restarting
				// would just spin against a dead bus.
				return suture.ErrDoNotRestart
			}
			env, err := bus.Decode(msg)
			if err != nil {
				logging.Warn().Err(err).Msg("discarding undecodable bus message")
				msg.Ack()
				continue
			}
			switch env.Kind {
			case bus.KindNewEvent:
				if env.Event != nil {
					c.core.Hub.PublishEvent(env.DeviceID, *env.Event)
				}
			case bus.KindDegraded:
				c.core.Hub.PublishDegraded(env.DeviceID, env.Reason, env.Errors)
			default:
				logging.Warn().Str("kind", env.Kind).Msg("unknown bus envelope kind")
			}
			msg.Ack()
		}
	}
}

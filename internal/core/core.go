// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package core assembles the fan-out engine: session keeper, breaker-
// wrapped appliance client, device poller registry, event bus and the
// subscription hub. CoreContext is built once at startup and threaded
// through explicitly; there are no package-level singletons.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/centinela-io/centinela/internal/biostar"
	"github.com/centinela-io/centinela/internal/bus"
	"github.com/centinela-io/centinela/internal/classify"
	"github.com/centinela-io/centinela/internal/config"
	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/poller"
	"github.com/centinela-io/centinela/internal/session"
	"github.com/centinela-io/centinela/internal/stream"
)

// deviceCacheTTL bounds how often the device inventory endpoint may hit
// the appliance.
const deviceCacheTTL = time.Minute

// CoreContext holds the assembled fan-out engine.
type CoreContext struct {
	Config  *config.Config
	Client  *session.Client
	Pollers *poller.Registry
	Hub     *stream.Hub
	Bus     *bus.Bus

	localizer *classify.Localizer

	devMu        sync.Mutex
	devCache     []biostar.Device
	devFetchedAt time.Time
}

// New builds the engine from configuration. Configuration problems
// (unknown timezone included) are fatal and surface here, before anything
// starts.
func New(cfg *config.Config) (*CoreContext, error) {
	localizer, err := classify.NewLocalizer(cfg.Display.Timezone)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	api := biostar.NewBreakerClient(biostar.NewClient(biostar.Config{
		Host:          cfg.BioStar.Host,
		Username:      cfg.BioStar.Username,
		Password:      cfg.BioStar.Password,
		TLSVerify:     cfg.BioStar.TLSVerify,
		SearchTimeout: cfg.BioStar.SearchTimeout,
		MetaTimeout:   cfg.BioStar.MetaTimeout,
		RateLimitRPS:  cfg.BioStar.RateLimitRPS,
	}))

	keeper := session.NewKeeper(api, cfg.Session.SoftTTL)
	client := session.NewClient(keeper, api)
	eventBus := bus.New()

	registry := poller.NewRegistry(client, eventBus, localizer, poller.Config{
		Interval:             cfg.Poll.Interval,
		ErrorBackoffCap:      cfg.Poll.ErrorBackoffCap,
		MaxConsecutiveErrors: cfg.Poll.MaxConsecutiveErrors,
		GracePeriod:          cfg.Poll.GracePeriod,
		Quiescence:           cfg.Poll.Quiescence,
		SnapshotWindow:       cfg.Poll.SnapshotWindow,
		SnapshotLimit:        cfg.Poll.SnapshotLimit,
		NewEventsLimit:       cfg.Poll.NewEventsLimit,
		SeenSetSize:          cfg.Poll.SeenSetSize,
		TodayRingSize:        cfg.Poll.TodayRingSize,
	})

	hub := stream.NewHub(registry, localizer, stream.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		BufferSize:        cfg.Stream.SubscriberBuffer,
	})

	// Credential rejection is terminal for every open stream: polling has
	// already stopped, so tell the viewers and close.
	registry.SetAuthFailureHandler(func(err error) {
		hub.CloseAll(stream.ErrorKindAuthFailed, err.Error())
	})

	return &CoreContext{
		Config:    cfg,
		Client:    client,
		Pollers:   registry,
		Hub:       hub,
		Bus:       eventBus,
		localizer: localizer,
	}, nil
}

// OpenDeviceStream opens a push stream for one device.
func (c *CoreContext) OpenDeviceStream(ctx context.Context, deviceID string) (*stream.Subscription, error) {
	return c.Hub.Subscribe(ctx, []string{deviceID})
}

// OpenMultiStream opens a push stream joined to several devices, as a
// dashboard does.
func (c *CoreContext) OpenMultiStream(ctx context.Context, deviceIDs []string) (*stream.Subscription, error) {
	return c.Hub.Subscribe(ctx, deviceIDs)
}

// SnapshotToday returns today's events for a device, served from the
// poller's cached window when the device is watched.
func (c *CoreContext) SnapshotToday(ctx context.Context, deviceID string) ([]classify.Event, error) {
	return c.Pollers.SnapshotToday(ctx, deviceID)
}

// ListDevices returns the appliance device inventory through a short TTL
// cache.
func (c *CoreContext) ListDevices(ctx context.Context) ([]biostar.Device, error) {
	c.devMu.Lock()
	if c.devCache != nil && time.Since(c.devFetchedAt) < deviceCacheTTL {
		cached := c.devCache
		c.devMu.Unlock()
		return cached, nil
	}
	c.devMu.Unlock()

	devices, err := c.Client.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	c.devMu.Lock()
	c.devCache = devices
	c.devFetchedAt = time.Now()
	c.devMu.Unlock()
	return devices, nil
}

// Localizer exposes the display-timezone formatter for transports.
func (c *CoreContext) Localizer() *classify.Localizer {
	return c.localizer
}

// Shutdown closes every subscription with a shutdown frame and stops the
// bus.
func (c *CoreContext) Shutdown() {
	c.Hub.CloseAll(stream.ErrorKindShutdown, "server shutting down")
	if err := c.Bus.Close(); err != nil {
		logging.Warn().Err(err).Msg("bus close failed")
	}
}

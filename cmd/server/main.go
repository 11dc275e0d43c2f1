// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package main is the entry point for the Centinela server.
//
// Centinela sits in front of a BioStar 2 access-control appliance and
// fans its event log out to live viewers. The appliance's own push
// channel is unreliable, so Centinela polls each watched device's event
// log, normalizes and classifies what it finds, and pushes labeled
// frames to SSE and WebSocket subscribers. Devices are polled only while
// someone is watching them.
//
// Startup order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, config.yaml,
//     environment variables)
//  2. Logging: zerolog, configured from logging.*
//  3. Engine: appliance client behind a circuit breaker, session keeper,
//     poller registry, Watermill event bus, subscription hub
//  4. Supervisor tree: poller registry and bus consumer in the engine
//     layer, HTTP server in the api layer
//
// Graceful shutdown on SIGINT/SIGTERM: every open stream receives a
// final shutdown error frame, then the HTTP listener drains within
// server.shutdown_timeout.
//
// Minimal configuration:
//
//	export BIOSTAR_HOST=https://biostar.example.com
//	export BIOSTAR_USERNAME=monitor
//	export BIOSTAR_PASSWORD=secret
//	./centinela
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/centinela-io/centinela/internal/api"
	"github.com/centinela-io/centinela/internal/config"
	"github.com/centinela-io/centinela/internal/core"
	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Default logger; config is not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("appliance", cfg.BioStar.Host).
		Str("timezone", cfg.Display.Timezone).
		Dur("poll_interval", cfg.Poll.Interval).
		Msg("Starting Centinela")

	engine, err := core.New(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddEngineService(engine.Pollers)
	tree.AddEngineService(core.NewConsumer(engine))
	tree.AddAPIService(api.NewServer(engine))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		engine.Shutdown()
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutting down, waiting for services...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Centinela stopped")
}

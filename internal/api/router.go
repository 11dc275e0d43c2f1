// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/centinela-io/centinela/internal/config"
	"github.com/centinela-io/centinela/internal/core"
)

// NewRouter builds the HTTP handler tree.
func NewRouter(c *core.CoreContext) http.Handler {
	handler := NewHandler(c)
	cfg := c.Config.Server

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(cfg))

	// Liberal limit for probes so monitoring never trips it.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/live", handler.HealthLive)
		r.Get("/ready", handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(
			cfg.RateLimitReqs,
			cfg.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))

		r.Get("/devices", handler.Devices)
		r.Get("/snapshot/{device}", handler.Snapshot)
		r.Get("/stream", handler.StreamMulti)
		r.Get("/stream/{device}", handler.StreamDevice)
		r.Get("/ws", handler.StreamWS)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func corsHandler(cfg config.ServerConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:         86400,
	})
}

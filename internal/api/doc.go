// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package api exposes the fan-out engine over HTTP: live event streams
// (SSE and WebSocket), today's snapshot, the device inventory, health
// probes and Prometheus metrics. Routing is Chi with the go-chi
// middleware ecosystem (CORS, per-IP rate limiting).
package api

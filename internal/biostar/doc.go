// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package biostar implements the HTTP client for the BioStar 2 appliance API.
//
// The client is stateless with respect to authentication: every call takes
// the session token as an argument and the caller (the session keeper) owns
// token lifecycle. Three operations are exposed:
//
//   - Login: POST /api/login, session token returned in the bs-session-id
//     response header
//   - ListDevices: GET /api/devices, DeviceCollection.rows
//   - SearchEvents: POST /api/events/search with a structured Query of
//     (column, operator, values) conditions, EventCollection.rows
//
// Transport errors are retried at most twice with exponential backoff
// (250ms, 1s). A status indicating session expiry returns ErrAuthExpired
// without retry. Any other non-2xx response surfaces as ErrMalformed with
// a body excerpt captured for diagnostics.
//
// Appliances commonly ship self-signed certificates, so TLS verification
// is configurable. All calls pass through a shared rate limiter so that
// many device pollers cannot hammer the appliance.
package biostar

// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/centinela-io/centinela/internal/biostar"
	"github.com/centinela-io/centinela/internal/core"
)

// Handler serves the non-stream endpoints.
type Handler struct {
	core *core.CoreContext
}

// NewHandler creates the endpoint handler bound to the engine.
func NewHandler(c *core.CoreContext) *Handler {
	return &Handler{core: c}
}

// Devices returns the appliance device inventory.
func (h *Handler) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.core.ListDevices(r.Context())
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeSuccess(w, devices, len(devices))
}

// Snapshot returns today's events for one device.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "device id is required")
		return
	}

	events, err := h.core.SnapshotToday(r.Context(), deviceID)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeSuccess(w, events, len(events))
}

// HealthLive reports process liveness. Always 200 while the server runs.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, map[string]string{"status": "alive"}, 0)
}

// HealthReady reports readiness: the engine must hold a live appliance
// session, or at least have had one without a standing failure.
func (h *Handler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	hasToken, acquiredAt, lastErr := h.core.Client.Keeper().State()
	if !hasToken {
		msg := "no appliance session"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, msg)
		return
	}
	writeSuccess(w, map[string]interface{}{
		"status":              "ready",
		"session_acquired_at": acquiredAt.UTC().Format(time.RFC3339),
	}, 0)
}

// writeUpstreamError maps appliance errors to HTTP statuses.
func writeUpstreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, biostar.ErrUnreachable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "appliance unreachable")
	case errors.Is(err, biostar.ErrAuthFailed):
		writeError(w, http.StatusBadGateway, ErrCodeUpstreamFailed, "appliance rejected configured credentials")
	case errors.Is(err, biostar.ErrMalformed):
		writeError(w, http.StatusBadGateway, ErrCodeUpstreamFailed, "appliance returned an unexpected response")
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/stream"
)

// maxStreamDevices caps how many devices one multi-stream may join.
const maxStreamDevices = 64

// StreamDevice serves a single-device SSE stream.
func (h *Handler) StreamDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "device id is required")
		return
	}
	h.serveSSE(w, r, []string{deviceID})
}

// StreamMulti serves a joined SSE stream for ?devices=a,b,c.
func (h *Handler) StreamMulti(w http.ResponseWriter, r *http.Request) {
	deviceIDs, err := parseDeviceList(r.URL.Query().Get("devices"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	h.serveSSE(w, r, deviceIDs)
}

func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, deviceIDs []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "streaming unsupported")
		return
	}

	sub, err := h.core.OpenMultiStream(r.Context(), deviceIDs)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer h.core.Hub.Close(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sub.Frames():
			if !open {
				return
			}
			if err := writeSSEFrame(w, frame); err != nil {
				logging.Debug().Err(err).Str("subscription", sub.ID()).Msg("sse write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, frame stream.Frame) error {
	payload, err := json.Marshal(frame.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Kind, payload)
	return err
}

// parseDeviceList splits and validates the devices query parameter.
func parseDeviceList(raw string) ([]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("devices query parameter is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ids = append(ids, p)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("devices query parameter is empty")
	}
	if len(ids) > maxStreamDevices {
		return nil, fmt.Errorf("too many devices requested: %d (limit %d)", len(ids), maxStreamDevices)
	}
	return ids, nil
}

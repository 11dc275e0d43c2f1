// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/stream"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS middleware in front of the
	// router; the upgrader accepts what got through it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamWS upgrades to a WebSocket and pushes frames for ?devices=a,b.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
	deviceIDs, err := parseDeviceList(r.URL.Query().Get("devices"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	sub, err := h.core.OpenMultiStream(r.Context(), deviceIDs)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.core.Hub.Close(sub)
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ws := &wsConn{handler: h, sub: sub, conn: conn}
	go ws.writePump()
	go ws.readPump()
}

// wsConn pumps subscription frames into one WebSocket connection.
type wsConn struct {
	handler *Handler
	sub     *stream.Subscription
	conn    *websocket.Conn
}

// readPump drains client messages so pongs and close frames are
// processed. Clients never send application data.
func (c *wsConn) readPump() {
	defer func() {
		c.handler.core.Hub.Close(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("subscription", c.sub.ID()).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}

// writePump forwards subscription frames and keeps the connection alive
// with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, open := <-c.sub.Frames():
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				logging.Debug().Err(err).Str("subscription", c.sub.ID()).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

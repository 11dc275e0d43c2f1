// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/centinela-io/centinela/internal/core"
	"github.com/centinela-io/centinela/internal/logging"
)

// Server runs the HTTP listener as a supervised service.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

// NewServer builds the listener from configuration.
func NewServer(c *core.CoreContext) *Server {
	cfg := c.Config.Server
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           NewRouter(c),
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: SSE and WebSocket responses are long-lived.
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// String identifies the service in supervisor logs.
func (s *Server) String() string { return "http-server" }

// Serve runs the listener until the context is cancelled, then drains
// connections within the shutdown timeout. It implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http server shutdown incomplete, closing")
			_ = s.srv.Close()
		}
		<-errCh
		return ctx.Err()
	}
}

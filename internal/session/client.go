// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package session

import (
	"context"

	"github.com/centinela-io/centinela/internal/biostar"
)

// Client is the token-free facade the rest of the core uses: every call
// goes through the keeper, so callers never see ErrAuthExpired.
type Client struct {
	keeper *Keeper
	api    biostar.API
}

// NewClient builds a facade over the keeper and the underlying API.
func NewClient(keeper *Keeper, api biostar.API) *Client {
	return &Client{keeper: keeper, api: api}
}

// SearchEvents runs an event search under the keeper's session.
func (c *Client) SearchEvents(ctx context.Context, q biostar.Query) ([]biostar.RawEvent, error) {
	var rows []biostar.RawEvent
	err := c.keeper.Do(ctx, func(ctx context.Context, token string) error {
		var opErr error
		rows, opErr = c.api.SearchEvents(ctx, token, q)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListDevices enumerates devices under the keeper's session.
func (c *Client) ListDevices(ctx context.Context) ([]biostar.Device, error) {
	var devices []biostar.Device
	err := c.keeper.Do(ctx, func(ctx context.Context, token string) error {
		var opErr error
		devices, opErr = c.api.ListDevices(ctx, token)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

// Keeper exposes the underlying keeper for readiness reporting.
func (c *Client) Keeper() *Keeper {
	return c.keeper
}

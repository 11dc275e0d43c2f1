// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package session owns the appliance session token. The keeper is the only
// writer of the token: it acquires it lazily, refreshes it when the
// appliance reports expiry, serializes concurrent refreshes through a
// single flight, and proactively replaces tokens older than a soft TTL to
// tolerate appliances with short server-side sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/centinela-io/centinela/internal/biostar"
	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/metrics"
)

// DefaultSoftTTL is how old a token may get before it is proactively
// replaced on next use.
const DefaultSoftTTL = 5 * time.Minute

// Keeper exclusively owns the upstream session token.
type Keeper struct {
	api     biostar.API
	softTTL time.Duration

	mu         sync.Mutex
	token      string
	acquiredAt time.Time
	// refreshing is non-nil while a login is in flight; waiters block on it
	// and reuse the token the winner acquired.
	refreshing chan struct{}
	lastErr    error
}

// NewKeeper creates a keeper over the given appliance API.
func NewKeeper(api biostar.API, softTTL time.Duration) *Keeper {
	if softTTL <= 0 {
		softTTL = DefaultSoftTTL
	}
	return &Keeper{api: api, softTTL: softTTL}
}

// Do runs op with a valid session token. If the token is missing, stale, or
// the operation reports ErrAuthExpired, the keeper refreshes the token and
// retries the operation exactly once. A second expiry on a fresh token is
// reclassified as ErrAuthFailed.
func (k *Keeper) Do(ctx context.Context, op func(ctx context.Context, token string) error) error {
	token, err := k.currentToken(ctx, "")
	if err != nil {
		return err
	}

	err = op(ctx, token)
	if !errors.Is(err, biostar.ErrAuthExpired) {
		return err
	}

	logging.Debug().Msg("session expired mid-operation, refreshing")
	fresh, err := k.currentToken(ctx, token)
	if err != nil {
		return err
	}

	err = op(ctx, fresh)
	if errors.Is(err, biostar.ErrAuthExpired) {
		// A token the appliance just issued is already rejected; treat the
		// credentials as bad rather than refreshing forever.
		k.Invalidate()
		return fmt.Errorf("%w: freshly issued session rejected: %v", biostar.ErrAuthFailed, err)
	}
	return err
}

// Invalidate marks the current token as unusable. The next Do acquires a
// new one.
func (k *Keeper) Invalidate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.token = ""
}

// State reports whether a token is held and the last acquisition error, for
// readiness reporting.
func (k *Keeper) State() (hasToken bool, acquiredAt time.Time, lastErr error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.token != "", k.acquiredAt, k.lastErr
}

// currentToken returns a usable token, logging in if needed. stale is the
// token the caller just saw rejected (empty on first acquisition); it is
// never handed back, so two callers racing on the same expired token
// trigger exactly one refresh.
func (k *Keeper) currentToken(ctx context.Context, stale string) (string, error) {
	k.mu.Lock()
	for {
		if k.refreshing != nil {
			ch := k.refreshing
			k.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", biostar.ErrUnreachable, ctx.Err())
			}
			k.mu.Lock()
			continue
		}

		if k.token != "" && k.token != stale && time.Since(k.acquiredAt) < k.softTTL {
			token := k.token
			k.mu.Unlock()
			return token, nil
		}

		// This caller performs the refresh; everyone else waits on the
		// channel. Login runs without the lock held.
		ch := make(chan struct{})
		k.refreshing = ch
		k.mu.Unlock()

		token, err := k.api.Login(ctx)

		k.mu.Lock()
		k.refreshing = nil
		close(ch)

		if err != nil {
			k.token = ""
			k.lastErr = err
			k.mu.Unlock()
			metrics.SessionRefreshes.WithLabelValues("failure").Inc()
			logging.Error().Err(err).Msg("session acquisition failed")
			return "", err
		}

		k.token = token
		k.acquiredAt = time.Now()
		k.lastErr = nil
		k.mu.Unlock()
		metrics.SessionRefreshes.WithLabelValues("success").Inc()
		logging.Info().Msg("session token acquired")
		return token, nil
	}
}

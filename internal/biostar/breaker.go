// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package biostar

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/centinela-io/centinela/internal/logging"
	"github.com/centinela-io/centinela/internal/metrics"
)

// BreakerClient wraps an API with a circuit breaker so that a dead or
// saturated appliance fails fast instead of stacking up blocked pollers.
//
// Auth errors do not count against the breaker: a rejected credential or an
// expired session says nothing about appliance health, and tripping on them
// would turn a token refresh into a two-minute outage for every subscriber.
type BreakerClient struct {
	api  API
	cb   *gobreaker.CircuitBreaker[interface{}]
	name string
}

var _ API = (*BreakerClient)(nil)

// NewBreakerClient wraps api with a circuit breaker.
// Breaker configuration:
//   - Max 3 concurrent requests in half-open state
//   - 1 minute measurement window
//   - 2 minute timeout before attempting recovery
//   - Opens after 60% failure rate with minimum 10 requests
func NewBreakerClient(api API) *BreakerClient {
	cbName := "biostar-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("opening appliance circuit")
			}
			return shouldTrip
		},

		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Session and credential failures are not appliance-health
			// failures.
			return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrAuthFailed)
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := breakerStateString(from)
			toStr := breakerStateString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("appliance circuit state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerClient{api: api, cb: cb, name: cbName}
}

// Login authenticates through the breaker.
func (b *BreakerClient) Login(ctx context.Context) (string, error) {
	result, err := b.execute("login", func() (interface{}, error) {
		return b.api.Login(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// ListDevices enumerates devices through the breaker.
func (b *BreakerClient) ListDevices(ctx context.Context, token string) ([]Device, error) {
	result, err := b.execute("list_devices", func() (interface{}, error) {
		return b.api.ListDevices(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Device), nil
}

// SearchEvents runs a search through the breaker.
func (b *BreakerClient) SearchEvents(ctx context.Context, token string, q Query) ([]RawEvent, error) {
	result, err := b.execute("search_events", func() (interface{}, error) {
		return b.api.SearchEvents(ctx, token, q)
	})
	if err != nil {
		return nil, err
	}
	return result.([]RawEvent), nil
}

// execute wraps one appliance call with breaker accounting and metrics.
// An open breaker is reported to callers as ErrUnreachable so the poller
// backoff path handles it like any other outage.
func (b *BreakerClient) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	start := time.Now()
	result, err := b.cb.Execute(fn)
	metrics.UpstreamRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.UpstreamRequests.WithLabelValues(op, "rejected").Inc()
			return nil, &APIError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
		}
		metrics.UpstreamRequests.WithLabelValues(op, "failure").Inc()
		return nil, err
	}

	metrics.UpstreamRequests.WithLabelValues(op, "success").Inc()
	return result, nil
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func breakerStateString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package biostar

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for upstream failures. Callers match with errors.Is;
// the wrapped *APIError carries the diagnostic detail.
var (
	// ErrAuthFailed indicates the appliance rejected the configured
	// credentials. Not retryable without operator intervention.
	ErrAuthFailed = errors.New("biostar: authentication failed")

	// ErrAuthExpired indicates the session token is no longer valid.
	// The session keeper refreshes the token and retries once.
	ErrAuthExpired = errors.New("biostar: session expired")

	// ErrUnreachable indicates a transport failure or timeout after
	// retries were exhausted, or an open circuit breaker.
	ErrUnreachable = errors.New("biostar: appliance unreachable")

	// ErrMalformed indicates the appliance returned an unexpected status
	// or a body that could not be decoded.
	ErrMalformed = errors.New("biostar: malformed upstream response")
)

// maxBodyExcerpt bounds how much of an unexpected response body is kept
// in diagnostics.
const maxBodyExcerpt = 512

// APIError describes a failed appliance call. It wraps one of the sentinel
// kinds above so errors.Is classification works through it.
type APIError struct {
	Op     string // logical operation: "login", "list_devices", "search_events"
	Status int    // HTTP status, 0 for transport failures
	Body   string // excerpt of the response body, if any
	Err    error  // sentinel kind, or the underlying transport error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("biostar %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("biostar %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// excerpt truncates a response body for diagnostics.
func excerpt(body []byte) string {
	if len(body) > maxBodyExcerpt {
		return string(body[:maxBodyExcerpt]) + "..."
	}
	return string(body)
}

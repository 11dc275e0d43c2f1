// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package biostar

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/centinela-io/centinela/internal/logging"
)

// SessionHeader is the response/request header carrying the session token.
const SessionHeader = "bs-session-id"

const (
	loginPath       = "/api/login"
	devicesPath     = "/api/devices"
	eventSearchPath = "/api/events/search"

	// Transport-level retries: at most two, with exponential backoff.
	maxAttempts = 3
)

// retryDelays are the waits before the second and third attempt.
var retryDelays = [...]time.Duration{250 * time.Millisecond, time.Second}

// API is the set of appliance operations Centinela consumes. Client and
// BreakerClient both implement it; the session keeper accepts either.
type API interface {
	// Login authenticates with the configured credentials and returns a
	// fresh session token.
	Login(ctx context.Context) (string, error)

	// ListDevices enumerates the appliance device inventory.
	ListDevices(ctx context.Context, token string) ([]Device, error)

	// SearchEvents runs a structured event search. Results are returned in
	// the order the appliance produced them; callers requesting ascending
	// datetime order can rely on it for cursor advancement.
	SearchEvents(ctx context.Context, token string, q Query) ([]RawEvent, error)
}

// Config holds the appliance connection settings.
type Config struct {
	// Host is the appliance address, with or without scheme
	// (e.g. "biostar.plant.local" or "https://10.0.8.4:443").
	Host     string
	Username string
	Password string

	// TLSVerify disables certificate verification when false. Appliances
	// commonly ship self-signed certificates.
	TLSVerify bool

	// SearchTimeout bounds event searches. Default 30s.
	SearchTimeout time.Duration

	// MetaTimeout bounds login and device/metadata calls. Default 10s.
	MetaTimeout time.Duration

	// RateLimitRPS caps aggregate calls per second against the appliance.
	// Default 8.
	RateLimitRPS float64
}

// Client speaks the appliance HTTP/JSON API. It is stateless with respect
// to sessions: the token is an argument on every authenticated call.
type Client struct {
	baseURL       string
	username      string
	password      string
	httpClient    *http.Client
	limiter       *rate.Limiter
	searchTimeout time.Duration
	metaTimeout   time.Duration
}

var _ API = (*Client)(nil)

// NewClient creates an appliance client from config, applying defaults for
// zero values.
func NewClient(cfg Config) *Client {
	base := strings.TrimSuffix(cfg.Host, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 30 * time.Second
	}
	if cfg.MetaTimeout <= 0 {
		cfg.MetaTimeout = 10 * time.Second
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 8
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.TLSVerify, //nolint:gosec // self-signed appliance certs, operator opt-in
		},
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	burst := int(cfg.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		// Per-call deadlines come from the per-request context; the
		// client-level timeout is a backstop only.
		httpClient:    &http.Client{Transport: transport, Timeout: 2 * time.Minute},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		searchTimeout: cfg.SearchTimeout,
		metaTimeout:   cfg.MetaTimeout,
	}
}

// Login authenticates and returns the session token from the bs-session-id
// response header.
func (c *Client) Login(ctx context.Context) (string, error) {
	body, err := json.Marshal(loginRequest{User: loginUser{LoginID: c.username, Password: c.password}})
	if err != nil {
		return "", &APIError{Op: "login", Err: fmt.Errorf("%w: encode request: %v", ErrMalformed, err)}
	}

	status, header, respBody, err := c.do(ctx, "login", http.MethodPost, loginPath, "", body, c.metaTimeout)
	if err != nil {
		return "", err
	}

	switch {
	case status >= 200 && status < 300:
		token := header.Get(SessionHeader)
		if token == "" {
			return "", &APIError{Op: "login", Status: status, Body: excerpt(respBody),
				Err: fmt.Errorf("%w: missing %s header", ErrMalformed, SessionHeader)}
		}
		return token, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", &APIError{Op: "login", Status: status, Body: excerpt(respBody), Err: ErrAuthFailed}
	default:
		return "", &APIError{Op: "login", Status: status, Body: excerpt(respBody), Err: ErrMalformed}
	}
}

// ListDevices enumerates the device inventory.
func (c *Client) ListDevices(ctx context.Context, token string) ([]Device, error) {
	status, _, body, err := c.do(ctx, "list_devices", http.MethodGet, devicesPath, token, nil, c.metaTimeout)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus("list_devices", status, body); err != nil {
		return nil, err
	}

	var resp deviceCollectionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Op: "list_devices", Status: status, Body: excerpt(body),
			Err: fmt.Errorf("%w: decode: %v", ErrMalformed, err)}
	}

	devices := make([]Device, 0, len(resp.DeviceCollection.Rows))
	for _, row := range resp.DeviceCollection.Rows {
		devices = append(devices, Device{ID: row.ID.String(), Name: row.Name})
	}
	return devices, nil
}

// SearchEvents runs a structured event search. Limits beyond MaxSearchLimit
// are clamped before the request is sent.
func (c *Client) SearchEvents(ctx context.Context, token string, q Query) ([]RawEvent, error) {
	if q.Limit <= 0 || q.Limit > MaxSearchLimit {
		q.Limit = MaxSearchLimit
	}

	body, err := json.Marshal(searchRequest{Query: q})
	if err != nil {
		return nil, &APIError{Op: "search_events", Err: fmt.Errorf("%w: encode request: %v", ErrMalformed, err)}
	}

	status, _, respBody, err := c.do(ctx, "search_events", http.MethodPost, eventSearchPath, token, body, c.searchTimeout)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus("search_events", status, respBody); err != nil {
		return nil, err
	}

	var resp eventCollectionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &APIError{Op: "search_events", Status: status, Body: excerpt(respBody),
			Err: fmt.Errorf("%w: decode: %v", ErrMalformed, err)}
	}
	return resp.EventCollection.Rows, nil
}

// checkStatus maps a non-2xx status on an authenticated call to an error
// kind. Session expiry is never retried here; the session keeper owns that.
func (c *Client) checkStatus(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return &APIError{Op: op, Status: status, Err: ErrAuthExpired}
	default:
		return &APIError{Op: op, Status: status, Body: excerpt(body), Err: ErrMalformed}
	}
}

// do performs one HTTP exchange, retrying transport failures with backoff.
// It returns the status, headers and fully-read body; status mapping is the
// caller's concern because login and authenticated calls classify 401
// differently.
func (c *Client) do(ctx context.Context, op, method, path, token string, body []byte, timeout time.Duration) (int, http.Header, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, nil, &APIError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			logging.Debug().Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying appliance call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, nil, nil, &APIError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())}
			}
		}

		status, header, respBody, err := c.attempt(ctx, method, path, token, body, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		return status, header, respBody, nil
	}

	return 0, nil, nil, &APIError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnreachable, lastErr)}
}

// attempt performs a single request with a per-attempt deadline.
func (c *Client) attempt(ctx context.Context, method, path, token string, body []byte, timeout time.Duration) (int, http.Header, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set(SessionHeader, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, respBody, nil
}

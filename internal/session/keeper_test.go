// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/centinela-io/centinela/internal/biostar"
	"github.com/centinela-io/centinela/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
	m.Run()
}

// fakeAPI issues sequential tokens and lets tests script login failures.
type fakeAPI struct {
	mu         sync.Mutex
	logins     int
	loginErr   error
	loginDelay time.Duration
}

func (f *fakeAPI) Login(ctx context.Context) (string, error) {
	f.mu.Lock()
	delay := f.loginDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return "", f.loginErr
	}
	f.logins++
	return fmt.Sprintf("tok-%d", f.logins), nil
}

func (f *fakeAPI) ListDevices(context.Context, string) ([]biostar.Device, error) {
	return nil, nil
}

func (f *fakeAPI) SearchEvents(context.Context, string, biostar.Query) ([]biostar.RawEvent, error) {
	return nil, nil
}

func (f *fakeAPI) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func TestKeeper_LazyAcquisition(t *testing.T) {
	api := &fakeAPI{}
	k := NewKeeper(api, time.Minute)

	if api.loginCount() != 0 {
		t.Fatal("Expected no login before first use")
	}

	var got string
	err := k.Do(context.Background(), func(_ context.Context, token string) error {
		got = token
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "tok-1" {
		t.Errorf("Expected tok-1, got %q", got)
	}
	if api.loginCount() != 1 {
		t.Errorf("Expected 1 login, got %d", api.loginCount())
	}
}

func TestKeeper_ReusesTokenWithinTTL(t *testing.T) {
	api := &fakeAPI{}
	k := NewKeeper(api, time.Minute)

	for i := 0; i < 5; i++ {
		if err := k.Do(context.Background(), func(_ context.Context, token string) error {
			if token != "tok-1" {
				t.Errorf("Expected tok-1 on call %d, got %q", i, token)
			}
			return nil
		}); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if api.loginCount() != 1 {
		t.Errorf("Expected a single login, got %d", api.loginCount())
	}
}

func TestKeeper_RefreshesOnExpiryAndRetriesOnce(t *testing.T) {
	api := &fakeAPI{}
	k := NewKeeper(api, time.Minute)

	var tokens []string
	err := k.Do(context.Background(), func(_ context.Context, token string) error {
		tokens = append(tokens, token)
		if len(tokens) == 1 {
			return &biostar.APIError{Op: "search_events", Err: biostar.ErrAuthExpired}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("Expected op to run twice, ran %d times", len(tokens))
	}
	if tokens[0] == tokens[1] {
		t.Error("Expected a fresh token on retry")
	}
}

func TestKeeper_SecondExpiryIsAuthFailed(t *testing.T) {
	api := &fakeAPI{}
	k := NewKeeper(api, time.Minute)

	err := k.Do(context.Background(), func(_ context.Context, _ string) error {
		return &biostar.APIError{Op: "search_events", Err: biostar.ErrAuthExpired}
	})
	if !errors.Is(err, biostar.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed after double expiry, got %v", err)
	}

	hasToken, _, _ := k.State()
	if hasToken {
		t.Error("Expected token invalidated after double expiry")
	}
}

func TestKeeper_LoginFailurePropagates(t *testing.T) {
	api := &fakeAPI{loginErr: &biostar.APIError{Op: "login", Err: biostar.ErrAuthFailed}}
	k := NewKeeper(api, time.Minute)

	err := k.Do(context.Background(), func(_ context.Context, _ string) error {
		t.Error("Op must not run without a token")
		return nil
	})
	if !errors.Is(err, biostar.ErrAuthFailed) {
		t.Errorf("Expected ErrAuthFailed, got %v", err)
	}

	_, _, lastErr := k.State()
	if lastErr == nil {
		t.Error("Expected State to report the login error")
	}
}

func TestKeeper_SingleFlightUnderConcurrency(t *testing.T) {
	api := &fakeAPI{loginDelay: 50 * time.Millisecond}
	k := NewKeeper(api, time.Minute)

	const callers = 10
	var running atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := k.Do(context.Background(), func(_ context.Context, token string) error {
				running.Add(1)
				if token != "tok-1" {
					t.Errorf("Expected shared tok-1, got %q", token)
				}
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if api.loginCount() != 1 {
		t.Errorf("Expected single-flight login, got %d logins", api.loginCount())
	}
	if running.Load() != callers {
		t.Errorf("Expected %d ops, got %d", callers, running.Load())
	}
}

func TestKeeper_SoftTTLForcesRefresh(t *testing.T) {
	api := &fakeAPI{}
	k := NewKeeper(api, 30*time.Millisecond)

	if err := k.Do(context.Background(), func(_ context.Context, _ string) error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	var got string
	if err := k.Do(context.Background(), func(_ context.Context, token string) error {
		got = token
		return nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "tok-2" {
		t.Errorf("Expected proactive refresh to tok-2, got %q", got)
	}
}

func TestKeeper_ContextCancelWhileWaiting(t *testing.T) {
	api := &fakeAPI{loginDelay: 200 * time.Millisecond}
	k := NewKeeper(api, time.Minute)

	// First caller holds the refresh.
	go func() {
		_ = k.Do(context.Background(), func(_ context.Context, _ string) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := k.Do(ctx, func(_ context.Context, _ string) error { return nil })
	if !errors.Is(err, biostar.ErrUnreachable) {
		t.Errorf("Expected ErrUnreachable on cancelled wait, got %v", err)
	}
}

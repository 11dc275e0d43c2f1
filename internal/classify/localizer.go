// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package classify

import (
	"fmt"
	"time"
)

// DefaultTimezone is the display timezone when none is configured.
const DefaultTimezone = "America/Mexico_City"

// Localizer formats UTC instants in the configured display timezone. It is
// used exclusively at the fan-out boundary; event values stay UTC.
type Localizer struct {
	loc *time.Location
}

// NewLocalizer loads the named IANA timezone. An unknown name is a startup
// configuration error.
func NewLocalizer(name string) (*Localizer, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown display timezone %q: %w", name, err)
	}
	return &Localizer{loc: loc}, nil
}

// Clock renders the wall-clock time of t in the display timezone (HH:MM:SS).
func (l *Localizer) Clock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(l.loc).Format("15:04:05")
}

// Date renders the calendar date of t in the display timezone.
func (l *Localizer) Date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(l.loc).Format("2006-01-02")
}

// SameLocalDay reports whether a and b fall on the same calendar date in
// the display timezone.
func (l *Localizer) SameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.In(l.loc).Date()
	by, bm, bd := b.In(l.loc).Date()
	return ay == by && am == bm && ad == bd
}

// StartOfDay returns the instant the current local day began, in UTC.
func (l *Localizer) StartOfDay(now time.Time) time.Time {
	local := now.In(l.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, l.loc).UTC()
}

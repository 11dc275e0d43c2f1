// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package classify converts raw appliance event records into normalized,
// categorized, timezone-anchored event values. Classification is a pure
// function: it never fails, it reads only the raw record, and reclassifying
// its own output yields the same result.
package classify

import "time"

// Category is the domain classification of an access event.
type Category string

// Canonical categories. Any raw code outside the known ranges is Other.
const (
	CategoryGranted    Category = "granted"
	CategoryDenied     Category = "denied"
	CategoryForcedOpen Category = "forced_open"
	CategoryLocked     Category = "locked"
	CategoryOpened     Category = "opened"
	CategoryClosed     Category = "closed"
	CategoryOther      Category = "other"
)

// Event is the normalized, immutable event value the core fans out.
// OccurredAt is always UTC; display formatting happens only at the fan-out
// boundary.
type Event struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	RawCode    string    `json:"raw_code"`
	Category   Category  `json:"category"`
	Label      string    `json:"label"`
	UserID     string    `json:"user_id,omitempty"`
	UserName   string    `json:"user_name,omitempty"`
	DoorID     string    `json:"door_id,omitempty"`
	DoorName   string    `json:"door_name,omitempty"`
}

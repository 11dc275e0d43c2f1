// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package classify

import (
	"strconv"
	"time"

	"github.com/centinela-io/centinela/internal/biostar"
)

// codeRange is an inclusive range of raw event codes.
type codeRange struct {
	lo, hi int
}

// categoryTable is the canonical raw code to category mapping. Codes
// outside every range are CategoryOther.
var categoryTable = []struct {
	category Category
	label    string
	ranges   []codeRange
}{
	{CategoryGranted, "Access granted", []codeRange{
		{4097, 4107}, {4112, 4115}, {4118, 4123}, {4128, 4129}, {4865, 4872},
	}},
	{CategoryDenied, "Access denied", []codeRange{
		{4353, 4357}, {4360, 4360}, {5123, 5125}, {6401, 6407},
		{6414, 6415}, {6418, 6421},
	}},
	{CategoryForcedOpen, "Door forced open", []codeRange{{21504, 21504}}},
	{CategoryOpened, "Door opened", []codeRange{{20992, 20992}}},
	{CategoryClosed, "Door closed", []codeRange{{21248, 21248}}},
	{CategoryLocked, "Door locked", []codeRange{{20736, 20736}}},
}

// datetimeLayouts are the timestamp shapes the appliance emits. Unqualified
// timestamps are assumed UTC.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Classify converts a raw appliance record into a normalized Event. It
// never fails: missing fields become empty values and unknown codes map to
// CategoryOther.
func Classify(raw biostar.RawEvent) Event {
	ev := Event{
		EventID: raw.ID.String(),
	}

	if raw.EventTypeID != nil {
		ev.RawCode = raw.EventTypeID.Code.String()
	}
	ev.Category, ev.Label = categorize(ev.RawCode)
	if ev.Category == CategoryOther && raw.EventTypeID != nil && raw.EventTypeID.Name != "" {
		ev.Label = RepairText(raw.EventTypeID.Name)
	}

	ev.OccurredAt = parseDatetime(raw.Datetime)
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = parseDatetime(raw.ServerDatetime)
	}

	if raw.DeviceID != nil {
		ev.DeviceID = raw.DeviceID.ID.String()
		ev.DeviceName = RepairText(raw.DeviceID.Name)
	}
	if raw.UserID != nil {
		ev.UserID = raw.UserID.UserID
		ev.UserName = RepairText(raw.UserID.Name)
	}
	if len(raw.DoorID) > 0 {
		ev.DoorID = raw.DoorID[0].ID.String()
		ev.DoorName = RepairText(raw.DoorID[0].Name)
	}

	// An upstream row without an id still needs a stable identity for the
	// boundary dedup set.
	if ev.EventID == "" {
		ev.EventID = ev.DeviceID + "/" + raw.Datetime + "/" + ev.RawCode
	}

	return ev
}

// categorize maps a raw code string through the category table.
func categorize(rawCode string) (Category, string) {
	code, err := strconv.Atoi(rawCode)
	if err != nil {
		return CategoryOther, "Unknown event"
	}
	for _, entry := range categoryTable {
		for _, r := range entry.ranges {
			if code >= r.lo && code <= r.hi {
				return entry.category, entry.label
			}
		}
	}
	return CategoryOther, "Unknown event"
}

// parseDatetime parses an appliance timestamp into a UTC instant. Returns
// the zero time when the string matches no known layout.
func parseDatetime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

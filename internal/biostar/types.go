// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package biostar

import "github.com/goccy/go-json"

// Search condition operators understood by the appliance. Operators beyond
// this set exist upstream but are not documented; nothing in Centinela
// relies on them.
const (
	OperatorEqual    = 0
	OperatorBetween  = 3
	OperatorContains = 4
	OperatorIn       = 5
)

// MaxSearchLimit is the hard cap the appliance enforces per search call.
const MaxSearchLimit = 2000

// Condition is a structured search predicate (column, operator, values).
type Condition struct {
	Column   string        `json:"column"`
	Operator int           `json:"operator"`
	Values   []interface{} `json:"values"`
}

// Order is a sort directive for a search.
type Order struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending"`
}

// Query is the body of an event search request.
type Query struct {
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	Conditions []Condition `json:"conditions"`
	Orders     []Order     `json:"orders"`
}

// Device is one row of the appliance device inventory.
type Device struct {
	ID   string
	Name string
}

// RawEvent is one row of an event search response, exactly as the
// appliance shapes it. Classification into a normalized event happens in
// the classify package.
type RawEvent struct {
	ID             json.Number   `json:"id"`
	Datetime       string        `json:"datetime"`
	ServerDatetime string        `json:"server_datetime"`
	EventTypeID    *RawEventType `json:"event_type_id"`
	DeviceID       *RawDeviceRef `json:"device_id"`
	UserID         *RawUserRef   `json:"user_id"`
	DoorID         []RawDoorRef  `json:"door_id"`
}

// RawEventType is the nested event type record carrying the numeric code.
type RawEventType struct {
	Code json.Number `json:"code"`
	Name string      `json:"name"`
}

// RawDeviceRef is the nested device reference on an event row.
type RawDeviceRef struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

// RawUserRef is the nested user reference on an event row, when the event
// is attributable to a credential holder.
type RawUserRef struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// RawDoorRef is one entry of the optional door list on an event row.
type RawDoorRef struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

// loginRequest is the structured login body.
type loginRequest struct {
	User loginUser `json:"User"`
}

type loginUser struct {
	LoginID  string `json:"login_id"`
	Password string `json:"password"`
}

// deviceRow mirrors DeviceCollection.rows entries on the wire.
type deviceRow struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

// deviceCollectionResponse is the device listing response envelope.
type deviceCollectionResponse struct {
	DeviceCollection struct {
		Rows []deviceRow `json:"rows"`
	} `json:"DeviceCollection"`
}

// eventCollectionResponse is the event search response envelope.
type eventCollectionResponse struct {
	EventCollection struct {
		Rows []RawEvent `json:"rows"`
	} `json:"EventCollection"`
}

// searchRequest is the event search request envelope.
type searchRequest struct {
	Query Query `json:"Query"`
}

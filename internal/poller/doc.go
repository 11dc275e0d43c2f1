// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

// Package poller converts the appliance's poll-only event search into a
// push source. Each watched device owns a cursor (the timestamp high-water
// mark plus a bounded set of recently emitted event ids) and a single
// polling goroutine; newly observed events are classified and published to
// the bus in ascending order.
//
// Lifecycle: a cursor is created when the first subscriber attaches and is
// initialized from a small bounded window that doubles as the subscriber's
// initialization snapshot. The polling loop exits after the last subscriber
// detaches plus a grace period; the cursor itself survives a longer
// quiescence window so a quick reattach does not resnapshot.
//
// Dedup is by event id, never by timestamp alone: upstream timestamps have
// one-second resolution, so the boundary of every poll window can contain
// already-emitted events.
package poller

// Centinela - Workforce Attendance and Access Monitoring
// Copyright 2026 Centinela Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/centinela-io/centinela

package classify

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// mojibakeMarkers are lead runes produced when UTF-8 bytes are decoded as a
// single-byte codepage: UTF-8 multi-byte sequences for Latin text start
// with 0xC3/0xC2/0xE2..., which windows-1252 renders as these characters.
const mojibakeMarkers = "ÃÂâ€šž"

// RepairText attempts one bounded recovery pass for text that looks like a
// mojibake round-trip (UTF-8 decoded as windows-1252). The string's runes
// are re-encoded to their windows-1252 bytes; when those bytes are valid
// UTF-8 the repaired string is returned, otherwise the input is kept.
// The repair is idempotent: correctly decoded text has no marker runes and
// passes through untouched.
func RepairText(s string) string {
	if s == "" || !strings.ContainsAny(s, mojibakeMarkers) {
		return s
	}

	repaired, err := charmap.Windows1252.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Some rune has no windows-1252 byte, so the string cannot be a
		// windows-1252 round-trip.
		return s
	}
	if !utf8.Valid(repaired) {
		return s
	}
	return string(repaired)
}

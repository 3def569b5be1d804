// Vigil
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package asn resolves IP addresses to the autonomous system numbers
// announcing them. Lookups run through a layered pipeline: the shared cache,
// a durable entry store, and finally a chain of external providers guarded
// by a token bucket, bounded retries and an optional circuit breaker.
// Failed lookups are never cached; the next call retries the pipeline.
package asn

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Format renders an ASN in its canonical AS-prefixed form, e.g. "AS15169".
func Format(asn uint32) string {
	return fmt.Sprintf("AS%d", asn)
}

// Parse converts the textual forms "15169" and "AS15169" to a numeric ASN.
func Parse(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "AS") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

// Entry is a persisted IP-to-ASN mapping.
type Entry struct {
	// IP is the address the mapping belongs to, unique per store.
	IP string `json:"ip"`
	// ASN is the autonomous system number announcing the address.
	ASN uint32 `json:"asn"`
	// Org is the organization operating the autonomous system, when known.
	Org string `json:"org,omitempty"`
	// LastModified is when the mapping was last confirmed. Entries older
	// than the configured staleness threshold are swept.
	LastModified time.Time `json:"last_modified"`
}

// EntryStore persists IP-to-ASN mappings. Implementations must be safe for
// concurrent use.
type EntryStore interface {
	// GetEntry returns the entry stored for ip, or trace.NotFound.
	GetEntry(ctx context.Context, ip string) (Entry, error)
	// UpsertEntry inserts or replaces the entry for its IP.
	UpsertEntry(ctx context.Context, entry Entry) error
	// DeleteEntriesOlderThan removes entries last modified before cutoff
	// and reports how many were removed. The deletion is atomic:
	// concurrent readers observe either the old or the new state, never a
	// partial sweep.
	DeleteEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

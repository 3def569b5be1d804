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

package local

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/vigil/lib/asn"
)

// AsnStore keeps IP-to-ASN entries in memory.
type AsnStore struct {
	mu      sync.Mutex
	entries map[string]asn.Entry
}

// NewAsnStore returns an empty AsnStore.
func NewAsnStore() *AsnStore {
	return &AsnStore{entries: make(map[string]asn.Entry)}
}

// GetEntry implements asn.EntryStore.
func (s *AsnStore) GetEntry(ctx context.Context, ip string) (asn.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ip]
	if !ok {
		return asn.Entry{}, trace.NotFound("no ASN entry for %v", ip)
	}
	return entry, nil
}

// UpsertEntry implements asn.EntryStore.
func (s *AsnStore) UpsertEntry(ctx context.Context, entry asn.Entry) error {
	if entry.IP == "" {
		return trace.BadParameter("missing parameter IP")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.IP] = entry
	return nil
}

// DeleteEntriesOlderThan implements asn.EntryStore.
func (s *AsnStore) DeleteEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for ip, entry := range s.entries {
		if entry.LastModified.Before(cutoff) {
			delete(s.entries, ip)
			deleted++
		}
	}
	return deleted, nil
}

var _ asn.EntryStore = (*AsnStore)(nil)

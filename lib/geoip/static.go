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

package geoip

import (
	"context"
	"net/netip"
	"sync"

	"github.com/gravitational/trace"
)

// StaticReader serves city and ASN records from in-memory tables. It backs
// tests and air-gapped deployments that ship a fixed address book instead of
// MaxMind databases.
type StaticReader struct {
	mu     sync.RWMutex
	cities map[netip.Addr]CityRecord
	asns   map[netip.Addr]ASNRecord
}

// NewStaticReader returns a reader answering from the provided tables.
// Either table may be nil.
func NewStaticReader(cities map[netip.Addr]CityRecord, asns map[netip.Addr]ASNRecord) *StaticReader {
	if cities == nil {
		cities = make(map[netip.Addr]CityRecord)
	}
	if asns == nil {
		asns = make(map[netip.Addr]ASNRecord)
	}
	return &StaticReader{cities: cities, asns: asns}
}

// City implements CityReader.
func (s *StaticReader) City(ctx context.Context, addr netip.Addr) (CityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.cities[addr]
	if !ok {
		return CityRecord{}, trace.NotFound("no city record for %v", addr)
	}
	return record, nil
}

// ASN implements ASNReader.
func (s *StaticReader) ASN(ctx context.Context, addr netip.Addr) (ASNRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.asns[addr]
	if !ok {
		return ASNRecord{}, trace.NotFound("no ASN record for %v", addr)
	}
	return record, nil
}

// AddCity inserts or replaces the city record for addr.
func (s *StaticReader) AddCity(addr netip.Addr, record CityRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cities[addr] = record
}

// AddASN inserts or replaces the ASN record for addr.
func (s *StaticReader) AddASN(addr netip.Addr, record ASNRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asns[addr] = record
}

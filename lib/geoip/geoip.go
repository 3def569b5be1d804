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

// Package geoip reads MaxMind GeoIP databases. It exposes narrow reader
// interfaces so that the rest of the codebase never touches the database
// format directly and tests can substitute static fixtures.
//
// Database acquisition is out of scope: readers open .mmdb files already on
// disk and operators refresh them with their own tooling.
package geoip

import (
	"context"
	"net/netip"
)

// CityRecord is the projection of a GeoIP city lookup consumed by the geo
// resolver. Fields missing from the database stay zero valued.
type CityRecord struct {
	// CountryCode is the ISO 3166-1 alpha-2 country code.
	CountryCode string
	// CountryName is the English country name.
	CountryName string
	// City is the English city name.
	City string
	// PostalCode is the postal code of the location.
	PostalCode string
	// Latitude is the latitude of the location in degrees.
	Latitude float64
	// Longitude is the longitude of the location in degrees.
	Longitude float64
	// TimeZone is the IANA time zone name, e.g. "America/Sao_Paulo".
	TimeZone string
	// SubdivisionCode is the ISO code of the most specific subdivision.
	SubdivisionCode string
	// SubdivisionName is the English name of the most specific subdivision.
	SubdivisionName string
}

// ASNRecord is the projection of a GeoIP ASN lookup.
type ASNRecord struct {
	// ASN is the autonomous system number announcing the IP.
	ASN uint32
	// Org is the organization operating the autonomous system.
	Org string
}

// CityReader resolves an address to its city record. Implementations return
// trace.NotFound when the database has no record for the address.
type CityReader interface {
	City(ctx context.Context, addr netip.Addr) (CityRecord, error)
}

// ASNReader resolves an address to its ASN record. Implementations return
// trace.NotFound when the database has no record for the address.
type ASNReader interface {
	ASN(ctx context.Context, addr netip.Addr) (ASNRecord, error)
}

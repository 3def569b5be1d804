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
	"net"
	"net/netip"

	"context"

	"github.com/gravitational/trace"
	"github.com/oschwald/geoip2-golang"
)

// ReaderConfig configures a Reader over local MaxMind databases.
type ReaderConfig struct {
	// CityPath is the path to the GeoLite2/GeoIP2 City database. Optional;
	// city lookups fail with NotImplemented when unset.
	CityPath string
	// ASNPath is the path to the GeoLite2/GeoIP2 ASN database. Optional;
	// ASN lookups fail with NotImplemented when unset.
	ASNPath string
}

// CheckAndSetDefaults validates the config.
func (c *ReaderConfig) CheckAndSetDefaults() error {
	if c.CityPath == "" && c.ASNPath == "" {
		return trace.BadParameter("at least one of CityPath and ASNPath is required")
	}
	return nil
}

// Reader reads city and ASN records from local MaxMind databases. The
// underlying readers memory-map the database files and are safe for
// concurrent use.
type Reader struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// NewReader opens the configured MaxMind databases.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	r := &Reader{}
	if cfg.CityPath != "" {
		city, err := geoip2.Open(cfg.CityPath)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		r.city = city
	}
	if cfg.ASNPath != "" {
		asn, err := geoip2.Open(cfg.ASNPath)
		if err != nil {
			r.Close()
			return nil, trace.ConvertSystemError(err)
		}
		r.asn = asn
	}
	return r, nil
}

// City implements CityReader.
func (r *Reader) City(ctx context.Context, addr netip.Addr) (CityRecord, error) {
	if r.city == nil {
		return CityRecord{}, trace.NotImplemented("no city database configured")
	}

	record, err := r.city.City(net.IP(addr.AsSlice()))
	if err != nil {
		return CityRecord{}, trace.Wrap(err)
	}
	// a miss comes back as a zero record rather than an error
	if record.Country.IsoCode == "" && record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return CityRecord{}, trace.NotFound("no city record for %v", addr)
	}

	out := CityRecord{
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		City:        record.City.Names["en"],
		PostalCode:  record.Postal.Code,
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		TimeZone:    record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		// the last subdivision is the most specific one
		sub := record.Subdivisions[len(record.Subdivisions)-1]
		out.SubdivisionCode = sub.IsoCode
		out.SubdivisionName = sub.Names["en"]
	}
	return out, nil
}

// ASN implements ASNReader.
func (r *Reader) ASN(ctx context.Context, addr netip.Addr) (ASNRecord, error) {
	if r.asn == nil {
		return ASNRecord{}, trace.NotImplemented("no ASN database configured")
	}

	record, err := r.asn.ASN(net.IP(addr.AsSlice()))
	if err != nil {
		return ASNRecord{}, trace.Wrap(err)
	}
	if record.AutonomousSystemNumber == 0 {
		return ASNRecord{}, trace.NotFound("no ASN record for %v", addr)
	}
	return ASNRecord{
		ASN: uint32(record.AutonomousSystemNumber),
		Org: record.AutonomousSystemOrganization,
	}, nil
}

// Close releases the underlying database readers.
func (r *Reader) Close() error {
	var errs []error
	if r.city != nil {
		errs = append(errs, r.city.Close())
		r.city = nil
	}
	if r.asn != nil {
		errs = append(errs, r.asn.Close())
		r.asn = nil
	}
	return trace.NewAggregate(errs...)
}

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

package geo

import (
	"context"
	"net/netip"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/cache"
	"github.com/gravitational/vigil/lib/geoip"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentGeo)

// ASNResolver resolves an IP to the ASN announcing it. Satisfied by the asn
// package resolver; declared here so the geo resolver does not depend on its
// implementation.
type ASNResolver interface {
	LookupASN(ctx context.Context, ip string) (uint32, error)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Reader resolves addresses to city records. Required.
	Reader geoip.CityReader
	// ASN opportunistically enriches resolved locations with their ASN.
	// Optional; enrichment failures are swallowed.
	ASN ASNResolver
	// Cache is the shared caching layer. Optional; when set the
	// GeoCache name must be declared on it.
	Cache *cache.Layer
}

// CheckAndSetDefaults validates the config.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Reader == nil {
		return trace.BadParameter("missing parameter Reader")
	}
	return nil
}

// Resolver resolves IP addresses to locations using a local GeoIP database,
// enriching them with ASN information when a resolver is available.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver returns a geo resolver with the supplied configuration.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// Lookup resolves ip to a location. Unparseable addresses and resolution
// failures yield Unknown() rather than an error: callers treat an unknown
// location as a risk signal, not a fault.
func (r *Resolver) Lookup(ctx context.Context, ip string) Location {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		log.DebugContext(ctx, "Not geolocating unparseable address", "ip", ip)
		return Unknown()
	}

	if r.cfg.Cache == nil {
		loc, err := r.resolve(ctx, addr)
		if err != nil {
			log.WarnContext(ctx, "Geolocation failed", "ip", addr.String(), "error", err)
			return Unknown()
		}
		return loc
	}

	loc, err := cache.Get(ctx, r.cfg.Cache, cache.GeoCache, addr.String(), func(ctx context.Context) (Location, error) {
		return r.resolve(ctx, addr)
	})
	if err != nil {
		log.WarnContext(ctx, "Geolocation failed", "ip", addr.String(), "error", err)
		return Unknown()
	}
	return loc
}

// resolve loads the city record and projects it onto a Location. A missing
// database record is a stable outcome and resolves to Unknown with no error,
// so it is cached; transient reader failures return an error and are not.
func (r *Resolver) resolve(ctx context.Context, addr netip.Addr) (Location, error) {
	record, err := r.cfg.Reader.City(ctx, addr)
	switch {
	case trace.IsNotFound(err):
		return Unknown(), nil
	case err != nil:
		return Location{}, trace.Wrap(err)
	}

	loc := Location{
		CountryCode:     record.CountryCode,
		CountryName:     record.CountryName,
		City:            record.City,
		PostalCode:      record.PostalCode,
		Latitude:        record.Latitude,
		Longitude:       record.Longitude,
		TimeZone:        record.TimeZone,
		SubdivisionCode: record.SubdivisionCode,
		SubdivisionName: record.SubdivisionName,
	}
	if loc.CountryCode == "" {
		return Unknown(), nil
	}

	if loc.ASN == 0 && r.cfg.ASN != nil {
		if asn, err := r.cfg.ASN.LookupASN(ctx, addr.String()); err == nil {
			loc = loc.WithASN(asn)
		} else {
			log.DebugContext(ctx, "ASN enrichment failed", "ip", addr.String(), "error", err)
		}
	}
	return loc, nil
}

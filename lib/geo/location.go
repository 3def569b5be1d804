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

// Package geo resolves IP addresses to geographic locations and measures
// distances between them. Location values are immutable: enrichment returns
// a new value instead of mutating the receiver.
package geo

import (
	"fmt"
	"math"
)

// UnknownCountryCode marks a location that could not be resolved.
const UnknownCountryCode = "XX"

// Location is a resolved geographic location. Either CountryCode, Latitude
// and Longitude are all populated, or the value equals Unknown().
type Location struct {
	// CountryCode is the ISO 3166-1 alpha-2 country code, "XX" when
	// unknown.
	CountryCode string `json:"country_code"`
	// CountryName is the English country name.
	CountryName string `json:"country_name,omitempty"`
	// City is the English city name.
	City string `json:"city,omitempty"`
	// PostalCode is the postal code of the location.
	PostalCode string `json:"postal_code,omitempty"`
	// Latitude is the latitude in degrees, positive north.
	Latitude float64 `json:"latitude"`
	// Longitude is the longitude in degrees, positive east.
	Longitude float64 `json:"longitude"`
	// TimeZone is the IANA time zone name.
	TimeZone string `json:"time_zone,omitempty"`
	// SubdivisionCode is the ISO code of the most specific subdivision.
	SubdivisionCode string `json:"subdivision_code,omitempty"`
	// SubdivisionName is the English name of the most specific subdivision.
	SubdivisionName string `json:"subdivision_name,omitempty"`
	// ASN is the autonomous system number announcing the IP, zero when
	// not resolved.
	ASN uint32 `json:"asn,omitempty"`
}

// Unknown returns the sentinel location of addresses that could not be
// resolved.
func Unknown() Location {
	return Location{CountryCode: UnknownCountryCode}
}

// IsUnknown reports whether the location is the unresolved sentinel.
func (l Location) IsUnknown() bool {
	return l.CountryCode == UnknownCountryCode || l.CountryCode == ""
}

// WithASN returns a copy of the location carrying the provided ASN.
func (l Location) WithASN(asn uint32) Location {
	l.ASN = asn
	return l
}

// HasCoordinates reports whether both coordinates are finite and within
// their valid ranges.
func (l Location) HasCoordinates() bool {
	return validCoordinate(l.Latitude, 90) && validCoordinate(l.Longitude, 180)
}

// String renders the location for logs and alert messages.
func (l Location) String() string {
	if l.IsUnknown() {
		return "unknown"
	}
	if l.City == "" {
		return l.CountryCode
	}
	return fmt.Sprintf("%s, %s", l.City, l.CountryCode)
}

func validCoordinate(v, bound float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= -bound && v <= bound
}

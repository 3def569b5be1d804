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

// Package defaults contains default constants set in various parts of the
// vigil codebase.
package defaults

import "time"

// Device fingerprint service defaults.
const (
	// MaxDevicesPerUser caps the number of active device records a single
	// user account may hold.
	MaxDevicesPerUser = 5

	// MaxFailedAttempts is the number of failed verification attempts
	// after which a device record is deactivated.
	MaxFailedAttempts = 5

	// RegisterAttempts bounds the optimistic-concurrency retry loop used
	// when several logins race to upsert the same device record.
	RegisterAttempts = 3
)

// Rate limiter defaults.
const (
	// DeviceRateLimit is the number of device registrations admitted per
	// client key within DeviceRateWindow.
	DeviceRateLimit = 5

	// DeviceRateWindow is the window over which DeviceRateLimit applies.
	DeviceRateWindow = time.Minute

	// LimiterPurgeThreshold is the number of tracked keys above which the
	// in-process limiter sweeps expired windows from its table.
	LimiterPurgeThreshold = 10000
)

// ASN resolver defaults.
const (
	// AsnStaleThreshold is the age past which a persisted IP-to-ASN
	// mapping is considered stale and eligible for deletion.
	AsnStaleThreshold = 30 * 24 * time.Hour

	// AsnCleanupInterval is how often the stale entry sweeper runs.
	AsnCleanupInterval = 12 * time.Hour

	// AsnExternalRate is the per-process rate (events per second) at
	// which external ASN lookups are allowed.
	AsnExternalRate = 10

	// AsnExternalBurst is the token bucket burst for external lookups.
	AsnExternalBurst = 10

	// AsnDatabaseTimeout bounds a local GeoIP database lookup.
	AsnDatabaseTimeout = 100 * time.Millisecond

	// AsnDNSTimeout bounds a reverse-zone DNS lookup.
	AsnDNSTimeout = time.Second

	// AsnWhoisTimeout bounds a WHOIS conversation.
	AsnWhoisTimeout = 3 * time.Second

	// AsnLookupAttempts bounds retries of a failing external lookup.
	AsnLookupAttempts = 3

	// WhoisServer is the WHOIS endpoint queried when both the local
	// database and the reverse zone come up empty. RADb mirrors the
	// routing registries and answers with route objects carrying an
	// origin attribute.
	WhoisServer = "whois.radb.net:43"
)

// Risk engine defaults.
const (
	// RiskTimeWindow is the maximum age of the previous location for the
	// impossible travel check to apply.
	RiskTimeWindow = 24 * time.Hour

	// ImpossibleSpeedKmh is the travel speed above which a login pair is
	// flagged as impossible travel.
	ImpossibleSpeedKmh = 1100.0

	// SuspiciousDistanceKm is reserved for a future distance-based check.
	SuspiciousDistanceKm = 500.0

	// VPNReputationThreshold is the reputation score below which an IP is
	// treated as a likely VPN or proxy exit.
	VPNReputationThreshold = 0.5

	// LocationHistoryMax bounds the per-user login location history.
	LocationHistoryMax = 50
)

// Cache defaults.
const (
	// AsnCacheTTL is how long resolved IP-to-ASN mappings stay cached.
	// The mappings change on BGP timescales, so a day is conservative.
	AsnCacheTTL = 24 * time.Hour

	// GeoCacheTTL is how long resolved geolocations stay cached.
	GeoCacheTTL = time.Hour

	// LocationHistoryTTL is how long an idle user's location history is
	// retained by the caching layer.
	LocationHistoryTTL = 30 * 24 * time.Hour

	// CacheMaxEntries bounds each named cache.
	CacheMaxEntries = 10000

	// CacheCleanupInterval is how often expired cache entries are swept.
	CacheCleanupInterval = 5 * time.Minute
)

// Audit defaults.
const (
	// AuditBufferSize is the queue depth of the asynchronous audit
	// emitter. Events beyond it are dropped and counted.
	AuditBufferSize = 1024
)

// Alert transport defaults.
const (
	// AlertWebhookTimeout bounds a webhook alert delivery.
	AlertWebhookTimeout = 5 * time.Second

	// ReputationTimeout bounds a reputation service query.
	ReputationTimeout = 2 * time.Second

	// SMTPPort is the default mail submission port.
	SMTPPort = 587
)

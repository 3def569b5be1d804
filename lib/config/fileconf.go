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

// Package config parses the on-disk YAML configuration and validates it
// before any component starts.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/vigil/lib/defaults"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

// FileConfig is the on-disk configuration, usually /etc/vigil.yaml.
type FileConfig struct {
	// Log configures the process logger.
	Log Log `yaml:"log,omitempty"`
	// Device configures the device fingerprint service.
	Device Device `yaml:"device,omitempty"`
	// RateLimit configures registration admission control.
	RateLimit RateLimit `yaml:"ratelimit,omitempty"`
	// ASN configures the IP to ASN resolution pipeline.
	ASN ASN `yaml:"asn,omitempty"`
	// Geo configures geolocation and the risk engine policy knobs.
	Geo Geo `yaml:"geo,omitempty"`
	// Redis configures the shared cache and limiter backend. Optional;
	// everything falls back to in-process implementations without it.
	Redis Redis `yaml:"redis,omitempty"`
	// Postgres configures the durable store. Optional; the in-memory
	// store serves tests and evaluation runs.
	Postgres Postgres `yaml:"postgres,omitempty"`
	// Alerts configures outbound alert transports.
	Alerts Alerts `yaml:"alerts,omitempty"`
}

// Log configures the process logger.
type Log struct {
	// Severity is the minimum level that gets logged, INFO when unset.
	Severity string `yaml:"severity,omitempty"`
}

// Device configures the fingerprint service.
type Device struct {
	// Salt is mixed into every fingerprint hash. Required: an unsalted
	// fingerprint is linkable across deployments.
	Salt string `yaml:"salt"`
	// MaxPerUser caps active device records per user.
	MaxPerUser int `yaml:"max_per_user,omitempty"`
	// MaxFailedAttempts deactivates a device once reached.
	MaxFailedAttempts int `yaml:"max_failed_attempts,omitempty"`
}

// RateLimit configures registration admission control.
type RateLimit struct {
	// Limit is the number of attempts admitted per key and window.
	Limit int `yaml:"limit,omitempty"`
	// Window is the measurement window.
	Window time.Duration `yaml:"window,omitempty"`
}

// ASN configures the IP to ASN resolution pipeline.
type ASN struct {
	// StaleThreshold is the age past which stored entries are swept.
	StaleThreshold time.Duration `yaml:"stale_threshold,omitempty"`
	// CleanupInterval is how often the sweeper runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval,omitempty"`
	// ExternalRate caps external lookups per second.
	ExternalRate float64 `yaml:"external_rate,omitempty"`
	// WhoisServer is the host:port of the WHOIS fallback.
	WhoisServer string `yaml:"whois_server,omitempty"`
}

// Geo configures geolocation and the risk policy knobs.
type Geo struct {
	// TimeWindow is how far back the impossible travel check reaches.
	TimeWindow time.Duration `yaml:"time_window,omitempty"`
	// ImpossibleSpeedKmh is the travel speed past which a login pair is
	// flagged.
	ImpossibleSpeedKmh float64 `yaml:"impossible_speed_kmh,omitempty"`
	// SuspiciousDistanceKm is reserved for a close-in-time distance rule.
	SuspiciousDistanceKm float64 `yaml:"suspicious_distance_km,omitempty"`
	// HighRiskCountries lists ISO country codes graded at least MEDIUM.
	HighRiskCountries []string `yaml:"high_risk_countries,omitempty"`
	// KnownVPNASNs lists autonomous systems operated by VPN providers.
	KnownVPNASNs []uint32 `yaml:"known_vpn_asns,omitempty"`
	// VPNReputationThreshold grades VPN logins HIGH below this score.
	VPNReputationThreshold float64 `yaml:"vpn_reputation_threshold,omitempty"`
	// CityDB is the path to the GeoIP2 city database.
	CityDB string `yaml:"city_db,omitempty"`
	// ASNDB is the path to the GeoIP2 ASN database.
	ASNDB string `yaml:"asn_db,omitempty"`
}

// Redis configures the shared cache and limiter backend.
type Redis struct {
	// Addr is the host:port of the server.
	Addr string `yaml:"addr,omitempty"`
	// Password authenticates the connection when set.
	Password string `yaml:"password,omitempty"`
	// DB selects the logical database.
	DB int `yaml:"db,omitempty"`
}

// Postgres configures the durable store.
type Postgres struct {
	// ConnString is a pgx connection string or URL.
	ConnString string `yaml:"conn_string,omitempty"`
}

// Alerts configures outbound alert transports.
type Alerts struct {
	// SMTP delivers alerts by mail when configured.
	SMTP SMTP `yaml:"smtp,omitempty"`
	// WebhookURL delivers alerts as JSON POSTs when set.
	WebhookURL string `yaml:"webhook_url,omitempty"`
}

// SMTP configures the mail alert transport.
type SMTP struct {
	// Host is the mail server hostname.
	Host string `yaml:"host,omitempty"`
	// Port is the submission port.
	Port int `yaml:"port,omitempty"`
	// Username authenticates the submission.
	Username string `yaml:"username,omitempty"`
	// Password authenticates the submission.
	Password string `yaml:"password,omitempty"`
	// From is the sender address.
	From string `yaml:"from,omitempty"`
	// To lists the recipient addresses.
	To []string `yaml:"to,omitempty"`
}

// ReadFromFile reads and parses the YAML config from a file.
func ReadFromFile(filePath string) (*FileConfig, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, trace.Wrap(err, fmt.Sprintf("failed to open file: %v", filePath))
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses the YAML config from a reader. Unknown keys are
// rejected: a typoed knob silently falling back to its default is worse
// than a startup failure.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	var fc FileConfig

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&fc); err != nil && err != io.EOF {
		return nil, trace.BadParameter("failed parsing config file: %s", strings.ReplaceAll(err.Error(), "\n", ""))
	}

	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fc, nil
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.Log.Severity != "" {
		if _, err := logutils.ParseLevel(fc.Log.Severity); err != nil {
			return trace.Wrap(err)
		}
	}

	if fc.Device.MaxPerUser < 0 {
		return trace.BadParameter("device.max_per_user cannot be negative")
	}
	if fc.Device.MaxPerUser == 0 {
		fc.Device.MaxPerUser = defaults.MaxDevicesPerUser
	}
	if fc.Device.MaxFailedAttempts < 0 {
		return trace.BadParameter("device.max_failed_attempts cannot be negative")
	}
	if fc.Device.MaxFailedAttempts == 0 {
		fc.Device.MaxFailedAttempts = defaults.MaxFailedAttempts
	}

	if fc.RateLimit.Limit < 0 {
		return trace.BadParameter("ratelimit.limit cannot be negative")
	}
	if fc.RateLimit.Limit == 0 {
		fc.RateLimit.Limit = defaults.DeviceRateLimit
	}
	if fc.RateLimit.Window < 0 {
		return trace.BadParameter("ratelimit.window cannot be negative")
	}
	if fc.RateLimit.Window == 0 {
		fc.RateLimit.Window = defaults.DeviceRateWindow
	}

	if fc.ASN.StaleThreshold < 0 {
		return trace.BadParameter("asn.stale_threshold cannot be negative")
	}
	if fc.ASN.StaleThreshold == 0 {
		fc.ASN.StaleThreshold = defaults.AsnStaleThreshold
	}
	if fc.ASN.CleanupInterval < 0 {
		return trace.BadParameter("asn.cleanup_interval cannot be negative")
	}
	if fc.ASN.CleanupInterval == 0 {
		fc.ASN.CleanupInterval = defaults.AsnCleanupInterval
	}
	if fc.ASN.ExternalRate < 0 {
		return trace.BadParameter("asn.external_rate cannot be negative")
	}
	if fc.ASN.ExternalRate == 0 {
		fc.ASN.ExternalRate = defaults.AsnExternalRate
	}
	if fc.ASN.WhoisServer == "" {
		fc.ASN.WhoisServer = defaults.WhoisServer
	}

	if fc.Geo.TimeWindow < 0 {
		return trace.BadParameter("geo.time_window cannot be negative")
	}
	if fc.Geo.TimeWindow == 0 {
		fc.Geo.TimeWindow = defaults.RiskTimeWindow
	}
	if fc.Geo.ImpossibleSpeedKmh < 0 {
		return trace.BadParameter("geo.impossible_speed_kmh cannot be negative")
	}
	if fc.Geo.ImpossibleSpeedKmh == 0 {
		fc.Geo.ImpossibleSpeedKmh = defaults.ImpossibleSpeedKmh
	}
	if fc.Geo.SuspiciousDistanceKm < 0 {
		return trace.BadParameter("geo.suspicious_distance_km cannot be negative")
	}
	if fc.Geo.SuspiciousDistanceKm == 0 {
		fc.Geo.SuspiciousDistanceKm = defaults.SuspiciousDistanceKm
	}
	if fc.Geo.VPNReputationThreshold < 0 || fc.Geo.VPNReputationThreshold > 1 {
		return trace.BadParameter("geo.vpn_reputation_threshold must be between 0 and 1")
	}
	if fc.Geo.VPNReputationThreshold == 0 {
		fc.Geo.VPNReputationThreshold = defaults.VPNReputationThreshold
	}
	for i, code := range fc.Geo.HighRiskCountries {
		if len(code) != 2 {
			return trace.BadParameter("geo.high_risk_countries[%d]: %q is not a two-letter country code", i, code)
		}
		fc.Geo.HighRiskCountries[i] = strings.ToUpper(code)
	}

	if fc.Alerts.SMTP.Host != "" && fc.Alerts.SMTP.Port == 0 {
		fc.Alerts.SMTP.Port = defaults.SMTPPort
	}

	return nil
}

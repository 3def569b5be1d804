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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/vigil/lib/defaults"
)

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(`
log:
  severity: DEBUG
device:
  salt: "0d5f1b48"
  max_per_user: 3
ratelimit:
  limit: 10
  window: 30s
asn:
  stale_threshold: 168h
  external_rate: 2.5
  whois_server: "whois.example.com:43"
geo:
  time_window: 12h
  impossible_speed_kmh: 900
  high_risk_countries: ["kp", "IR"]
  known_vpn_asns: [9009, 212238]
  city_db: /var/lib/vigil/GeoLite2-City.mmdb
  asn_db: /var/lib/vigil/GeoLite2-ASN.mmdb
redis:
  addr: localhost:6379
  db: 2
postgres:
  conn_string: postgres://vigil@localhost/vigil
alerts:
  smtp:
    host: mail.example.com
    from: vigil@example.com
    to: [secops@example.com]
  webhook_url: https://hooks.example.com/vigil
`))
	require.NoError(t, err)

	require.Equal(t, "DEBUG", fc.Log.Severity)
	require.Equal(t, "0d5f1b48", fc.Device.Salt)
	require.Equal(t, 3, fc.Device.MaxPerUser)
	require.Equal(t, 10, fc.RateLimit.Limit)
	require.Equal(t, 30*time.Second, fc.RateLimit.Window)
	require.Equal(t, 7*24*time.Hour, fc.ASN.StaleThreshold)
	require.Equal(t, 2.5, fc.ASN.ExternalRate)
	require.Equal(t, "whois.example.com:43", fc.ASN.WhoisServer)
	require.Equal(t, 12*time.Hour, fc.Geo.TimeWindow)
	require.Equal(t, 900.0, fc.Geo.ImpossibleSpeedKmh)
	require.Equal(t, []string{"KP", "IR"}, fc.Geo.HighRiskCountries, "country codes are upcased")
	require.Equal(t, []uint32{9009, 212238}, fc.Geo.KnownVPNASNs)
	require.Equal(t, "localhost:6379", fc.Redis.Addr)
	require.Equal(t, 2, fc.Redis.DB)
	require.Equal(t, "postgres://vigil@localhost/vigil", fc.Postgres.ConnString)
	require.Equal(t, "mail.example.com", fc.Alerts.SMTP.Host)
	require.Equal(t, defaults.SMTPPort, fc.Alerts.SMTP.Port, "smtp port defaults when a host is set")
	require.Equal(t, "https://hooks.example.com/vigil", fc.Alerts.WebhookURL)

	// untouched sections still come back with usable values
	require.Equal(t, defaults.MaxFailedAttempts, fc.Device.MaxFailedAttempts)
	require.Equal(t, defaults.AsnCleanupInterval, fc.ASN.CleanupInterval)
	require.Equal(t, defaults.SuspiciousDistanceKm, fc.Geo.SuspiciousDistanceKm)
	require.Equal(t, defaults.VPNReputationThreshold, fc.Geo.VPNReputationThreshold)
}

func TestReadConfigDefaults(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)

	require.Equal(t, defaults.MaxDevicesPerUser, fc.Device.MaxPerUser)
	require.Equal(t, defaults.DeviceRateLimit, fc.RateLimit.Limit)
	require.Equal(t, defaults.DeviceRateWindow, fc.RateLimit.Window)
	require.Equal(t, defaults.AsnStaleThreshold, fc.ASN.StaleThreshold)
	require.Equal(t, float64(defaults.AsnExternalRate), fc.ASN.ExternalRate)
	require.Equal(t, defaults.WhoisServer, fc.ASN.WhoisServer)
	require.Equal(t, defaults.RiskTimeWindow, fc.Geo.TimeWindow)
	require.Empty(t, fc.Redis.Addr)
	require.Empty(t, fc.Postgres.ConnString)
	require.Zero(t, fc.Alerts.SMTP.Port, "no smtp port without a host")
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ReadConfig(strings.NewReader(`
device:
  salt: "s"
  max_per_usr: 3
`))
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestReadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "negative limit", yaml: "ratelimit:\n  limit: -1\n"},
		{name: "negative window", yaml: "ratelimit:\n  window: -10s\n"},
		{name: "negative stale threshold", yaml: "asn:\n  stale_threshold: -1h\n"},
		{name: "threshold above one", yaml: "geo:\n  vpn_reputation_threshold: 1.5\n"},
		{name: "malformed country code", yaml: "geo:\n  high_risk_countries: [\"PRK\"]\n"},
		{name: "unknown severity", yaml: "log:\n  severity: noisy\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadConfig(strings.NewReader(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  salt: disk\n"), 0o600))

	fc, err := ReadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, "disk", fc.Device.Salt)

	_, err = ReadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

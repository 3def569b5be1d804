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

// Package vigil holds constants shared across the project.
package vigil

import "strings"

// Version is the semantic version of the vigil library. It is overridden at
// build time for release artifacts.
var Version = "0.1.0-dev"

const (
	// ComponentKey is the name of the log attribute identifying the
	// component emitting a log line.
	ComponentKey = "component"

	// ComponentFingerprint is the device fingerprint service.
	ComponentFingerprint = "fingerprint"

	// ComponentRisk is the geo/ASN risk engine.
	ComponentRisk = "risk"

	// ComponentASN is the autonomous system number resolver.
	ComponentASN = "asn"

	// ComponentGeo is the IP geolocation resolver.
	ComponentGeo = "geo"

	// ComponentLimiter is the request rate limiter.
	ComponentLimiter = "limiter"

	// ComponentCache is the shared caching layer.
	ComponentCache = "cache"

	// ComponentAudit is the audit event sink.
	ComponentAudit = "audit"

	// ComponentAuthz is the authorization core.
	ComponentAuthz = "authz"

	// ComponentAlerts is the security alert transport.
	ComponentAlerts = "alerts"

	// ComponentFlow is the authentication flow coordinator.
	ComponentFlow = "authflow"

	// ComponentStore is the persistent record store.
	ComponentStore = "store"

	// ComponentCLI is the vigil command line tool.
	ComponentCLI = "cli"
)

// MetricNamespace defines the prometheus namespace of all vigil metrics.
const MetricNamespace = "vigil"

// Component concatenates component and subcomponent names into a single
// log-friendly identifier, e.g. Component("asn", "sweeper") == "asn:sweeper".
func Component(components ...string) string {
	return strings.Join(components, ":")
}

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

package utils

import (
	"net"
	"net/http"
	"strings"
)

// clientIPHeaders is the priority ordered list of headers consulted to find
// the address the client connected from. Proxies in front of the service set
// the first ones; the later ones come from older proxy and servlet stacks
// that some deployments still run behind.
var clientIPHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"Proxy-Client-IP",
	"WL-Proxy-Client-IP",
	"HTTP_CLIENT_IP",
	"HTTP_X_FORWARDED_FOR",
}

// ClientIP returns the client address of an HTTP request. Headers are
// consulted in a fixed priority order, skipping blank values and the literal
// "unknown" some proxies insert; X-Forwarded-For yields its first hop. When
// no header carries an address the transport peer address is returned.
func ClientIP(r *http.Request) string {
	for _, header := range clientIPHeaders {
		value := strings.TrimSpace(r.Header.Get(header))
		if value == "" || strings.EqualFold(value, "unknown") {
			continue
		}
		// a proxy chain accumulates comma separated hops; the first one
		// is the originating client
		if hop, _, found := strings.Cut(value, ","); found {
			value = strings.TrimSpace(hop)
			if value == "" || strings.EqualFold(value, "unknown") {
				continue
			}
		}
		return value
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

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

package fingerprint

import (
	"context"
	"net/netip"
	"strings"

	"github.com/gravitational/trace"
)

// IPPolicyConfig configures client address screening.
type IPPolicyConfig struct {
	// Blocklist is the set of denied networks, in CIDR notation. Bare
	// addresses are accepted and treated as single-address networks.
	Blocklist []string
}

// IPPolicy screens the client addresses of sensitive operations. A blocklist
// denies configured networks outright; a small set of heuristics catches
// addresses no legitimate client connects from. Addresses that merely fail
// to parse are logged and waved through, so a proxy chain mangling its
// forwarding headers cannot lock every client out.
type IPPolicy struct {
	blocked []netip.Prefix
}

// NewIPPolicy returns an IP policy enforcing the configured blocklist.
func NewIPPolicy(cfg IPPolicyConfig) (*IPPolicy, error) {
	blocked := make([]netip.Prefix, 0, len(cfg.Blocklist))
	for _, entry := range cfg.Blocklist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				return nil, trace.BadParameter("blocklist entry %q is not a CIDR range or address", entry)
			}
			prefix = netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen())
		}
		blocked = append(blocked, prefix.Masked())
	}
	return &IPPolicy{blocked: blocked}, nil
}

// Check screens ip. Blocked addresses return ErrIPBlocked, addresses caught
// by the heuristics return ErrIPSuspicious, unparseable addresses pass with
// a log line.
func (p *IPPolicy) Check(ctx context.Context, ip string) error {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		log.WarnContext(ctx, "Client address does not parse, skipping IP screening", "ip", ip)
		return nil
	}
	addr = addr.Unmap()

	for _, prefix := range p.blocked {
		if prefix.Contains(addr) {
			return trace.Wrap(ErrIPBlocked)
		}
	}
	if suspiciousAddr(addr) {
		return trace.Wrap(ErrIPSuspicious)
	}
	return nil
}

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// suspiciousAddr flags addresses that cannot be a real client: the
// unspecified address, multicast groups and the limited broadcast address.
func suspiciousAddr(addr netip.Addr) bool {
	return addr.IsUnspecified() || addr.IsMulticast() || addr == broadcastAddr
}

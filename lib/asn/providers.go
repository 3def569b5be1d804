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

package asn

import (
	"context"
	"io"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/geoip"
)

// Provider answers ASN lookups from a single external source. Providers are
// tried in order by the resolver; each applies its own per-attempt timeout.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// LookupASN resolves addr to an ASN and, when the source knows it, the
	// operating organization. It returns trace.NotFound when the source has
	// no answer for addr.
	LookupASN(ctx context.Context, addr netip.Addr) (uint32, string, error)
}

// databaseProvider answers lookups from a local GeoIP database. It is the
// cheapest source and is always tried first.
type databaseProvider struct {
	reader  geoip.ASNReader
	timeout time.Duration
}

// NewDatabaseProvider returns a provider backed by a local GeoIP ASN
// database reader.
func NewDatabaseProvider(reader geoip.ASNReader) (Provider, error) {
	if reader == nil {
		return nil, trace.BadParameter("missing parameter reader")
	}
	return &databaseProvider{
		reader:  reader,
		timeout: defaults.AsnDatabaseTimeout,
	}, nil
}

func (p *databaseProvider) Name() string { return "database" }

func (p *databaseProvider) LookupASN(ctx context.Context, addr netip.Addr) (uint32, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	record, err := p.reader.ASN(ctx, addr)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	return record.ASN, record.Org, nil
}

// cymruProvider answers lookups through Team Cymru's IP-to-ASN DNS zones.
// The address octets are reversed and queried as a TXT record under
// origin.asn.cymru.com (origin6 for IPv6); the record's first pipe-separated
// field carries the origin ASN.
type cymruProvider struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewCymruProvider returns a provider backed by Team Cymru's DNS zones.
// A nil resolver selects net.DefaultResolver.
func NewCymruProvider(resolver *net.Resolver) Provider {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &cymruProvider{
		resolver: resolver,
		timeout:  defaults.AsnDNSTimeout,
	}
}

func (p *cymruProvider) Name() string { return "cymru" }

func (p *cymruProvider) LookupASN(ctx context.Context, addr netip.Addr) (uint32, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	records, err := p.resolver.LookupTXT(ctx, cymruName(addr))
	if err != nil {
		return 0, "", trace.ConnectionProblem(err, "querying Team Cymru DNS zone")
	}
	for _, record := range records {
		if asn, err := parseCymruRecord(record); err == nil {
			return asn, "", nil
		}
	}
	return 0, "", trace.NotFound("no origin ASN recorded for %v", addr)
}

// cymruName builds the reverse-DNS query name for addr: dotted octets in
// reverse order for IPv4, reversed nibbles for IPv6.
func cymruName(addr netip.Addr) string {
	var sb strings.Builder
	if addr.Is4() {
		octets := addr.As4()
		for i := len(octets) - 1; i >= 0; i-- {
			sb.WriteString(strconv.Itoa(int(octets[i])))
			sb.WriteByte('.')
		}
		sb.WriteString("origin.asn.cymru.com")
		return sb.String()
	}
	raw := addr.As16()
	for i := len(raw) - 1; i >= 0; i-- {
		sb.WriteByte(hexDigits[raw[i]&0xf])
		sb.WriteByte('.')
		sb.WriteByte(hexDigits[raw[i]>>4])
		sb.WriteByte('.')
	}
	sb.WriteString("origin6.asn.cymru.com")
	return sb.String()
}

const hexDigits = "0123456789abcdef"

// parseCymruRecord extracts the origin ASN from a Cymru TXT record of the
// form "15169 | 8.8.8.0/24 | US | arin | 1992-12-01". Multi-origin prefixes
// list several space-separated ASNs in the first field; the first one wins.
func parseCymruRecord(record string) (uint32, error) {
	field, _, found := strings.Cut(record, "|")
	if !found {
		return 0, trace.BadParameter("malformed Cymru record %q", record)
	}
	first, _, _ := strings.Cut(strings.TrimSpace(field), " ")
	asn, err := Parse(first)
	if err != nil {
		return 0, trace.BadParameter("malformed origin ASN in Cymru record %q", record)
	}
	return asn, nil
}

// originPattern matches RPSL origin attributes in WHOIS route objects.
var originPattern = regexp.MustCompile(`(?i)origin:\s*AS(\d+)`)

// whoisProvider answers lookups by querying a WHOIS routing registry over
// TCP port 43 and scanning the response for an RPSL origin attribute. It is
// the slowest source and is tried last.
type whoisProvider struct {
	server  string
	timeout time.Duration
	dialer  net.Dialer
}

// NewWhoisProvider returns a provider that queries the given WHOIS server
// ("host:port"). An empty server selects the default routing registry.
func NewWhoisProvider(server string) Provider {
	if server == "" {
		server = defaults.WhoisServer
	}
	return &whoisProvider{
		server:  server,
		timeout: defaults.AsnWhoisTimeout,
	}
}

func (p *whoisProvider) Name() string { return "whois" }

func (p *whoisProvider) LookupASN(ctx context.Context, addr netip.Addr) (uint32, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(ctx, "tcp", p.server)
	if err != nil {
		return 0, "", trace.ConnectionProblem(err, "dialing WHOIS server %v", p.server)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return 0, "", trace.ConvertSystemError(err)
		}
	}

	if _, err := conn.Write([]byte(addr.String() + "\r\n")); err != nil {
		return 0, "", trace.ConnectionProblem(err, "querying WHOIS server %v", p.server)
	}
	response, err := io.ReadAll(io.LimitReader(conn, 1<<20))
	if err != nil {
		return 0, "", trace.ConnectionProblem(err, "reading WHOIS response from %v", p.server)
	}

	match := originPattern.FindSubmatch(response)
	if match == nil {
		return 0, "", trace.NotFound("no origin ASN in WHOIS response for %v", addr)
	}
	asn, err := Parse(string(match[1]))
	if err != nil {
		return 0, "", trace.BadParameter("malformed origin ASN in WHOIS response for %v", addr)
	}
	return asn, "", nil
}

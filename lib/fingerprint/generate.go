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

// Package fingerprint derives stable device fingerprints from HTTP request
// signals and manages the per-user device records built on them: upsert
// with optimistic concurrency, trust and suspicion state, limits and
// revocation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/gravitational/vigil/lib/utils"
)

// FallbackPrefix marks fingerprints minted for requests that carried no
// usable signals. Fallback fingerprints are random: they are never stored
// and never match a device record.
const FallbackPrefix = "fallback_"

// IsFallback reports whether fp was minted without request signals.
func IsFallback(fp string) bool {
	return strings.HasPrefix(fp, FallbackPrefix)
}

// Platform classes derived from the user agent.
const (
	PlatformWindows = "Windows"
	PlatformMacOS   = "macOS"
	PlatformLinux   = "Linux"
	PlatformAndroid = "Android"
	PlatformIOS     = "iOS"
	PlatformOther   = "Other"
)

// GeneratorConfig configures a fingerprint Generator.
type GeneratorConfig struct {
	// Salt is mixed into every fingerprint. Required. Changing the salt
	// invalidates every stored fingerprint, forcing re-registration.
	Salt string
}

// CheckAndSetDefaults validates the config.
func (c *GeneratorConfig) CheckAndSetDefaults() error {
	if c.Salt == "" {
		return trace.BadParameter("missing parameter Salt")
	}
	return nil
}

// Generator computes stable device fingerprints from request signals. The
// same signals always produce the same fingerprint: there is no time
// component, so a device keeps its identity for as long as its client
// characteristics hold still.
type Generator struct {
	cfg GeneratorConfig
}

// NewGenerator returns a fingerprint generator using the configured salt.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Generator{cfg: cfg}, nil
}

// Generate computes the fingerprint of the request. Signals are collected,
// sorted by name, joined and hashed together with the salt; requests without
// a single usable signal get a random fallback fingerprint instead.
func (g *Generator) Generate(r *http.Request) string {
	signals := collectSignals(r)
	if len(signals) == 0 {
		return FallbackPrefix + uuid.NewString()
	}

	keys := make([]string, 0, len(signals))
	for key := range signals {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(signals[key])
		b.WriteByte('|')
	}
	b.WriteString(g.cfg.Salt)

	sum := sha256.Sum256([]byte(b.String()))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// collectSignals extracts the fingerprintable signals of a request. Blank
// values are dropped so that a header's absence and its empty presence hash
// the same.
func collectSignals(r *http.Request) map[string]string {
	signals := make(map[string]string, 9)
	put := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			signals[key] = value
		}
	}

	put("ip", utils.ClientIP(r))

	userAgent := r.Header.Get("User-Agent")
	put("user_agent", userAgent)
	put("platform", classifyPlatform(userAgent))

	put("accept", r.Header.Get("Accept"))
	put("accept_language", r.Header.Get("Accept-Language"))
	put("accept_encoding", r.Header.Get("Accept-Encoding"))
	put("sec_fetch_site", r.Header.Get("Sec-Fetch-Site"))
	put("sec_fetch_mode", r.Header.Get("Sec-Fetch-Mode"))
	put("sec_ch_ua_platform", r.Header.Get("Sec-Ch-Ua-Platform"))
	return signals
}

// classifyPlatform buckets a user agent by operating system substrings. The
// chain is checked in a fixed order; the value only feeds the hash, so what
// matters is that the same agent always lands in the same bucket.
func classifyPlatform(userAgent string) string {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "windows"):
		return PlatformWindows
	case strings.Contains(ua, "mac"):
		return PlatformMacOS
	case strings.Contains(ua, "linux"):
		return PlatformLinux
	case strings.Contains(ua, "android"):
		return PlatformAndroid
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ios"):
		return PlatformIOS
	default:
		return PlatformOther
	}
}

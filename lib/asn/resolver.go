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
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/breaker"
	"github.com/gravitational/vigil/lib/cache"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/utils"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentASN)

var (
	lookupsBySource = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "asn",
			Name:      "lookups_total",
			Help:      "Number of ASN lookups answered, partitioned by source.",
		},
		[]string{"source"},
	)
	lookupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "asn",
			Name:      "lookup_failures_total",
			Help:      "Number of ASN lookups that exhausted every source.",
		},
	)
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Providers are the external sources, tried in order until one
	// answers. At least one is required.
	Providers []Provider
	// Store persists resolved mappings between processes. Optional; when
	// unset every cache miss goes straight to the external chain.
	Store EntryStore
	// Cache short-circuits repeat lookups for the same address. Optional.
	Cache *cache.Layer
	// Breaker guards the external chain against a misbehaving upstream.
	// Optional; when unset external calls are never shed.
	Breaker *breaker.CircuitBreaker
	// Limit admits external lookups. Defaults to a token bucket of
	// defaults.AsnExternalRate with defaults.AsnExternalBurst.
	Limit *rate.Limiter
	// Retry is the prototype backoff between failing passes over the
	// external chain. It is cloned per lookup. Defaults to an exponential
	// backoff with half jitter.
	Retry utils.Retry
	// Attempts bounds passes over the external chain for one lookup.
	// Defaults to defaults.AsnLookupAttempts.
	Attempts int
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if len(c.Providers) == 0 {
		return trace.BadParameter("missing parameter Providers")
	}
	if c.Limit == nil {
		c.Limit = rate.NewLimiter(rate.Limit(defaults.AsnExternalRate), defaults.AsnExternalBurst)
	}
	if c.Retry == nil {
		retry, err := utils.NewExponential(utils.ExponentialConfig{
			Base:   100 * time.Millisecond,
			Max:    time.Second,
			Jitter: utils.HalfJitter,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Retry = retry
	}
	if c.Attempts <= 0 {
		c.Attempts = defaults.AsnLookupAttempts
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Resolver resolves IP addresses to ASNs through the layered pipeline. A
// lookup consults the cache, then the durable store, and only then the
// external provider chain; answers from slower layers are written back to
// the faster ones. External failures are returned to the caller and never
// cached, so the next lookup for the same address retries the pipeline.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver returns a Resolver for the supplied config.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(lookupsBySource, lookupFailures); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// LookupASN resolves ip to its announcing ASN.
func (r *Resolver) LookupASN(ctx context.Context, ip string) (uint32, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return 0, trace.BadParameter("invalid IP address %q", ip)
	}
	addr = addr.Unmap()

	if r.cfg.Cache == nil {
		return r.load(ctx, addr)
	}
	asn, err := cache.Get(ctx, r.cfg.Cache, cache.ASNCache, addr.String(), func(ctx context.Context) (uint32, error) {
		return r.load(ctx, addr)
	})
	return asn, trace.Wrap(err)
}

// load answers a cache miss from the durable store or, failing that, the
// external chain.
func (r *Resolver) load(ctx context.Context, addr netip.Addr) (uint32, error) {
	ip := addr.String()
	if r.cfg.Store != nil {
		entry, err := r.cfg.Store.GetEntry(ctx, ip)
		switch {
		case err == nil:
			lookupsBySource.WithLabelValues("store").Inc()
			return entry.ASN, nil
		case !trace.IsNotFound(err):
			log.WarnContext(ctx, "ASN store read failed, continuing to external lookup",
				"ip", ip,
				"error", err,
			)
		}
	}

	asn, org, source, err := r.lookupExternal(ctx, addr)
	if err != nil {
		lookupFailures.Inc()
		return 0, trace.Wrap(err)
	}
	lookupsBySource.WithLabelValues(source).Inc()

	if r.cfg.Store != nil {
		entry := Entry{
			IP:           ip,
			ASN:          asn,
			Org:          org,
			LastModified: r.cfg.Clock.Now().UTC(),
		}
		if err := r.cfg.Store.UpsertEntry(ctx, entry); err != nil {
			log.WarnContext(ctx, "Failed to persist resolved ASN",
				"ip", ip,
				"asn", Format(asn),
				"error", err,
			)
		}
	}
	return asn, nil
}

// lookupExternal runs bounded retries over the provider chain. Each pass is
// admitted by the token bucket and routed through the circuit breaker.
func (r *Resolver) lookupExternal(ctx context.Context, addr netip.Addr) (asn uint32, org, source string, err error) {
	retry := r.cfg.Retry.Clone()
	for attempt := 1; ; attempt++ {
		if err = r.cfg.Limit.Wait(ctx); err != nil {
			return 0, "", "", trace.LimitExceeded("ASN lookup not admitted: %v", err)
		}

		asn, org, source, err = r.runChain(ctx, addr)
		if err == nil {
			return asn, org, source, nil
		}
		if attempt >= r.cfg.Attempts || errors.Is(err, breaker.ErrStateTripped) {
			return 0, "", "", trace.Wrap(err)
		}
		log.DebugContext(ctx, "External ASN lookup failed, will retry",
			"ip", addr.String(),
			"attempt", attempt,
			"backoff", retry.Duration(),
			"error", err,
		)
		select {
		case <-retry.After():
			retry.Inc()
		case <-ctx.Done():
			return 0, "", "", trace.Wrap(ctx.Err())
		}
	}
}

// runChain tries each provider in order and returns the first answer.
func (r *Resolver) runChain(ctx context.Context, addr netip.Addr) (uint32, string, string, error) {
	type answer struct {
		asn    uint32
		org    string
		source string
	}
	run := func() (any, error) {
		var errs []error
		for _, p := range r.cfg.Providers {
			asn, org, err := p.LookupASN(ctx, addr)
			if err == nil {
				return answer{asn: asn, org: org, source: p.Name()}, nil
			}
			log.DebugContext(ctx, "ASN provider returned no answer",
				"provider", p.Name(),
				"ip", addr.String(),
				"error", err,
			)
			errs = append(errs, trace.Wrap(err, "provider %v", p.Name()))
		}
		return nil, trace.Wrap(trace.NewAggregate(errs...), "no provider resolved %v", addr)
	}

	var v any
	var err error
	if r.cfg.Breaker != nil {
		v, err = r.cfg.Breaker.Execute(run)
	} else {
		v, err = run()
	}
	if err != nil {
		return 0, "", "", trace.Wrap(err)
	}
	a := v.(answer)
	return a.asn, a.org, a.source, nil
}

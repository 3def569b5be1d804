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
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/gravitational/vigil/lib/breaker"
	"github.com/gravitational/vigil/lib/cache"
	"github.com/gravitational/vigil/lib/utils"
)

// fakeProvider answers every lookup with a fixed result and counts calls.
type fakeProvider struct {
	name string
	asn  uint32
	org  string
	err  error

	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) LookupASN(ctx context.Context, addr netip.Addr) (uint32, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return 0, "", p.err
	}
	return p.asn, p.org, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// flakyProvider fails a fixed number of times before answering.
type flakyProvider struct {
	fakeProvider
	failures int
}

func (p *flakyProvider) LookupASN(ctx context.Context, addr netip.Addr) (uint32, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return 0, "", trace.ConnectionProblem(nil, "upstream unavailable")
	}
	return p.asn, p.org, nil
}

// memoryEntryStore is a minimal EntryStore for resolver tests.
type memoryEntryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	getErr  error
}

func newMemoryEntryStore() *memoryEntryStore {
	return &memoryEntryStore{entries: make(map[string]Entry)}
}

func (s *memoryEntryStore) GetEntry(ctx context.Context, ip string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Entry{}, s.getErr
	}
	entry, ok := s.entries[ip]
	if !ok {
		return Entry{}, trace.NotFound("no ASN entry for %v", ip)
	}
	return entry, nil
}

func (s *memoryEntryStore) UpsertEntry(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.IP] = entry
	return nil
}

func (s *memoryEntryStore) DeleteEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for ip, entry := range s.entries {
		if entry.LastModified.Before(cutoff) {
			delete(s.entries, ip)
			deleted++
		}
	}
	return deleted, nil
}

func newTestLayer(t *testing.T) *cache.Layer {
	t.Helper()
	layer, err := cache.NewLayer(cache.Config{
		Caches: []cache.NamedConfig{{Name: cache.ASNCache, TTL: time.Hour}},
	})
	require.NoError(t, err)
	return layer
}

// fastRetry returns a retry suitable for tests: it fires immediately.
func fastRetry(t *testing.T) utils.Retry {
	t.Helper()
	retry, err := utils.NewLinear(utils.LinearConfig{Step: time.Microsecond, Max: time.Microsecond})
	require.NoError(t, err)
	return retry
}

func TestResolverCacheShortCircuit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{name: "database", asn: 15169, org: "GOOGLE"}
	store := newMemoryEntryStore()
	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{provider},
		Store:     store,
		Cache:     newTestLayer(t),
	})
	require.NoError(t, err)

	asn, err := resolver.LookupASN(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint32(15169), asn)
	require.Equal(t, 1, provider.callCount())

	// the resolved mapping is durable as well as cached
	entry, err := store.GetEntry(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint32(15169), entry.ASN)
	require.Equal(t, "GOOGLE", entry.Org)

	// the second lookup is answered from the cache without any
	// external call
	asn, err = resolver.LookupASN(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint32(15169), asn)
	require.Equal(t, 1, provider.callCount())
}

func TestResolverStoreWarmsCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{name: "database", asn: 64512}
	store := newMemoryEntryStore()
	require.NoError(t, store.UpsertEntry(ctx, Entry{
		IP:           "192.0.2.1",
		ASN:          64496,
		LastModified: time.Now(),
	}))

	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{provider},
		Store:     store,
		Cache:     newTestLayer(t),
	})
	require.NoError(t, err)

	asn, err := resolver.LookupASN(ctx, "192.0.2.1")
	require.NoError(t, err)
	require.Equal(t, uint32(64496), asn)
	require.Zero(t, provider.callCount())
}

func TestResolverProviderChainOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	first := &fakeProvider{name: "database", err: trace.NotFound("not in database")}
	second := &fakeProvider{name: "cymru", asn: 15169}
	third := &fakeProvider{name: "whois", asn: 64512}

	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{first, second, third},
	})
	require.NoError(t, err)

	asn, err := resolver.LookupASN(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint32(15169), asn)
	require.Equal(t, 1, first.callCount())
	require.Equal(t, 1, second.callCount())
	require.Zero(t, third.callCount(), "chain must stop at the first answer")
}

func TestResolverFailureNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &flakyProvider{
		fakeProvider: fakeProvider{name: "database", asn: 15169},
		failures:     1,
	}
	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{provider},
		Cache:     newTestLayer(t),
		Retry:     fastRetry(t),
		Attempts:  1,
	})
	require.NoError(t, err)

	_, err = resolver.LookupASN(ctx, "8.8.8.8")
	require.Error(t, err)

	// the failure was not cached: the next call reaches the provider,
	// which has recovered
	asn, err := resolver.LookupASN(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint32(15169), asn)
	require.Equal(t, 2, provider.callCount())
}

func TestResolverRetriesExternalChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &flakyProvider{
		fakeProvider: fakeProvider{name: "database", asn: 15169},
		failures:     2,
	}
	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{provider},
		Retry:     fastRetry(t),
		Attempts:  3,
	})
	require.NoError(t, err)

	asn, err := resolver.LookupASN(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint32(15169), asn)
	require.Equal(t, 3, provider.callCount())
}

func TestResolverAttemptsExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{name: "database", err: trace.ConnectionProblem(nil, "down")}
	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{provider},
		Retry:     fastRetry(t),
		Attempts:  3,
	})
	require.NoError(t, err)

	_, err = resolver.LookupASN(ctx, "8.8.8.8")
	require.Error(t, err)
	require.Equal(t, 3, provider.callCount())
}

func TestResolverAdmission(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{name: "database", asn: 15169}
	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{provider},
		Limit:     rate.NewLimiter(0, 0),
	})
	require.NoError(t, err)

	_, err = resolver.LookupASN(ctx, "8.8.8.8")
	require.True(t, trace.IsLimitExceeded(err))
	require.Zero(t, provider.callCount())
}

func TestResolverBreakerStopsRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cb, err := breaker.New(breaker.Config{
		Trip: breaker.ConsecutiveFailureTripper(1),
	})
	require.NoError(t, err)

	provider := &fakeProvider{name: "database", err: trace.ConnectionProblem(nil, "down")}
	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{provider},
		Breaker:   cb,
		Retry:     fastRetry(t),
		Attempts:  5,
	})
	require.NoError(t, err)

	_, err = resolver.LookupASN(ctx, "8.8.8.8")
	require.Error(t, err)
	// the first pass trips the breaker; the second is rejected without
	// reaching the provider and stops the retry loop
	require.Equal(t, 1, provider.callCount())
	require.Equal(t, breaker.StateTripped, cb.State())
}

func TestResolverRejectsInvalidAddress(t *testing.T) {
	t.Parallel()

	resolver, err := NewResolver(ResolverConfig{
		Providers: []Provider{&fakeProvider{name: "database", asn: 1}},
	})
	require.NoError(t, err)

	_, err = resolver.LookupASN(context.Background(), "not-an-ip")
	require.True(t, trace.IsBadParameter(err))
}

func TestResolverConfig(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(ResolverConfig{})
	require.True(t, trace.IsBadParameter(err))
}

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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
)

// ErrFnCacheClosed is returned from Get when the cache context is closed.
var ErrFnCacheClosed = errors.New("fncache has been closed")

const (
	defaultCleanupInterval = 5 * time.Minute
	defaultMaxEntries      = 10000
)

// FnCacheConfig contains dependencies for a FnCache.
type FnCacheConfig struct {
	// TTL is the time to live of cache entries.
	TTL time.Duration
	// Clock is the clock used to determine entry staleness.
	Clock clockwork.Clock
	// Context is the context bound to the lifetime of the cache. Loaders
	// run under this context so that a single caller going away does not
	// cancel a load other callers are waiting on.
	Context context.Context
	// ReloadOnErr causes an entry holding an error to be reloaded on the
	// next access instead of waiting out the TTL. Negative results are
	// effectively never cached when this is set.
	ReloadOnErr bool
	// MaxEntries bounds the cache; least recently used entries are
	// evicted when the bound is hit. Defaults to 10000.
	MaxEntries int
	// CleanupInterval is how often expired entries are swept out. The
	// sweep is piggybacked onto accesses, so an idle cache holds its
	// entries until the next access after the interval. Defaults to 5m.
	CleanupInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FnCacheConfig) CheckAndSetDefaults() error {
	if c.TTL <= 0 {
		return trace.BadParameter("missing TTL parameter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return nil
}

// FnCache is a TTL cache whose loader function runs at most once
// concurrently per key. Concurrent accesses of a missing key share the
// outcome of a single load instead of piling onto the backend.
type FnCache struct {
	cfg FnCacheConfig

	mu          sync.Mutex
	nextCleanup time.Time
	entries     *lru.Cache[any, *fnCacheEntry]
}

type fnCacheEntry struct {
	v       any
	e       error
	t       time.Time
	loading chan struct{}
}

// NewFnCache returns a new FnCache.
func NewFnCache(cfg FnCacheConfig) (*FnCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	entries, err := lru.New[any, *fnCacheEntry](cfg.MaxEntries)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &FnCache{
		cfg:     cfg,
		entries: entries,
	}, nil
}

// FnCacheGet loads the value associated with key, running loadfn if no
// healthy cached value exists. The load runs in a goroutine bound to the
// cache's context; the supplied ctx only bounds this caller's wait.
func FnCacheGet[T any](ctx context.Context, cache *FnCache, key any, loadfn func(ctx context.Context) (T, error)) (T, error) {
	v, err := cache.get(ctx, key, func(ctx context.Context) (any, error) {
		return loadfn(ctx)
	})
	if err != nil {
		var t T
		return t, err
	}
	t, ok := v.(T)
	if !ok {
		return t, trace.BadParameter("value of type %T could not be converted to %T", v, t)
	}
	return t, nil
}

// FnCacheSet inserts a ready value, replacing whatever is cached under key.
func FnCacheSet[T any](cache *FnCache, key any, value T) {
	cache.set(key, value)
}

func (c *FnCache) get(ctx context.Context, key any, loadfn func(ctx context.Context) (any, error)) (any, error) {
	select {
	case <-c.cfg.Context.Done():
		return nil, ErrFnCacheClosed
	default:
	}

	c.mu.Lock()

	now := c.cfg.Clock.Now()
	c.maybeCleanupLocked(now)

	entry, ok := c.entries.Get(key)
	needsReload := !ok
	if ok {
		select {
		case <-entry.loading:
			needsReload = c.stale(entry, now)
		default:
			// load in progress, join it
		}
	}

	if needsReload {
		entry = &fnCacheEntry{loading: make(chan struct{})}
		go func() {
			entry.v, entry.e = loadfn(c.cfg.Context)
			entry.t = c.cfg.Clock.Now()
			close(entry.loading)
		}()
		c.entries.Add(key, entry)
	}

	c.mu.Unlock()

	select {
	case <-entry.loading:
		return entry.v, entry.e
	case <-ctx.Done():
		return nil, trace.Wrap(ctx.Err())
	}
}

func (c *FnCache) set(key any, value any) {
	loaded := make(chan struct{})
	close(loaded)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, &fnCacheEntry{
		v:       value,
		t:       c.cfg.Clock.Now(),
		loading: loaded,
	})
}

// Remove drops the entry associated with key. An in-flight load for the key
// still completes for anybody already waiting on it.
func (c *FnCache) Remove(key any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Len returns the number of entries currently held, including expired
// entries not yet swept.
func (c *FnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *FnCache) stale(entry *fnCacheEntry, now time.Time) bool {
	if entry.e != nil && c.cfg.ReloadOnErr {
		return true
	}
	return now.After(entry.t.Add(c.cfg.TTL))
}

func (c *FnCache) maybeCleanupLocked(now time.Time) {
	if now.Before(c.nextCleanup) {
		return
	}
	c.nextCleanup = now.Add(c.cfg.CleanupInterval)

	for _, key := range c.entries.Keys() {
		entry, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		select {
		case <-entry.loading:
			if now.After(entry.t.Add(c.cfg.TTL)) {
				c.entries.Remove(key)
			}
		default:
			// never evict an entry that is still loading
		}
	}
}

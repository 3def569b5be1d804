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

// Package cache implements the shared caching layer. Caches are declared by
// name with their own TTL and size bound; reads are deduplicated so that a
// missing key runs its loader at most once concurrently, and failed loads
// are never cached. Each named cache can be paired with a Store acting as a
// write-through second level shared between processes.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/utils"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentCache)

// Cache names used across the project. Every component declares its cache
// here so that operators can recognize them in metrics.
const (
	// ASNCache holds IP to ASN mappings.
	ASNCache = "asn"
	// GeoCache holds resolved geolocations.
	GeoCache = "geolocation"
	// HistoryCache holds per-user login location histories.
	HistoryCache = "location_history"
)

// DefaultCaches declares every named cache of the project with its default
// TTL. The store, when not nil, becomes the write-through second level of
// each cache.
func DefaultCaches(store Store) []NamedConfig {
	return []NamedConfig{
		{Name: ASNCache, TTL: defaults.AsnCacheTTL, Store: store},
		{Name: GeoCache, TTL: defaults.GeoCacheTTL, Store: store},
		{Name: HistoryCache, TTL: defaults.LocationHistoryTTL, Store: store},
	}
}

var (
	cacheGets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "cache",
			Name:      "gets_total",
			Help:      "Number of cache reads partitioned by cache name",
		},
		[]string{"cache"},
	)
	cacheLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "cache",
			Name:      "loads_total",
			Help:      "Number of cache fills partitioned by cache name and source",
		},
		[]string{"cache", "source"},
	)
)

// NamedConfig declares a single named cache.
type NamedConfig struct {
	// Name identifies the cache. Required and unique within a Layer.
	Name string
	// TTL is the time to live of entries. Required.
	TTL time.Duration
	// MaxEntries bounds the in-memory level of the cache. Defaults to
	// 10000.
	MaxEntries int
	// Store is an optional write-through second level, typically redis.
	Store Store
}

// Config configures a caching Layer.
type Config struct {
	// Caches declares the named caches. At least one is required.
	Caches []NamedConfig
	// Clock is used to control entry expiry. Defaults to the real clock.
	Clock clockwork.Clock
	// Context bounds the lifetime of the layer. Defaults to Background.
	Context context.Context
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Caches) == 0 {
		return trace.BadParameter("missing parameter Caches")
	}
	seen := make(map[string]struct{}, len(c.Caches))
	for i := range c.Caches {
		nc := &c.Caches[i]
		if nc.Name == "" {
			return trace.BadParameter("cache declared without a name")
		}
		if _, dup := seen[nc.Name]; dup {
			return trace.BadParameter("cache %q declared twice", nc.Name)
		}
		seen[nc.Name] = struct{}{}
		if nc.TTL <= 0 {
			return trace.BadParameter("cache %q declared without a TTL", nc.Name)
		}
		if nc.MaxEntries <= 0 {
			nc.MaxEntries = defaults.CacheMaxEntries
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Context == nil {
		c.Context = context.Background()
	}
	return nil
}

// Layer is a set of named caches.
type Layer struct {
	caches map[string]*namedCache
}

type namedCache struct {
	cfg NamedConfig
	fn  *utils.FnCache
}

// NewLayer returns a caching layer with the declared named caches.
func NewLayer(cfg Config) (*Layer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(cacheGets, cacheLoads); err != nil {
		return nil, trace.Wrap(err)
	}

	caches := make(map[string]*namedCache, len(cfg.Caches))
	for _, nc := range cfg.Caches {
		fn, err := utils.NewFnCache(utils.FnCacheConfig{
			TTL:         nc.TTL,
			Clock:       cfg.Clock,
			Context:     cfg.Context,
			ReloadOnErr: true,
			MaxEntries:  nc.MaxEntries,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		caches[nc.Name] = &namedCache{cfg: nc, fn: fn}
	}
	return &Layer{caches: caches}, nil
}

// Get returns the value cached under key in the named cache, filling it from
// the write-through store or, failing that, the supplied loader. Loader
// errors are returned to every waiting caller and are not cached.
func Get[T any](ctx context.Context, l *Layer, name, key string, loader func(ctx context.Context) (T, error)) (T, error) {
	nc, err := l.named(name)
	if err != nil {
		var t T
		return t, trace.Wrap(err)
	}
	cacheGets.WithLabelValues(name).Inc()

	return utils.FnCacheGet(ctx, nc.fn, key, func(ctx context.Context) (T, error) {
		if nc.cfg.Store != nil {
			var v T
			raw, err := nc.cfg.Store.Get(ctx, storeKey(name, key))
			switch {
			case err == nil:
				if err := json.Unmarshal(raw, &v); err == nil {
					cacheLoads.WithLabelValues(name, "store").Inc()
					return v, nil
				}
				// unreadable entry, treat as a miss and overwrite below
				log.WarnContext(ctx, "Dropping undecodable cache entry",
					"cache", name, "key", key)
			case !trace.IsNotFound(err):
				log.DebugContext(ctx, "Cache store read failed, falling through to loader",
					"cache", name, "error", err)
			}
		}

		v, err := loader(ctx)
		if err != nil {
			var t T
			return t, trace.Wrap(err)
		}
		cacheLoads.WithLabelValues(name, "loader").Inc()

		if nc.cfg.Store != nil {
			if err := storeSet(ctx, nc, name, key, v); err != nil {
				log.DebugContext(ctx, "Cache store write failed",
					"cache", name, "error", err)
			}
		}
		return v, nil
	})
}

// Put inserts a value into the named cache and its write-through store,
// replacing whatever was cached under key.
func Put[T any](ctx context.Context, l *Layer, name, key string, value T) error {
	nc, err := l.named(name)
	if err != nil {
		return trace.Wrap(err)
	}

	utils.FnCacheSet(nc.fn, key, value)
	if nc.cfg.Store != nil {
		if err := storeSet(ctx, nc, name, key, value); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Invalidate drops key from the named cache and its write-through store.
func (l *Layer) Invalidate(ctx context.Context, name, key string) error {
	nc, err := l.named(name)
	if err != nil {
		return trace.Wrap(err)
	}

	nc.fn.Remove(key)
	if nc.cfg.Store != nil {
		if err := nc.cfg.Store.Delete(ctx, storeKey(name, key)); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (l *Layer) named(name string) (*namedCache, error) {
	nc, ok := l.caches[name]
	if !ok {
		return nil, trace.NotFound("cache %q is not declared", name)
	}
	return nc, nil
}

func storeSet[T any](ctx context.Context, nc *namedCache, name, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(nc.cfg.Store.Set(ctx, storeKey(name, key), raw, nc.cfg.TTL))
}

func storeKey(name, key string) string {
	return name + "/" + key
}

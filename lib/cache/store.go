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

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store is a durable second level behind a named cache. Implementations must
// be safe for concurrent use. Get returns trace.NotFound for a missing key.
type Store interface {
	// Get returns the raw value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for the given ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key returns trace.NotFound.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store. It keeps the Store contract available
// on single node deployments and in tests where no redis is running.
type MemoryStore struct {
	entries *gocache.Cache
}

// NewMemoryStore returns an empty in-process store. Expired entries are
// purged in the background every cleanupInterval; a zero value disables the
// purge and expired entries are dropped lazily on access.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := s.entries.Get(key)
	if !ok {
		return nil, trace.NotFound("key %q is not present", key)
	}
	raw, ok := v.([]byte)
	if !ok {
		return nil, trace.BadParameter("unexpected entry of type %T under key %q", v, key)
	}
	return raw, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.entries.Set(key, value, ttl)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if _, ok := s.entries.Get(key); !ok {
		return trace.NotFound("key %q is not present", key)
	}
	s.entries.Delete(key)
	return nil
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	// Client is the redis client shared by the process. Required.
	Client redis.UniversalClient
	// KeyPrefix namespaces store keys in redis. Defaults to "vigil:cache".
	KeyPrefix string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RedisStoreConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "vigil:cache"
	}
	return nil
}

// RedisStore is a redis backed Store shared between the nodes of a
// deployment.
type RedisStore struct {
	cfg RedisStoreConfig
}

// NewRedisStore returns a redis backed store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RedisStore{cfg: cfg}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.cfg.Client.Get(ctx, s.cfg.KeyPrefix+":"+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, trace.NotFound("key %q is not present", key)
	case err != nil:
		return nil, trace.ConnectionProblem(err, "reading key %q", key)
	}
	return raw, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.cfg.Client.Set(ctx, s.cfg.KeyPrefix+":"+key, value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "writing key %q", key)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	n, err := s.cfg.Client.Del(ctx, s.cfg.KeyPrefix+":"+key).Result()
	switch {
	case err != nil:
		return trace.ConnectionProblem(err, "deleting key %q", key)
	case n == 0:
		return trace.NotFound("key %q is not present", key)
	}
	return nil
}

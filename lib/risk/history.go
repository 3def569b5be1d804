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

package risk

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/vigil/lib/cache"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/geo"
)

// HistoryEntry is a single login location observation.
type HistoryEntry struct {
	// Location is where the login came from.
	Location geo.Location `json:"location"`
	// Time is when the login was observed.
	Time time.Time `json:"time"`
}

// History is the bounded login location history of one user, oldest
// observation first.
type History struct {
	// Entries holds the observations, newest last.
	Entries []HistoryEntry `json:"entries"`
}

// Len returns the number of observations.
func (h History) Len() int { return len(h.Entries) }

// Last returns the most recent observation, false when the history is empty.
func (h History) Last() (HistoryEntry, bool) {
	if len(h.Entries) == 0 {
		return HistoryEntry{}, false
	}
	return h.Entries[len(h.Entries)-1], true
}

// record returns a copy of the history extended with entry, evicting the
// oldest observations so the result holds at most max.
func (h History) record(entry HistoryEntry, max int) History {
	start := 0
	if overflow := len(h.Entries) + 1 - max; overflow > 0 {
		start = overflow
	}
	entries := make([]HistoryEntry, 0, len(h.Entries)-start+1)
	entries = append(entries, h.Entries[start:]...)
	entries = append(entries, entry)
	return History{Entries: entries}
}

// historyStripes is the number of lock stripes serializing appends. Appends
// to the same user always hash to the same stripe.
const historyStripes = 64

// HistoryStoreConfig configures a HistoryStore.
type HistoryStoreConfig struct {
	// Cache is the caching layer holding the histories. Required; the
	// HistoryCache name must be declared on it.
	Cache *cache.Layer
	// MaxEntries bounds each user's history. Defaults to 50.
	MaxEntries int
	// Clock timestamps observations.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HistoryStoreConfig) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = defaults.LocationHistoryMax
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// HistoryStore keeps per-user login location histories on the caching layer.
// Appends to the same user are serialized through a lock stripe so concurrent
// logins cannot lose each other's observations.
type HistoryStore struct {
	cfg     HistoryStoreConfig
	stripes [historyStripes]sync.Mutex
}

// NewHistoryStore returns a history store backed by the configured cache.
func NewHistoryStore(cfg HistoryStoreConfig) (*HistoryStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &HistoryStore{cfg: cfg}, nil
}

// Get returns the history of userID. Users never seen before get an empty
// history, not an error.
func (s *HistoryStore) Get(ctx context.Context, userID string) (History, error) {
	history, err := cache.Get(ctx, s.cfg.Cache, cache.HistoryCache, userID, func(ctx context.Context) (History, error) {
		return History{}, nil
	})
	if err != nil {
		return History{}, trace.Wrap(err)
	}
	return history, nil
}

// Append records loc as userID's latest login location, evicting the oldest
// observation when the history is full.
func (s *HistoryStore) Append(ctx context.Context, userID string, loc geo.Location) error {
	stripe := &s.stripes[stripeIndex(userID)]
	stripe.Lock()
	defer stripe.Unlock()

	history, err := s.Get(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	entry := HistoryEntry{Location: loc, Time: s.cfg.Clock.Now().UTC()}
	return trace.Wrap(cache.Put(ctx, s.cfg.Cache, cache.HistoryCache, userID, history.record(entry, s.cfg.MaxEntries)))
}

func stripeIndex(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % historyStripes)
}

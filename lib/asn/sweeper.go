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
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/utils"
)

var sweptEntries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: vigil.MetricNamespace,
		Subsystem: "asn",
		Name:      "swept_entries_total",
		Help:      "Number of stale IP-to-ASN entries removed by the sweeper.",
	},
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Store is the entry store to sweep.
	Store EntryStore
	// StaleAfter is the age past which entries are removed. Defaults to
	// defaults.AsnStaleThreshold.
	StaleAfter time.Duration
	// Interval is how often the sweep runs. Defaults to
	// defaults.AsnCleanupInterval.
	Interval time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SweeperConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.AsnStaleThreshold
	}
	if c.Interval <= 0 {
		c.Interval = defaults.AsnCleanupInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Sweeper periodically removes IP-to-ASN entries that have not been
// confirmed within the staleness threshold.
type Sweeper struct {
	cfg SweeperConfig
}

// NewSweeper returns a Sweeper for the supplied config.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(sweptEntries); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Sweeper{cfg: cfg}, nil
}

// Run sweeps on the configured interval until ctx is canceled. The interval
// is jittered so that replicas sharing a store do not sweep in lockstep.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		select {
		case <-s.cfg.Clock.After(utils.SeventhJitter(s.cfg.Interval)):
		case <-ctx.Done():
			return
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.ErrorContext(ctx, "Stale ASN entry sweep failed", "error", err)
		}
	}
}

// RunOnce performs a single sweep and returns how many entries it removed.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.StaleAfter)
	deleted, err := s.cfg.Store.DeleteEntriesOlderThan(ctx, cutoff)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if deleted > 0 {
		sweptEntries.Add(float64(deleted))
		log.InfoContext(ctx, "Removed stale ASN entries",
			"entries", deleted,
			"cutoff", cutoff,
		)
	}
	return deleted, nil
}

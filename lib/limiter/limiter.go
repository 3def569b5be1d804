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

// Package limiter rate limits sensitive operations per client key. Two
// implementations are provided: Window, an in-process fixed window counter
// for single node deployments and tests, and SlidingWindow, a redis backed
// sliding window shared by all nodes.
//
// Rate limiting fails closed: when a limiter cannot reach its backend it
// returns an error and callers must deny the operation rather than letting
// an outage disable throttling.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/utils"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed reports whether the operation may proceed.
	Allowed bool
	// Remaining is the number of admissions left in the current window.
	Remaining int64
	// RetryAfter hints when the next admission can succeed. Zero when
	// Allowed is true.
	RetryAfter time.Duration
}

// Limiter admits or denies operations keyed by an arbitrary client key,
// typically a source IP or account ID.
type Limiter interface {
	// Allow records an attempt under key and reports whether it is within
	// the configured rate. A non-nil error means the limiter backend is
	// unavailable; callers must treat it as a denial.
	Allow(ctx context.Context, key string) (Decision, error)
}

var limiterDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: vigil.MetricNamespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions partitioned by backend and result",
	},
	[]string{"backend", "result"},
)

const (
	resultAllow = "allow"
	resultDeny  = "deny"
	resultError = "error"
)

// WindowConfig configures the in-process fixed window limiter.
type WindowConfig struct {
	// Limit is the number of admissions per window. Defaults to 5.
	Limit int64
	// Window is the length of the fixed window. It starts at the first
	// admission of a key. Defaults to one minute.
	Window time.Duration
	// PurgeThreshold is the key count above which expired windows are
	// swept from the table to bound memory. Defaults to 10000.
	PurgeThreshold int
	// Clock is used to control time. Defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WindowConfig) CheckAndSetDefaults() error {
	if c.Limit < 0 {
		return trace.BadParameter("negative rate limit %v", c.Limit)
	}
	if c.Limit == 0 {
		c.Limit = defaults.DeviceRateLimit
	}
	if c.Window <= 0 {
		c.Window = defaults.DeviceRateWindow
	}
	if c.PurgeThreshold <= 0 {
		c.PurgeThreshold = defaults.LimiterPurgeThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Window is an in-process fixed window rate limiter. The window for a key
// opens at its first admission; once Limit admissions are recorded, further
// attempts are denied until the window ends.
type Window struct {
	cfg WindowConfig

	mu      sync.Mutex
	buckets map[string]*windowBucket
}

type windowBucket struct {
	start time.Time
	count int64
}

// NewWindow returns an in-process fixed window limiter.
func NewWindow(cfg WindowConfig) (*Window, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(limiterDecisions); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Window{
		cfg:     cfg,
		buckets: make(map[string]*windowBucket),
	}, nil
}

// Allow implements Limiter.
func (l *Window) Allow(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock.Now()

	bucket, ok := l.buckets[key]
	if !ok || now.Sub(bucket.start) >= l.cfg.Window {
		if len(l.buckets) >= l.cfg.PurgeThreshold {
			l.purgeLocked(now)
		}
		bucket = &windowBucket{start: now}
		l.buckets[key] = bucket
	}

	if bucket.count >= l.cfg.Limit {
		limiterDecisions.WithLabelValues("memory", resultDeny).Inc()
		return Decision{
			Allowed:    false,
			RetryAfter: bucket.start.Add(l.cfg.Window).Sub(now),
		}, nil
	}

	bucket.count++
	limiterDecisions.WithLabelValues("memory", resultAllow).Inc()
	return Decision{
		Allowed:   true,
		Remaining: l.cfg.Limit - bucket.count,
	}, nil
}

// Len returns the number of tracked keys. Used by tests and expvar style
// introspection.
func (l *Window) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Window) purgeLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if now.Sub(bucket.start) >= l.cfg.Window {
			delete(l.buckets, key)
		}
	}
}

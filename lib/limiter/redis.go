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

package limiter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/utils"
)

// slidingWindowScript admits one attempt against a sliding window kept in a
// sorted set scored by milliseconds. Trimming, counting and admission run as
// one atomic unit server-side, so concurrent nodes cannot admit past the
// limit. Returns {allowed, remaining, retryAfterMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if #oldest == 2 then
	retry = tonumber(oldest[2]) + window - now
	if retry < 0 then
		retry = 0
	end
end
return {0, 0, retry}
`)

// SlidingWindowConfig configures the redis backed sliding window limiter.
type SlidingWindowConfig struct {
	// Client is the redis client shared by the process. Required.
	Client redis.UniversalClient
	// Limit is the number of admissions per window. Defaults to 5.
	Limit int64
	// Window is the length of the sliding window. Defaults to one minute.
	Window time.Duration
	// KeyPrefix namespaces limiter keys in redis. Defaults to
	// "vigil:ratelimit".
	KeyPrefix string
	// Clock is used to control time. Defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SlidingWindowConfig) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Limit < 0 {
		return trace.BadParameter("negative rate limit %v", c.Limit)
	}
	if c.Limit == 0 {
		c.Limit = defaults.DeviceRateLimit
	}
	if c.Window <= 0 {
		c.Window = defaults.DeviceRateWindow
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "vigil:ratelimit"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SlidingWindow is a distributed sliding window rate limiter backed by a
// redis sorted set per key. All nodes of a deployment observe the same
// counters.
type SlidingWindow struct {
	cfg SlidingWindowConfig
}

// NewSlidingWindow returns a redis backed sliding window limiter.
func NewSlidingWindow(cfg SlidingWindowConfig) (*SlidingWindow, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(limiterDecisions); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SlidingWindow{cfg: cfg}, nil
}

// Allow implements Limiter. A redis failure returns a denying Decision
// together with a connection problem error: the limiter fails closed.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.cfg.Clock.Now().UnixMilli()

	res, err := slidingWindowScript.Run(ctx, l.cfg.Client,
		[]string{l.cfg.KeyPrefix + ":" + key},
		now,
		l.cfg.Window.Milliseconds(),
		l.cfg.Limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		limiterDecisions.WithLabelValues("redis", resultError).Inc()
		return Decision{}, trace.ConnectionProblem(err, "rate limiter backend is unavailable")
	}
	if len(res) != 3 {
		limiterDecisions.WithLabelValues("redis", resultError).Inc()
		return Decision{}, trace.ConnectionProblem(nil, "unexpected rate limiter script reply of length %v", len(res))
	}

	if res[0] != 1 {
		limiterDecisions.WithLabelValues("redis", resultDeny).Inc()
		return Decision{
			Allowed:    false,
			RetryAfter: time.Duration(res[2]) * time.Millisecond,
		}, nil
	}

	limiterDecisions.WithLabelValues("redis", resultAllow).Inc()
	return Decision{
		Allowed:   true,
		Remaining: res[1],
	}, nil
}

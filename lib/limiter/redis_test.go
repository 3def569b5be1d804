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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newSlidingWindow(t *testing.T, limit int64, window time.Duration) (*SlidingWindow, *miniredis.Miniredis, *clockwork.FakeClock) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClock()
	l, err := NewSlidingWindow(SlidingWindowConfig{
		Client: client,
		Limit:  limit,
		Window: window,
		Clock:  clock,
	})
	require.NoError(t, err)
	return l, srv, clock
}

func TestSlidingWindowLimit(t *testing.T) {
	t.Parallel()

	l, _, clock := newSlidingWindow(t, 3, time.Minute)
	ctx := context.Background()

	for i := range 3 {
		d, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "admission %v", i)
		require.Equal(t, int64(2-i), d.Remaining)
	}

	d, err := l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, time.Minute, d.RetryAfter)

	// the window slides: once the first admission ages out, one slot opens
	clock.Advance(time.Minute + time.Second)
	d, err = l.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestSlidingWindowSlides(t *testing.T) {
	t.Parallel()

	l, _, clock := newSlidingWindow(t, 2, time.Minute)
	ctx := context.Background()

	d, err := l.Allow(ctx, "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	clock.Advance(30 * time.Second)
	d, err = l.Allow(ctx, "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// t+45s: both admissions still inside the window
	clock.Advance(15 * time.Second)
	d, err = l.Allow(ctx, "key")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 15*time.Second, d.RetryAfter)

	// t+75s: the first admission slid out, the second remains
	clock.Advance(30 * time.Second)
	d, err = l.Allow(ctx, "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestSlidingWindowSharesState(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	clock := clockwork.NewFakeClock()

	newLimiter := func() *SlidingWindow {
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		l, err := NewSlidingWindow(SlidingWindowConfig{
			Client: client,
			Limit:  2,
			Window: time.Minute,
			Clock:  clock,
		})
		require.NoError(t, err)
		return l
	}

	// two nodes sharing one redis observe a single combined budget
	first, second := newLimiter(), newLimiter()
	ctx := context.Background()

	d, err := first.Allow(ctx, "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = second.Allow(ctx, "key")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = first.Allow(ctx, "key")
	require.NoError(t, err)
	require.False(t, d.Allowed)
}

func TestSlidingWindowFailsClosed(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, err := NewSlidingWindow(SlidingWindowConfig{Client: client})
	require.NoError(t, err)

	srv.Close()

	d, err := l.Allow(context.Background(), "key")
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
	require.False(t, d.Allowed)
}

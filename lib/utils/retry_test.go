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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLinearRetryProgression(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{
		First: 0,
		Step:  time.Second,
		Max:   3 * time.Second,
	})
	require.NoError(t, err)

	expected := []time.Duration{
		0,
		time.Second,
		2 * time.Second,
		3 * time.Second,
		3 * time.Second, // capped
	}
	for i, want := range expected {
		require.Equal(t, want, retry.Duration(), "attempt %v", i)
		retry.Inc()
	}

	retry.Reset()
	require.Equal(t, time.Duration(0), retry.Duration())
}

func TestLinearRetryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLinear(LinearConfig{Max: time.Second})
	require.True(t, trace.IsBadParameter(err))

	_, err = NewLinear(LinearConfig{Step: time.Second})
	require.True(t, trace.IsBadParameter(err))
}

func TestExponentialRetryProgression(t *testing.T) {
	t.Parallel()

	retry, err := NewExponential(ExponentialConfig{
		Base: 100 * time.Millisecond,
		Max:  time.Second,
	})
	require.NoError(t, err)

	expected := []time.Duration{
		0,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	}
	for i, want := range expected {
		require.Equal(t, want, retry.Duration(), "attempt %v", i)
		retry.Inc()
	}

	fresh := retry.Clone()
	require.Equal(t, time.Duration(0), fresh.Duration())
}

func TestRetryForPermanentError(t *testing.T) {
	t.Parallel()

	retry, err := NewConstant(time.Millisecond)
	require.NoError(t, err)

	attempts := 0
	err = retry.For(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return trace.ConnectionProblem(nil, "transient")
		}
		return PermanentRetryError(trace.BadParameter("unrecoverable"))
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryForContextCancel(t *testing.T) {
	t.Parallel()

	retry, err := NewConstant(time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err = retry.For(ctx, func() error {
		return trace.ConnectionProblem(nil, "always failing")
	})
	require.True(t, trace.IsLimitExceeded(err))
}

func TestJitterRanges(t *testing.T) {
	t.Parallel()

	d := 7 * time.Second
	for range 100 {
		full := FullJitter(d)
		require.GreaterOrEqual(t, full, time.Duration(0))
		require.Less(t, full, d)

		half := HalfJitter(d)
		require.GreaterOrEqual(t, half, d/2)
		require.Less(t, half, d)

		seventh := SeventhJitter(d)
		require.GreaterOrEqual(t, seventh, 6*d/7)
		require.Less(t, seventh, d)
	}

	require.Equal(t, time.Duration(0), FullJitter(0))
	require.Equal(t, time.Duration(0), HalfJitter(0))
}

func TestRetryAfterImmediate(t *testing.T) {
	t.Parallel()

	retry, err := NewLinear(LinearConfig{First: 0, Step: time.Hour, Max: time.Hour})
	require.NoError(t, err)

	select {
	case <-retry.After():
	case <-time.After(time.Second):
		t.Fatal("After should fire immediately when the delay is zero")
	}
}

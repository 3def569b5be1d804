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

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	event := NewEvent(clock, DeviceRegisterEvent)
	require.NotEmpty(t, event.ID)
	require.Equal(t, DeviceRegisterEvent, event.Type)
	require.Equal(t, clock.Now().UTC(), event.Time)
}

func TestMultiEmitter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	first := NewMemoryEmitter()
	second := NewMemoryEmitter()
	multi := NewMultiEmitter(first, DiscardEmitter{}, second)

	event := NewEvent(clockwork.NewFakeClock(), DeviceTrustEvent)
	require.NoError(t, multi.EmitAuditEvent(ctx, event))
	require.Len(t, first.Events(), 1)
	require.Len(t, second.Events(), 1)
	require.Equal(t, event.ID, first.Events()[0].ID)
}

// blockingEmitter blocks deliveries until released.
type blockingEmitter struct {
	release chan struct{}
	mu      sync.Mutex
	seen    int
}

func (b *blockingEmitter) EmitAuditEvent(ctx context.Context, event AuditEvent) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen++
	return nil
}

func TestAsyncEmitterForwards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := NewMemoryEmitter()
	async, err := NewAsyncEmitter(AsyncEmitterConfig{Inner: inner})
	require.NoError(t, err)
	t.Cleanup(func() { async.Close() })

	clock := clockwork.NewFakeClock()
	for range 3 {
		require.NoError(t, async.EmitAuditEvent(ctx, NewEvent(clock, DeviceValidateEvent)))
	}

	require.EventuallyWithT(t, func(t *assert.CollectT) {
		assert.Len(t, inner.Events(), 3)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAsyncEmitterNeverBlocks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	inner := &blockingEmitter{release: make(chan struct{})}
	async, err := NewAsyncEmitter(AsyncEmitterConfig{Inner: inner, BufferSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { async.Close() })

	clock := clockwork.NewFakeClock()
	// the forwarder goroutine is stuck on the first event; the buffer
	// absorbs two more and the rest are dropped, but emission never
	// blocks
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			_ = async.EmitAuditEvent(ctx, NewEvent(clock, DeviceMismatchEvent))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emission blocked on a stalled delivery")
	}
	close(inner.release)
}

func TestAsyncEmitterConfig(t *testing.T) {
	t.Parallel()

	_, err := NewAsyncEmitter(AsyncEmitterConfig{})
	require.True(t, trace.IsBadParameter(err))
}

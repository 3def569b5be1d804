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

package local

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/vigil/lib/asn"
	"github.com/gravitational/vigil/lib/services"
	"github.com/gravitational/vigil/lib/services/suite"
)

func newIdentity(t *testing.T) services.Identity {
	t.Helper()
	identity, err := NewIdentityService(IdentityConfig{})
	require.NoError(t, err)
	return identity
}

func TestIdentityService(t *testing.T) {
	t.Parallel()
	suite.RunIdentitySuite(t, newIdentity)
}

func TestAsnStore(t *testing.T) {
	t.Parallel()
	suite.RunEntryStoreSuite(t, func(t *testing.T) asn.EntryStore {
		return NewAsnStore()
	})
}

// TestConcurrentUpdates verifies that under contention exactly one writer
// wins each revision and every loser observes CompareFailed.
func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	identity := newIdentity(t)

	created, err := identity.CreateDeviceRecord(ctx, services.DeviceRecord{
		UserID:      "u1",
		Fingerprint: "fp1",
		Active:      true,
	})
	require.NoError(t, err)

	const writers = 16
	var wins, losses atomic.Int64
	var group errgroup.Group
	for i := range writers {
		group.Go(func() error {
			record := created
			record.FailedAttempts = i + 1
			_, err := identity.UpdateDeviceRecord(ctx, record)
			switch {
			case err == nil:
				wins.Add(1)
			case trace.IsCompareFailed(err):
				losses.Add(1)
			default:
				return trace.Wrap(err)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	require.Equal(t, int64(1), wins.Load())
	require.Equal(t, int64(writers-1), losses.Load())

	got, err := identity.GetDeviceRecord(ctx, "u1", "fp1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.UpdateCount)
}

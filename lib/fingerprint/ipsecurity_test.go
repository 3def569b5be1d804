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

package fingerprint

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestIPPolicyBlocklist(t *testing.T) {
	t.Parallel()

	policy, err := NewIPPolicy(IPPolicyConfig{
		Blocklist: []string{"198.51.100.0/24", "203.0.113.66", "2001:db8:beef::/48"},
	})
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, policy.Check(ctx, "203.0.113.65"))
	require.ErrorIs(t, policy.Check(ctx, "203.0.113.66"), ErrIPBlocked)
	require.ErrorIs(t, policy.Check(ctx, "198.51.100.12"), ErrIPBlocked)
	require.ErrorIs(t, policy.Check(ctx, "2001:db8:beef:1::7"), ErrIPBlocked)
	require.NoError(t, policy.Check(ctx, "2001:db8:cafe::7"))
}

func TestIPPolicyMappedAddress(t *testing.T) {
	t.Parallel()

	policy, err := NewIPPolicy(IPPolicyConfig{Blocklist: []string{"198.51.100.0/24"}})
	require.NoError(t, err)

	// the v4 mapped v6 form of a blocked address is still blocked
	require.ErrorIs(t, policy.Check(context.Background(), "::ffff:198.51.100.9"), ErrIPBlocked)
}

func TestIPPolicySuspiciousAddresses(t *testing.T) {
	t.Parallel()

	policy, err := NewIPPolicy(IPPolicyConfig{})
	require.NoError(t, err)

	ctx := context.Background()
	for _, ip := range []string{"0.0.0.0", "::", "255.255.255.255", "224.0.0.5", "ff02::1"} {
		require.ErrorIs(t, policy.Check(ctx, ip), ErrIPSuspicious, "address %v", ip)
	}

	require.NoError(t, policy.Check(ctx, "203.0.113.7"))
	// loopback stays admissible, local development logs in through it
	require.NoError(t, policy.Check(ctx, "127.0.0.1"))
}

func TestIPPolicyUnparseableSkipped(t *testing.T) {
	t.Parallel()

	policy, err := NewIPPolicy(IPPolicyConfig{Blocklist: []string{"198.51.100.0/24"}})
	require.NoError(t, err)

	// screening is advisory for values that do not parse, e.g. a proxy
	// that forwards a hostname instead of an address
	require.NoError(t, policy.Check(context.Background(), "login.example.com"))
	require.NoError(t, policy.Check(context.Background(), ""))
}

func TestIPPolicyConfig(t *testing.T) {
	t.Parallel()

	_, err := NewIPPolicy(IPPolicyConfig{Blocklist: []string{"not-a-network"}})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

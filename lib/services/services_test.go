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

package services_test

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/vigil/lib/services"
	"github.com/gravitational/vigil/lib/services/local"
	"github.com/gravitational/vigil/lib/services/suite"
)

// TestCompositeIdentity runs the storage suite against the composite built
// from separate user and device record stores.
func TestCompositeIdentity(t *testing.T) {
	t.Parallel()
	suite.RunIdentitySuite(t, func(t *testing.T) services.Identity {
		backing, err := local.NewIdentityService(local.IdentityConfig{})
		require.NoError(t, err)

		identity, err := services.NewIdentity(services.IdentityConfig{
			Users:   backing,
			Devices: backing,
		})
		require.NoError(t, err)
		return identity
	})
}

func TestDeviceRecordState(t *testing.T) {
	t.Parallel()

	record := services.DeviceRecord{Active: true}
	require.Equal(t, services.DeviceStateActiveUntrusted, record.State())

	record.Trusted = true
	require.Equal(t, services.DeviceStateActiveTrusted, record.State())

	record.Active = false
	record.Trusted = false
	require.Equal(t, services.DeviceStateInactive, record.State())
}

func TestDeviceRecordValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		record services.DeviceRecord
		ok     bool
	}{
		{
			name:   "active untrusted",
			record: services.DeviceRecord{UserID: "u1", Fingerprint: "fp", Active: true},
			ok:     true,
		},
		{
			name: "inactive with deactivation time",
			record: services.DeviceRecord{
				UserID: "u1", Fingerprint: "fp",
				DeactivatedAt: time.Now(),
			},
			ok: true,
		},
		{
			name:   "missing user",
			record: services.DeviceRecord{Fingerprint: "fp", Active: true},
		},
		{
			name:   "missing fingerprint",
			record: services.DeviceRecord{UserID: "u1", Active: true},
		},
		{
			name: "trusted inactive",
			record: services.DeviceRecord{
				UserID: "u1", Fingerprint: "fp",
				Trusted: true, DeactivatedAt: time.Now(),
			},
		},
		{
			name:   "inactive without deactivation time",
			record: services.DeviceRecord{UserID: "u1", Fingerprint: "fp"},
		},
		{
			name: "active with deactivation time",
			record: services.DeviceRecord{
				UserID: "u1", Fingerprint: "fp",
				Active: true, DeactivatedAt: time.Now(),
			},
		},
		{
			name: "negative failed attempts",
			record: services.DeviceRecord{
				UserID: "u1", Fingerprint: "fp",
				Active: true, FailedAttempts: -1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.CheckAndSetDefaults()
			if tt.ok {
				require.NoError(t, err)
				require.NotEmpty(t, tt.record.Source)
				return
			}
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestUserCanAuthenticate(t *testing.T) {
	t.Parallel()

	user := services.User{
		Enabled:               true,
		NonLocked:             true,
		NonExpired:            true,
		CredentialsNonExpired: true,
	}
	require.True(t, user.CanAuthenticate())

	locked := user
	locked.NonLocked = false
	require.False(t, locked.CanAuthenticate())

	disabled := user
	disabled.Enabled = false
	require.False(t, disabled.CanAuthenticate())
}

func TestUserClone(t *testing.T) {
	t.Parallel()

	user := services.User{ID: "u1", Handle: "u1", Authorities: []string{"ROLE_USER"}}
	clone := user.Clone()
	clone.Authorities[0] = "ROLE_ROOT"
	require.Equal(t, []string{"ROLE_USER"}, user.Authorities)
}

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

package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/vigil/lib/asn"
	"github.com/gravitational/vigil/lib/services"
	"github.com/gravitational/vigil/lib/services/local"
	"github.com/gravitational/vigil/lib/services/suite"
)

// testConnEnv points the tests at a scratch database, e.g.
// "postgres://vigil@localhost/vigil_test". The tests create and truncate
// tables in it.
const testConnEnv = "VIGIL_TEST_PG_CONN"

func newTestStore(t *testing.T) *Store {
	t.Helper()

	connString := os.Getenv(testConnEnv)
	if connString == "" {
		t.Skipf("postgres tests are disabled, set %v to enable", testConnEnv)
	}

	ctx := context.Background()
	store, err := New(ctx, Config{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.pool.Exec(ctx, "TRUNCATE device_records, asn_entries")
	require.NoError(t, err)
	return store
}

func TestDeviceRecords(t *testing.T) {
	suite.RunIdentitySuite(t, func(t *testing.T) services.Identity {
		users, err := local.NewIdentityService(local.IdentityConfig{})
		require.NoError(t, err)

		// device records live in postgres, accounts stay with the
		// embedding application (stand-in: the in-memory store)
		identity, err := services.NewIdentity(services.IdentityConfig{
			Users:   users,
			Devices: newTestStore(t),
		})
		require.NoError(t, err)
		return identity
	})
}

func TestAsnEntries(t *testing.T) {
	suite.RunEntryStoreSuite(t, func(t *testing.T) asn.EntryStore {
		return newTestStore(t)
	})
}

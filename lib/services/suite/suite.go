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

// Package suite contains acceptance tests shared by every implementation of
// the storage contracts. Backend packages run them against their own
// construction.
package suite

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/vigil/lib/asn"
	"github.com/gravitational/vigil/lib/services"
)

// IdentityFactory returns a fresh, empty Identity per call.
type IdentityFactory func(t *testing.T) services.Identity

// RunIdentitySuite runs the storage acceptance tests against identities
// produced by the factory.
func RunIdentitySuite(t *testing.T, factory IdentityFactory) {
	t.Run("UserLifecycle", func(t *testing.T) { testUserLifecycle(t, factory(t)) })
	t.Run("CreateDeviceRecord", func(t *testing.T) { testCreateDeviceRecord(t, factory(t)) })
	t.Run("UpdateDeviceRecord", func(t *testing.T) { testUpdateDeviceRecord(t, factory(t)) })
	t.Run("ListDeviceRecords", func(t *testing.T) { testListDeviceRecords(t, factory(t)) })
	t.Run("CountActiveDevices", func(t *testing.T) { testCountActiveDevices(t, factory(t)) })
	t.Run("DisableFingerprinting", func(t *testing.T) { testDisableFingerprinting(t, factory(t)) })
	t.Run("RecordInvariants", func(t *testing.T) { testRecordInvariants(t, factory(t)) })
}

func testUser(id string) services.User {
	return services.User{
		ID:                    id,
		Handle:                id + "@example.com",
		Email:                 id + "@example.com",
		Authorities:           []string{"ROLE_USER"},
		FingerprintingEnabled: true,
		Enabled:               true,
		NonLocked:             true,
		NonExpired:            true,
		CredentialsNonExpired: true,
	}
}

func testRecord(userID, fingerprint string) services.DeviceRecord {
	return services.DeviceRecord{
		UserID:      userID,
		Fingerprint: fingerprint,
		Active:      true,
		BrowserInfo: "Mozilla/5.0",
		Source:      services.DeviceSourceLogin,
		Location:    "São Paulo, Brazil",
	}
}

func testUserLifecycle(t *testing.T, identity services.Identity) {
	ctx := context.Background()

	_, err := identity.GetUser(ctx, "u1")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	user := testUser("u1")
	_, err = identity.UpsertUser(ctx, user)
	require.NoError(t, err)

	got, err := identity.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(user, got))

	// mutating the returned copy must not leak into the store
	got.Authorities[0] = "ROLE_ROOT"
	fresh, err := identity.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"ROLE_USER"}, fresh.Authorities)

	require.NoError(t, identity.SetFingerprinting(ctx, "u1", false))
	fresh, err = identity.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.False(t, fresh.FingerprintingEnabled)

	err = identity.SetFingerprinting(ctx, "missing", false)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func testCreateDeviceRecord(t *testing.T, identity services.Identity) {
	ctx := context.Background()

	created, err := identity.CreateDeviceRecord(ctx, testRecord("u1", "fp1"))
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.Zero(t, created.UpdateCount)
	require.False(t, created.CreatedAt.IsZero())

	_, err = identity.CreateDeviceRecord(ctx, testRecord("u1", "fp1"))
	require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

	// the same fingerprint under another user is a distinct record
	_, err = identity.CreateDeviceRecord(ctx, testRecord("u2", "fp1"))
	require.NoError(t, err)

	got, err := identity.GetDeviceRecord(ctx, "u1", "fp1")
	require.NoError(t, err)
	// timestamps lose sub-microsecond precision on some backends
	require.Empty(t, cmp.Diff(created, got,
		cmpopts.IgnoreFields(services.DeviceRecord{}, "CreatedAt"),
	))

	_, err = identity.GetDeviceRecord(ctx, "u1", "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func testUpdateDeviceRecord(t *testing.T, identity services.Identity) {
	ctx := context.Background()

	created, err := identity.CreateDeviceRecord(ctx, testRecord("u1", "fp1"))
	require.NoError(t, err)

	created.LastKnownIP = "203.0.113.7"
	updated, err := identity.UpdateDeviceRecord(ctx, created)
	require.NoError(t, err)
	require.Equal(t, created.UpdateCount+1, updated.UpdateCount)
	require.Equal(t, "203.0.113.7", updated.LastKnownIP)

	// a write carrying the revision that was already consumed loses
	created.LastKnownIP = "198.51.100.9"
	_, err = identity.UpdateDeviceRecord(ctx, created)
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)

	// the stored record still has the winner's write
	got, err := identity.GetDeviceRecord(ctx, "u1", "fp1")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", got.LastKnownIP)

	missing := testRecord("u1", "missing")
	_, err = identity.UpdateDeviceRecord(ctx, missing)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func testListDeviceRecords(t *testing.T, identity services.Identity) {
	ctx := context.Background()

	records, err := identity.ListDeviceRecords(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, records)

	fingerprints := []string{"fp1", "fp2", "fp3"}
	for _, fp := range fingerprints {
		_, err := identity.CreateDeviceRecord(ctx, testRecord("u1", fp))
		require.NoError(t, err)
	}
	_, err = identity.CreateDeviceRecord(ctx, testRecord("u2", "fp9"))
	require.NoError(t, err)

	records, err = identity.ListDeviceRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	// listing preserves insertion order
	for i, record := range records {
		require.Equal(t, fingerprints[i], record.Fingerprint)
		require.Equal(t, "u1", record.UserID)
	}
}

func testCountActiveDevices(t *testing.T, identity services.Identity) {
	ctx := context.Background()

	count, err := identity.CountActiveDevices(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, count)

	for _, fp := range []string{"fp1", "fp2"} {
		_, err := identity.CreateDeviceRecord(ctx, testRecord("u1", fp))
		require.NoError(t, err)
	}
	inactive := testRecord("u1", "fp3")
	inactive.Active = false
	inactive.DeactivatedAt = time.Now().UTC()
	_, err = identity.CreateDeviceRecord(ctx, inactive)
	require.NoError(t, err)

	count, err = identity.CountActiveDevices(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func testDisableFingerprinting(t *testing.T, identity services.Identity) {
	ctx := context.Background()

	_, err := identity.UpsertUser(ctx, testUser("u1"))
	require.NoError(t, err)

	trusted := testRecord("u1", "fp1")
	trusted.Trusted = true
	_, err = identity.CreateDeviceRecord(ctx, trusted)
	require.NoError(t, err)
	_, err = identity.CreateDeviceRecord(ctx, testRecord("u1", "fp2"))
	require.NoError(t, err)

	require.NoError(t, identity.DisableFingerprinting(ctx, "u1"))

	user, err := identity.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.False(t, user.FingerprintingEnabled)

	records, err := identity.ListDeviceRecords(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		require.False(t, record.Active)
		require.False(t, record.Trusted)
		require.False(t, record.DeactivatedAt.IsZero())
		require.Equal(t, services.DeviceStateInactive, record.State())
	}

	err = identity.DisableFingerprinting(ctx, "missing")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func testRecordInvariants(t *testing.T, identity services.Identity) {
	ctx := context.Background()

	// trusted but inactive is rejected outright
	invalid := testRecord("u1", "fp1")
	invalid.Active = false
	invalid.Trusted = true
	invalid.DeactivatedAt = time.Now().UTC()
	_, err := identity.CreateDeviceRecord(ctx, invalid)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	// inactive without a deactivation time is rejected
	invalid = testRecord("u1", "fp1")
	invalid.Active = false
	_, err = identity.CreateDeviceRecord(ctx, invalid)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	// and the same validation guards updates
	created, err := identity.CreateDeviceRecord(ctx, testRecord("u1", "fp1"))
	require.NoError(t, err)
	created.Active = false
	created.Trusted = true
	created.DeactivatedAt = time.Now().UTC()
	_, err = identity.UpdateDeviceRecord(ctx, created)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

// EntryStoreFactory returns a fresh, empty ASN entry store per call.
type EntryStoreFactory func(t *testing.T) asn.EntryStore

// RunEntryStoreSuite runs the acceptance tests against entry stores
// produced by the factory.
func RunEntryStoreSuite(t *testing.T, factory EntryStoreFactory) {
	t.Run("Roundtrip", func(t *testing.T) { testEntryRoundtrip(t, factory(t)) })
	t.Run("UpsertReplaces", func(t *testing.T) { testEntryUpsertReplaces(t, factory(t)) })
	t.Run("DeleteOlderThan", func(t *testing.T) { testEntryDeleteOlderThan(t, factory(t)) })
}

func testEntryRoundtrip(t *testing.T, store asn.EntryStore) {
	ctx := context.Background()

	_, err := store.GetEntry(ctx, "8.8.8.8")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	entry := asn.Entry{
		IP:           "8.8.8.8",
		ASN:          15169,
		Org:          "GOOGLE",
		LastModified: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, store.UpsertEntry(ctx, entry))

	got, err := store.GetEntry(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, entry.ASN, got.ASN)
	require.Equal(t, entry.Org, got.Org)
	require.True(t, entry.LastModified.Equal(got.LastModified),
		"expected %v, got %v", entry.LastModified, got.LastModified)
}

func testEntryUpsertReplaces(t *testing.T, store asn.EntryStore) {
	ctx := context.Background()

	require.NoError(t, store.UpsertEntry(ctx, asn.Entry{
		IP: "8.8.8.8", ASN: 15169, LastModified: time.Now().UTC(),
	}))
	require.NoError(t, store.UpsertEntry(ctx, asn.Entry{
		IP: "8.8.8.8", ASN: 64496, Org: "EXAMPLE", LastModified: time.Now().UTC(),
	}))

	got, err := store.GetEntry(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.Equal(t, uint32(64496), got.ASN)
	require.Equal(t, "EXAMPLE", got.Org)
}

func testEntryDeleteOlderThan(t *testing.T, store asn.EntryStore) {
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertEntry(ctx, asn.Entry{
		IP: "192.0.2.1", ASN: 64496, LastModified: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.UpsertEntry(ctx, asn.Entry{
		IP: "192.0.2.2", ASN: 64497, LastModified: now.Add(-36 * time.Hour),
	}))
	require.NoError(t, store.UpsertEntry(ctx, asn.Entry{
		IP: "192.0.2.3", ASN: 64498, LastModified: now,
	}))

	deleted, err := store.DeleteEntriesOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	_, err = store.GetEntry(ctx, "192.0.2.1")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
	_, err = store.GetEntry(ctx, "192.0.2.3")
	require.NoError(t, err)

	deleted, err = store.DeleteEntriesOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, deleted)
}

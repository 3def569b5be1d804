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

package services

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Identity is the combined storage view the device service operates on.
type Identity interface {
	Users
	DeviceRecords

	// DisableFingerprinting switches device checks off for the user and
	// deactivates all their device records. The flag is flipped first:
	// when deactivation is interrupted partway the account is already
	// exempt, so surviving records cannot lock the user out.
	DisableFingerprinting(ctx context.Context, userID string) error
}

// IdentityConfig configures the composite Identity built from separate
// user and device record stores.
type IdentityConfig struct {
	// Users is the account store. Required.
	Users Users
	// Devices is the device record store. Required.
	Devices DeviceRecords
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *IdentityConfig) CheckAndSetDefaults() error {
	if c.Users == nil {
		return trace.BadParameter("missing parameter Users")
	}
	if c.Devices == nil {
		return trace.BadParameter("missing parameter Devices")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// identity composes independent user and device record stores into an
// Identity. Used when accounts live in the embedding application while
// device records live in the project's own postgres schema.
type identity struct {
	Users
	DeviceRecords
	clock clockwork.Clock
}

// NewIdentity returns an Identity backed by the supplied stores.
func NewIdentity(cfg IdentityConfig) (Identity, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &identity{
		Users:         cfg.Users,
		DeviceRecords: cfg.Devices,
		clock:         cfg.Clock,
	}, nil
}

// DisableFingerprinting implements Identity.
func (s *identity) DisableFingerprinting(ctx context.Context, userID string) error {
	if err := s.SetFingerprinting(ctx, userID, false); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(DeactivateUserDevices(ctx, s.DeviceRecords, userID, s.clock))
}

// BatchDeactivator is implemented by stores that can deactivate all of a
// user's device records in a single statement, so concurrent readers never
// observe a partially deactivated set.
type BatchDeactivator interface {
	// DeactivateAllDevices deactivates every active device record of the
	// user and returns how many records were flipped.
	DeactivateAllDevices(ctx context.Context, userID string) (int64, error)
}

// DeactivateUserDevices deactivates every active device record of the user.
// Stores that support batch deactivation do it in one statement; otherwise
// records are flipped one by one, retrying those that lose their optimistic
// concurrency race.
func DeactivateUserDevices(ctx context.Context, store DeviceRecords, userID string, clock clockwork.Clock) error {
	if batch, ok := store.(BatchDeactivator); ok {
		_, err := batch.DeactivateAllDevices(ctx, userID)
		return trace.Wrap(err)
	}

	records, err := store.ListDeviceRecords(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	var errs []error
	for _, record := range records {
		if !record.Active {
			continue
		}
		if err := deactivateRecord(ctx, store, record, clock); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}

func deactivateRecord(ctx context.Context, store DeviceRecords, record DeviceRecord, clock clockwork.Clock) error {
	const attempts = 3
	for range attempts {
		record.Active = false
		record.Trusted = false
		record.DeactivatedAt = clock.Now().UTC()
		_, err := store.UpdateDeviceRecord(ctx, record)
		if err == nil {
			return nil
		}
		if !trace.IsCompareFailed(err) {
			return trace.Wrap(err)
		}
		// lost the revision race, re-read and try again
		record, err = store.GetDeviceRecord(ctx, record.UserID, record.Fingerprint)
		if err != nil {
			return trace.Wrap(err)
		}
		if !record.Active {
			return nil
		}
	}
	return trace.CompareFailed("device record %v/%v kept changing during deactivation", record.UserID, record.Fingerprint)
}

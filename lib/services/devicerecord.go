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

// Package services defines the storage contracts of the project: device
// records, user accounts and their combined identity view. Implementations
// live in the local (in-memory) and pgstore (postgres) subpackages.
package services

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// DeviceState describes where a device record sits in its lifecycle.
type DeviceState string

const (
	// DeviceStateActiveUntrusted is a device in use that has not been
	// explicitly trusted by its owner.
	DeviceStateActiveUntrusted DeviceState = "ACTIVE_UNTRUSTED"
	// DeviceStateActiveTrusted is a device in use that the owner marked
	// as trusted.
	DeviceStateActiveTrusted DeviceState = "ACTIVE_TRUSTED"
	// DeviceStateInactive is a revoked or rotated-out device. Inactive
	// records are retained for audit and can be reactivated by a new
	// login from the same device.
	DeviceStateInactive DeviceState = "INACTIVE"
)

// Device sources recorded on registration.
const (
	// DeviceSourceLogin marks records created by an interactive login.
	DeviceSourceLogin = "login"
	// DeviceSourceImport marks records imported from an external system.
	DeviceSourceImport = "import"
)

// DeviceRecord ties a fingerprint to a user account. A user holds at most
// one record per fingerprint; the pair is unique across the store.
type DeviceRecord struct {
	// ID is the store assigned identifier, zero until created.
	ID uint64 `json:"id"`
	// UserID is the owning account.
	UserID string `json:"user_id"`
	// Fingerprint is the stable device hash.
	Fingerprint string `json:"fingerprint"`
	// Active reports whether the record is in use. Inactive records keep
	// their row for audit purposes.
	Active bool `json:"active"`
	// Trusted reports whether the owner marked the device trusted. Only
	// active records can be trusted.
	Trusted bool `json:"trusted"`
	// FailedAttempts counts consecutive failed validations observed from
	// this device. Reset on successful validation.
	FailedAttempts int `json:"failed_attempts"`
	// DeviceName is an optional user facing label.
	DeviceName string `json:"device_name,omitempty"`
	// BrowserInfo is the user agent captured at registration.
	BrowserInfo string `json:"browser_info,omitempty"`
	// Source records how the device entered the system.
	Source string `json:"source,omitempty"`
	// LastKnownIP is the client address of the most recent use.
	LastKnownIP string `json:"last_known_ip,omitempty"`
	// LastKnownCountry is the ISO country code of the most recent use.
	LastKnownCountry string `json:"last_known_country,omitempty"`
	// Location is a human readable rendering of the most recent resolved
	// location, e.g. "São Paulo, Brazil".
	Location string `json:"location,omitempty"`
	// LastUsedAt is when the device was last seen.
	LastUsedAt time.Time `json:"last_used_at"`
	// DeactivatedAt is when the record went inactive, zero while active.
	DeactivatedAt time.Time `json:"deactivated_at,omitempty"`
	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdateCount is the optimistic concurrency revision. Updates must
	// carry the revision they read; the store rejects stale writes.
	UpdateCount int64 `json:"update_count"`
}

// State derives the lifecycle state from the record flags.
func (r *DeviceRecord) State() DeviceState {
	switch {
	case !r.Active:
		return DeviceStateInactive
	case r.Trusted:
		return DeviceStateActiveTrusted
	default:
		return DeviceStateActiveUntrusted
	}
}

// CheckAndSetDefaults validates the record invariants.
func (r *DeviceRecord) CheckAndSetDefaults() error {
	if r.UserID == "" {
		return trace.BadParameter("missing parameter UserID")
	}
	if r.Fingerprint == "" {
		return trace.BadParameter("missing parameter Fingerprint")
	}
	if r.Trusted && !r.Active {
		return trace.BadParameter("inactive device record cannot be trusted")
	}
	if !r.Active && r.DeactivatedAt.IsZero() {
		return trace.BadParameter("inactive device record requires a deactivation time")
	}
	if r.Active && !r.DeactivatedAt.IsZero() {
		return trace.BadParameter("active device record cannot carry a deactivation time")
	}
	if r.FailedAttempts < 0 {
		return trace.BadParameter("negative failed attempt count")
	}
	if r.Source == "" {
		r.Source = DeviceSourceLogin
	}
	return nil
}

// DeviceRecords stores device records. Implementations must be safe for
// concurrent use.
type DeviceRecords interface {
	// CreateDeviceRecord inserts a new record and returns it with its
	// assigned ID. Returns trace.AlreadyExists when the user already has
	// a record for the fingerprint.
	CreateDeviceRecord(ctx context.Context, record DeviceRecord) (DeviceRecord, error)
	// GetDeviceRecord returns the record for the (user, fingerprint)
	// pair, or trace.NotFound.
	GetDeviceRecord(ctx context.Context, userID, fingerprint string) (DeviceRecord, error)
	// UpdateDeviceRecord writes the record back using its UpdateCount as
	// an optimistic lock: the stored revision must match the one carried
	// by the update, otherwise trace.CompareFailed is returned and the
	// caller re-reads and retries. On success the returned record carries
	// the incremented revision.
	UpdateDeviceRecord(ctx context.Context, record DeviceRecord) (DeviceRecord, error)
	// ListDeviceRecords returns every record of the user, including
	// inactive ones, ordered by creation time.
	ListDeviceRecords(ctx context.Context, userID string) ([]DeviceRecord, error)
	// CountActiveDevices returns the number of active records of the
	// user.
	CountActiveDevices(ctx context.Context, userID string) (int, error)
}

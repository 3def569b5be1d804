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
	"slices"

	"github.com/gravitational/trace"
)

// User is the account view the risk and device services operate on. The
// system of record for accounts is the embedding application; this type
// carries only what the security checks need.
type User struct {
	// ID uniquely identifies the account.
	ID string `json:"id"`
	// Handle is the login name.
	Handle string `json:"handle"`
	// Email is the contact address used for alerts.
	Email string `json:"email,omitempty"`
	// Authorities are the granted role names.
	Authorities []string `json:"authorities,omitempty"`
	// FingerprintingEnabled reports whether device checks apply to the
	// account. Accounts with repeated device churn can have enforcement
	// switched off by an operator.
	FingerprintingEnabled bool `json:"fingerprinting_enabled"`
	// Enabled reports whether the account can authenticate at all.
	Enabled bool `json:"enabled"`
	// NonLocked is false while the account is administratively locked.
	NonLocked bool `json:"non_locked"`
	// NonExpired is false once the account passed its expiry.
	NonExpired bool `json:"non_expired"`
	// CredentialsNonExpired is false once the password must be rotated.
	CredentialsNonExpired bool `json:"credentials_non_expired"`
}

// CheckAndSetDefaults validates the user.
func (u *User) CheckAndSetDefaults() error {
	if u.ID == "" {
		return trace.BadParameter("missing parameter ID")
	}
	if u.Handle == "" {
		return trace.BadParameter("missing parameter Handle")
	}
	return nil
}

// CanAuthenticate reports whether the account is in a state that admits a
// login at all, before any risk or device checks run.
func (u *User) CanAuthenticate() bool {
	return u.Enabled && u.NonLocked && u.NonExpired && u.CredentialsNonExpired
}

// Clone returns a deep copy of the user.
func (u *User) Clone() User {
	out := *u
	out.Authorities = slices.Clone(u.Authorities)
	return out
}

// Users stores user accounts. Implementations must be safe for concurrent
// use.
type Users interface {
	// GetUser returns the account by ID, or trace.NotFound.
	GetUser(ctx context.Context, id string) (User, error)
	// UpsertUser inserts or replaces the account.
	UpsertUser(ctx context.Context, user User) (User, error)
	// SetFingerprinting switches device checks for the account on or
	// off. Returns trace.NotFound for unknown accounts.
	SetFingerprinting(ctx context.Context, id string, enabled bool) error
}

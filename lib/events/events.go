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

// Package events defines the audit events recorded by the device and
// authorization services and the emitters that deliver them. Emission is
// best effort and must never block or fail an authentication decision.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Audit event types emitted across the project.
const (
	// DeviceRegisterEvent is emitted when a device fingerprint is first
	// registered for a user.
	DeviceRegisterEvent = "device.register"
	// DeviceUpdateEvent is emitted when an existing device record is
	// refreshed by a new login.
	DeviceUpdateEvent = "device.update"
	// DeviceValidateEvent is emitted when a presented fingerprint matches
	// an active device record.
	DeviceValidateEvent = "device.validate"
	// DeviceMismatchEvent is emitted when a presented fingerprint does
	// not match any active device record.
	DeviceMismatchEvent = "device.mismatch"
	// DeviceTrustEvent is emitted when a device is marked trusted.
	DeviceTrustEvent = "device.trust"
	// DeviceUntrustEvent is emitted when a device loses trusted status.
	DeviceUntrustEvent = "device.untrust"
	// DeviceSuspiciousEvent is emitted when a device is flagged for
	// suspicious activity.
	DeviceSuspiciousEvent = "device.suspicious"
	// DeviceRevokeEvent is emitted when a device record is deactivated.
	DeviceRevokeEvent = "device.revoke"
	// DeviceLimitEvent is emitted when a registration is rejected because
	// the user reached the active device limit.
	DeviceLimitEvent = "device.limit"

	// FingerprintDisableEvent is emitted when fingerprint enforcement is
	// switched off for a user.
	FingerprintDisableEvent = "fingerprint.disable"
	// FingerprintEnableEvent is emitted when fingerprint enforcement is
	// switched back on for a user.
	FingerprintEnableEvent = "fingerprint.enable"

	// IPBlockedEvent is emitted when a client address is rejected by the
	// IP policy.
	IPBlockedEvent = "ip.blocked"
	// RateLimitDenyEvent is emitted when a request is rejected by a rate
	// limiter.
	RateLimitDenyEvent = "ratelimit.deny"

	// AssignmentDeniedEvent is emitted when a role assignment is rejected
	// by the authorization rules.
	AssignmentDeniedEvent = "authz.assignment_denied"
	// RiskAlertEvent is emitted when the risk engine raises an alert.
	RiskAlertEvent = "risk.alert"

	// SessionAuthorizeEvent is emitted when a login completes and the
	// session scope is granted.
	SessionAuthorizeEvent = "session.authorize"
	// LoginDenyEvent is emitted when a login is rejected at any stage of
	// the authentication flow.
	LoginDenyEvent = "login.deny"
)

// AuditEvent is a single audit record.
type AuditEvent struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type is one of the event type constants above.
	Type string `json:"type"`
	// Actor is the account performing the action, when known.
	Actor string `json:"actor,omitempty"`
	// Target is the account or resource acted on, when any.
	Target string `json:"target,omitempty"`
	// IP is the client address the action originated from, when known.
	IP string `json:"ip,omitempty"`
	// Time is when the event occurred.
	Time time.Time `json:"time"`
	// Details carries event specific context.
	Details map[string]string `json:"details,omitempty"`
}

// NewEvent returns an AuditEvent of the given type stamped with a fresh ID
// and the current time.
func NewEvent(clock clockwork.Clock, eventType string) AuditEvent {
	return AuditEvent{
		ID:   uuid.NewString(),
		Type: eventType,
		Time: clock.Now().UTC(),
	}
}

// Emitter records audit events. Implementations must be safe for concurrent
// use and must not block the caller beyond ctx.
type Emitter interface {
	// EmitAuditEvent records a single event.
	EmitAuditEvent(ctx context.Context, event AuditEvent) error
}

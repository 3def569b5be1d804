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

// Package authflow drives interactive logins end to end: admission through
// the rate limiter, device registration, risk grading and session
// authorization. Each stage transition is published as an AuthEvent to
// subscribed handlers, and the outcome accumulates in an immutable
// AuthContext value that handlers transform rather than mutate.
package authflow

import (
	"context"
	"slices"
	"time"

	"github.com/gravitational/vigil/lib/authz"
	"github.com/gravitational/vigil/lib/fingerprint"
	"github.com/gravitational/vigil/lib/risk"
	"github.com/gravitational/vigil/lib/services"
)

// Kind discriminates the AuthEvent variants.
type Kind string

const (
	// LoginAdmitted fires once the attempt cleared rate limiting and the
	// account is in a state that allows authentication at all.
	LoginAdmitted Kind = "login_admitted"
	// DeviceRegistered fires after the device record behind the attempt
	// has been written.
	DeviceRegistered Kind = "device_registered"
	// RiskEvaluated fires after the risk engine graded the attempt.
	RiskEvaluated Kind = "risk_evaluated"
	// SessionAuthorized fires last, when the session scope is granted.
	SessionAuthorized Kind = "session_authorized"
	// LoginDenied fires when the attempt is rejected at any stage.
	LoginDenied Kind = "login_denied"
)

// AuthEvent is a single stage transition of a login attempt. Kind selects
// the variant; payload fields are set per kind as documented.
type AuthEvent struct {
	// Kind is the stage that was reached.
	Kind Kind
	// UserID is the account behind the attempt.
	UserID string
	// IP is the client address the attempt originated from.
	IP string
	// Time is when the stage was reached.
	Time time.Time
	// Registration carries the device registration outcome. Set on
	// DeviceRegistered.
	Registration *fingerprint.Registration
	// Risk carries the risk grade. Set on RiskEvaluated.
	Risk *risk.Result
	// Err is the denial cause. Set on LoginDenied.
	Err error
}

// Handler reacts to a flow stage. It receives the AuthContext accumulated so
// far and returns its replacement; returning an error vetoes the login. A
// handler that has no transform to apply returns its argument unchanged.
type Handler func(ctx context.Context, event AuthEvent, actx AuthContext) (AuthContext, error)

// AuthContext is the outcome of an authentication flow. It is a plain value:
// the With transforms return modified copies, so handlers further down a
// chain never observe another handler's intermediate state.
type AuthContext struct {
	// Principal is the authenticated subject with its granted authorities.
	Principal authz.Subject
	// Device is the device record behind the login.
	Device services.DeviceRecord
	// Risk is the risk grade the login was admitted under.
	Risk risk.Result
	// Redirect is where the client is sent after the flow completes.
	Redirect string
	// SavedRequest is the URL the client originally asked for, carried
	// until a transform consumes it into Redirect.
	SavedRequest string
	// IssuedAt is when the flow started.
	IssuedAt time.Time
}

// WithPrincipal returns a copy with the authenticated principal replaced.
func (a AuthContext) WithPrincipal(principal authz.Subject) AuthContext {
	principal.Authorities = slices.Clone(principal.Authorities)
	a.Principal = principal
	return a
}

// WithRedirect returns a copy with the post-login redirect target replaced.
func (a AuthContext) WithRedirect(url string) AuthContext {
	a.Redirect = url
	return a
}

// WithoutSavedRequest returns a copy with the saved request cleared, marking
// it consumed.
func (a AuthContext) WithoutSavedRequest() AuthContext {
	a.SavedRequest = ""
	return a
}

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

package authflow

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/authz"
	"github.com/gravitational/vigil/lib/events"
	"github.com/gravitational/vigil/lib/fingerprint"
	"github.com/gravitational/vigil/lib/limiter"
	"github.com/gravitational/vigil/lib/services"
	"github.com/gravitational/vigil/lib/utils"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentFlow)

var logins = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: vigil.MetricNamespace,
		Subsystem: "flow",
		Name:      "logins_total",
		Help:      "Authentication flow outcomes partitioned by result",
	},
	[]string{"result"},
)

// SessionScope is the resource name logins are authorized against when the
// config does not name one.
const SessionScope = "session"

// RedirectParam is the query parameter carrying the URL the client asked
// for before authentication started.
const RedirectParam = "redirect_uri"

// Config holds the authentication flow dependencies.
type Config struct {
	// Identity resolves accounts. Required.
	Identity services.Identity
	// Devices registers the device behind each login. Required.
	Devices *fingerprint.Service
	// Limiter throttles attempts per client address before any other work
	// runs. Optional.
	Limiter limiter.Limiter
	// Policy guards the session scope. Optional; the scope check is
	// skipped when unset.
	Policy *authz.Policy
	// Scope is the resource name sessions are authorized against.
	Scope string
	// Emitter receives audit events. Defaults to the package log.
	Emitter events.Emitter
	// DefaultRedirect is where a login lands when the attempt carries no
	// saved request.
	DefaultRedirect string
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Devices == nil {
		return trace.BadParameter("missing parameter Devices")
	}
	if c.Scope == "" {
		c.Scope = SessionScope
	}
	if c.Emitter == nil {
		c.Emitter = events.SlogEmitter{}
	}
	if c.DefaultRedirect == "" {
		c.DefaultRedirect = "/"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Flow drives logins through admission, device registration, risk grading
// and session authorization, publishing each stage to subscribed handlers.
type Flow struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewFlow returns an authentication flow with the given config.
func NewFlow(cfg Config) (*Flow, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(logins); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Flow{
		cfg:      cfg,
		handlers: make(map[Kind][]Handler),
	}, nil
}

// Subscribe registers a handler for a flow stage. Handlers run in
// subscription order on the goroutine driving the login; any handler error
// denies the attempt, so subscribers double as veto points. Subscribing to
// RiskEvaluated and rejecting on a high grade turns the advisory risk
// engine into an enforcing one.
func (f *Flow) Subscribe(kind Kind, handler Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], handler)
}

// Authenticate drives a login attempt through the full flow. On success the
// returned AuthContext carries the authenticated principal, the device
// record behind the attempt and the redirect target. Denials surface as the
// error of the stage that rejected: LimitExceeded from the limiter and the
// device allowance, AccessDenied from account state, IP policy and the
// session scope, NotFound for unknown accounts, BadParameter for requests
// that cannot be fingerprinted.
func (f *Flow) Authenticate(ctx context.Context, userID string, r *http.Request) (AuthContext, error) {
	if strings.TrimSpace(userID) == "" {
		return AuthContext{}, trace.BadParameter("missing parameter userID")
	}
	ip := utils.ClientIP(r)
	actx := AuthContext{
		SavedRequest: r.URL.Query().Get(RedirectParam),
		IssuedAt:     f.cfg.Clock.Now().UTC(),
	}

	if err := f.admit(ctx, ip); err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}
	user, err := f.cfg.Identity.GetUser(ctx, userID)
	if err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}
	if !user.CanAuthenticate() {
		return f.deny(ctx, actx, userID, ip, trace.AccessDenied("account %v is not allowed to authenticate", userID))
	}
	actx, err = f.publish(ctx, f.newAuthEvent(LoginAdmitted, userID, ip), actx)
	if err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}

	registration, err := f.cfg.Devices.Register(ctx, userID, r)
	if err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}
	actx.Device = registration.Record
	actx.Risk = registration.Risk

	event := f.newAuthEvent(DeviceRegistered, userID, ip)
	event.Registration = registration
	if actx, err = f.publish(ctx, event, actx); err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}

	event = f.newAuthEvent(RiskEvaluated, userID, ip)
	event.Risk = &registration.Risk
	if actx, err = f.publish(ctx, event, actx); err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}

	principal := authz.Subject{
		ID:          user.ID,
		Username:    user.Handle,
		Authorities: user.Authorities,
	}
	if err := f.authorize(ctx, principal); err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}

	actx = actx.WithPrincipal(principal)
	if actx.SavedRequest != "" {
		actx = actx.WithRedirect(actx.SavedRequest).WithoutSavedRequest()
	} else {
		actx = actx.WithRedirect(f.cfg.DefaultRedirect)
	}
	if actx, err = f.publish(ctx, f.newAuthEvent(SessionAuthorized, userID, ip), actx); err != nil {
		return f.deny(ctx, actx, userID, ip, err)
	}

	logins.WithLabelValues("authorized").Inc()
	audit := events.NewEvent(f.cfg.Clock, events.SessionAuthorizeEvent)
	audit.Actor = userID
	audit.IP = ip
	audit.Details = map[string]string{
		"risk":      registration.Risk.Level.String(),
		"device_id": strconv.FormatUint(registration.Record.ID, 10),
	}
	f.emit(ctx, audit)
	return actx, nil
}

// admit runs the attempt through the login rate limiter. Limiter backend
// failures deny, same as the registration limiter further down.
func (f *Flow) admit(ctx context.Context, ip string) error {
	if f.cfg.Limiter == nil {
		return nil
	}
	decision, err := f.cfg.Limiter.Allow(ctx, "login:"+ip)
	if err != nil {
		return trace.Wrap(err)
	}
	if decision.Allowed {
		return nil
	}
	return trace.LimitExceeded("too many login attempts, try again in %v", decision.RetryAfter)
}

// authorize checks the principal against the session scope policy.
func (f *Flow) authorize(ctx context.Context, principal authz.Subject) error {
	if f.cfg.Policy == nil {
		return nil
	}
	return trace.Wrap(f.cfg.Policy.Check(ctx, principal, f.cfg.Scope))
}

// deny publishes LoginDenied, audits the rejection and returns the denial
// cause. Handler errors during denial publication are logged, not surfaced:
// the attempt is already failing for the original reason.
func (f *Flow) deny(ctx context.Context, actx AuthContext, userID, ip string, cause error) (AuthContext, error) {
	logins.WithLabelValues("denied").Inc()

	event := f.newAuthEvent(LoginDenied, userID, ip)
	event.Err = cause
	if _, err := f.publish(ctx, event, actx); err != nil {
		log.WarnContext(ctx, "Login denial handler failed",
			"user_id", userID,
			"error", err,
		)
	}

	audit := events.NewEvent(f.cfg.Clock, events.LoginDenyEvent)
	audit.Actor = userID
	audit.IP = ip
	audit.Details = map[string]string{"reason": cause.Error()}
	f.emit(ctx, audit)

	return AuthContext{}, trace.Wrap(cause)
}

// publish runs the handlers subscribed to the event's kind, threading the
// AuthContext through each in subscription order.
func (f *Flow) publish(ctx context.Context, event AuthEvent, actx AuthContext) (AuthContext, error) {
	f.mu.RLock()
	handlers := f.handlers[event.Kind]
	f.mu.RUnlock()

	var err error
	for _, handler := range handlers {
		actx, err = handler(ctx, event, actx)
		if err != nil {
			return actx, trace.Wrap(err)
		}
	}
	return actx, nil
}

func (f *Flow) newAuthEvent(kind Kind, userID, ip string) AuthEvent {
	return AuthEvent{
		Kind:   kind,
		UserID: userID,
		IP:     ip,
		Time:   f.cfg.Clock.Now().UTC(),
	}
}

func (f *Flow) emit(ctx context.Context, event events.AuditEvent) {
	if err := f.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		log.WarnContext(ctx, "Failed to emit audit event",
			"event_type", event.Type,
			"error", err,
		)
	}
}

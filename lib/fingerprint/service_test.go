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
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/events"
	"github.com/gravitational/vigil/lib/geo"
	"github.com/gravitational/vigil/lib/limiter"
	"github.com/gravitational/vigil/lib/risk"
	"github.com/gravitational/vigil/lib/services"
	"github.com/gravitational/vigil/lib/services/local"
)

type serviceFixture struct {
	service  *Service
	identity services.Identity
	emitter  *events.MemoryEmitter
	clock    *clockwork.FakeClock
}

func newServiceFixture(t *testing.T, mutate func(*Config)) *serviceFixture {
	t.Helper()

	clock := clockwork.NewFakeClock()
	identity, err := local.NewIdentityService(local.IdentityConfig{Clock: clock})
	require.NoError(t, err)
	gen, err := NewGenerator(GeneratorConfig{Salt: "test-salt"})
	require.NoError(t, err)
	emitter := events.NewMemoryEmitter()

	cfg := Config{
		Identity:  identity,
		Generator: gen,
		Emitter:   emitter,
		Clock:     clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)

	_, err = identity.UpsertUser(context.Background(), services.User{
		ID:                    "alice",
		Handle:                "alice",
		FingerprintingEnabled: true,
		Enabled:               true,
		NonLocked:             true,
		NonExpired:            true,
		CredentialsNonExpired: true,
	})
	require.NoError(t, err)

	return &serviceFixture{
		service:  service,
		identity: identity,
		emitter:  emitter,
		clock:    clock,
	}
}

// deviceRequest builds a login request; the device argument keeps requests
// from distinct devices hashing apart.
func deviceRequest(t *testing.T, device string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, err)
	r.RemoteAddr = "203.0.113.7:51430"
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; "+device+")")
	r.Header.Set("Accept", "*/*")
	r.Header.Set("Accept-Language", "en-US")
	return r
}

func eventTypes(emitter *events.MemoryEmitter) []string {
	recorded := emitter.Events()
	types := make([]string, 0, len(recorded))
	for _, event := range recorded {
		types = append(types, event.Type)
	}
	return types
}

// staticLimiter returns a fixed decision regardless of key.
type staticLimiter struct {
	decision limiter.Decision
	err      error
}

func (s staticLimiter) Allow(ctx context.Context, key string) (limiter.Decision, error) {
	return s.decision, s.err
}

// staticRisk grades every login with a fixed result.
type staticRisk struct {
	result *risk.Result
}

func (s staticRisk) Verify(ctx context.Context, ip, userID string) risk.Result {
	return *s.result
}

// flakyIdentity injects storage races: getMisses makes reads report
// NotFound, updateFailures makes writes report CompareFailed, each
// decrementing per call before passing through to the wrapped store.
type flakyIdentity struct {
	services.Identity
	getMisses      int
	updateFailures int
}

func (f *flakyIdentity) GetDeviceRecord(ctx context.Context, userID, fingerprint string) (services.DeviceRecord, error) {
	if f.getMisses > 0 {
		f.getMisses--
		return services.DeviceRecord{}, trace.NotFound("device record %v/%v is not found", userID, fingerprint)
	}
	return f.Identity.GetDeviceRecord(ctx, userID, fingerprint)
}

func (f *flakyIdentity) UpdateDeviceRecord(ctx context.Context, record services.DeviceRecord) (services.DeviceRecord, error) {
	if f.updateFailures > 0 {
		f.updateFailures--
		return services.DeviceRecord{}, trace.CompareFailed("device record %v/%v was concurrently modified", record.UserID, record.Fingerprint)
	}
	return f.Identity.UpdateDeviceRecord(ctx, record)
}

func TestRegisterNewDevice(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.True(t, registration.Created)

	record := registration.Record
	require.NotZero(t, record.ID)
	require.Equal(t, "alice", record.UserID)
	require.True(t, record.Active)
	require.False(t, record.Trusted)
	require.Zero(t, record.FailedAttempts)
	require.Equal(t, services.DeviceSourceLogin, record.Source)
	require.Equal(t, "203.0.113.7", record.LastKnownIP)
	require.Equal(t, fx.clock.Now().UTC(), record.LastUsedAt)
	require.Contains(t, record.BrowserInfo, "Windows NT 10.0")
	require.Equal(t, services.DeviceStateActiveUntrusted, record.State())

	recorded := fx.emitter.Events()
	require.Len(t, recorded, 1)
	require.Equal(t, events.DeviceRegisterEvent, recorded[0].Type)
	require.Equal(t, "alice", recorded[0].Actor)
	require.Equal(t, record.Fingerprint, recorded[0].Target)
	require.Equal(t, "203.0.113.7", recorded[0].IP)
	require.Equal(t, "created", recorded[0].Details["outcome"])
	require.Equal(t, "LOW", recorded[0].Details["risk"])
}

func TestRegisterRepeatUpdates(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	first, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)

	fx.clock.Advance(time.Hour)
	second, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.False(t, second.Created)
	require.Equal(t, first.Record.ID, second.Record.ID)
	require.Equal(t, fx.clock.Now().UTC(), second.Record.LastUsedAt)
	require.Greater(t, second.Record.UpdateCount, first.Record.UpdateCount)

	count, err := fx.identity.CountActiveDevices(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Equal(t, []string{events.DeviceRegisterEvent, events.DeviceUpdateEvent}, eventTypes(fx.emitter))
}

func TestRegisterDeviceLimit(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, func(cfg *Config) { cfg.MaxDevices = 2 })
	ctx := context.Background()

	for i := range 2 {
		_, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-"+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	_, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-2"))
	require.ErrorIs(t, err, ErrMaxDevices)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)

	// the rejected device left no row behind
	records, err := fx.identity.ListDeviceRecords(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 2)

	// devices already registered keep logging in at the cap
	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-0"))
	require.NoError(t, err)
	require.False(t, registration.Created)

	require.Contains(t, eventTypes(fx.emitter), events.DeviceLimitEvent)
}

func TestRegisterReactivation(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, func(cfg *Config) { cfg.MaxDevices = 1 })
	ctx := context.Background()

	first, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.NoError(t, fx.service.Revoke(ctx, "alice", first.Record.ID))

	second, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-2"))
	require.NoError(t, err)

	// bringing dev-1 back counts against the allowance like a new device
	_, err = fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.ErrorIs(t, err, ErrMaxDevices)

	require.NoError(t, fx.service.Revoke(ctx, "alice", second.Record.ID))
	fx.clock.Advance(time.Hour)

	revived, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.False(t, revived.Created)
	require.Equal(t, first.Record.ID, revived.Record.ID)
	require.True(t, revived.Record.Active)
	require.False(t, revived.Record.Trusted)
	require.Zero(t, revived.Record.FailedAttempts)
	require.True(t, revived.Record.DeactivatedAt.IsZero())
	require.Equal(t, fx.clock.Now().UTC(), revived.Record.LastUsedAt)
}

func TestRegisterRateLimited(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, func(cfg *Config) {
		cfg.Limiter = staticLimiter{decision: limiter.Decision{Allowed: false, RetryAfter: time.Minute}}
	})
	ctx := context.Background()

	_, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.ErrorIs(t, err, ErrRateLimited)

	records, err := fx.identity.ListDeviceRecords(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, records)

	recorded := fx.emitter.Events()
	require.Len(t, recorded, 1)
	require.Equal(t, events.RateLimitDenyEvent, recorded[0].Type)
	require.Equal(t, "1m0s", recorded[0].Details["retry_after"])
}

func TestRegisterLimiterUnavailable(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, func(cfg *Config) {
		cfg.Limiter = staticLimiter{err: trace.ConnectionProblem(nil, "rate limiter backend unavailable")}
	})

	// an unreachable limiter backend fails closed
	_, err := fx.service.Register(context.Background(), "alice", deviceRequest(t, "dev-1"))
	require.True(t, trace.IsConnectionProblem(err), "expected ConnectionProblem, got %v", err)
}

func TestRegisterBlockedIP(t *testing.T) {
	t.Parallel()

	policy, err := NewIPPolicy(IPPolicyConfig{Blocklist: []string{"203.0.113.0/24"}})
	require.NoError(t, err)
	fx := newServiceFixture(t, func(cfg *Config) { cfg.IPPolicy = policy })
	ctx := context.Background()

	_, err = fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.ErrorIs(t, err, ErrIPBlocked)

	records, err := fx.identity.ListDeviceRecords(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, records)

	require.Equal(t, []string{events.IPBlockedEvent}, eventTypes(fx.emitter))
}

func TestRegisterUnknownUser(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)

	_, err := fx.service.Register(context.Background(), "mallory", deviceRequest(t, "dev-1"))
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)
}

func TestRegisterFingerprintingDisabled(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.identity.SetFingerprinting(ctx, "alice", false))

	_, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.ErrorIs(t, err, ErrFingerprintingDisabled)
}

func TestRegisterNoSignals(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)

	r, err := http.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, err)
	_, err = fx.service.Register(context.Background(), "alice", r)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestRegisterRiskEnrichment(t *testing.T) {
	t.Parallel()

	result := &risk.Result{
		Level:  risk.LevelMedium,
		Alerts: []string{"vpn_asn:9009"},
		Location: geo.Location{
			CountryCode: "BR",
			CountryName: "Brazil",
			City:        "São Paulo",
			Latitude:    -23.5505,
			Longitude:   -46.6333,
		},
	}
	fx := newServiceFixture(t, func(cfg *Config) { cfg.Risk = staticRisk{result: result} })
	ctx := context.Background()

	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.Equal(t, risk.LevelMedium, registration.Risk.Level)
	require.Equal(t, "BR", registration.Record.LastKnownCountry)
	require.Equal(t, "São Paulo, Brazil", registration.Record.Location)
	require.False(t, registration.Record.Trusted)

	recorded := fx.emitter.Events()
	require.Equal(t, []string{events.DeviceRegisterEvent, events.RiskAlertEvent}, eventTypes(fx.emitter))
	require.Contains(t, recorded[1].Details["alerts"], "vpn_asn:9009")
	require.Equal(t, "MEDIUM", recorded[1].Details["risk"])
}

func TestRegisterRiskDowngradesTrust(t *testing.T) {
	t.Parallel()

	result := &risk.Result{Level: risk.LevelLow}
	fx := newServiceFixture(t, func(cfg *Config) { cfg.Risk = staticRisk{result: result} })
	ctx := context.Background()

	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	fp := registration.Record.Fingerprint

	_, err = fx.service.Trust(ctx, "alice", fp)
	require.NoError(t, err)

	// unremarkable logins leave trust alone
	updated, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.True(t, updated.Record.Trusted)

	// a suspicious login withdraws it
	*result = risk.Result{Level: risk.LevelMedium, Alerts: []string{"country_risk:KP"}}
	updated, err = fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.False(t, updated.Record.Trusted)
	require.Equal(t, services.DeviceStateActiveUntrusted, updated.Record.State())
}

func TestRegisterRetriesLostRaces(t *testing.T) {
	t.Parallel()

	flaky := &flakyIdentity{}
	fx := newServiceFixture(t, func(cfg *Config) {
		flaky.Identity = cfg.Identity
		cfg.Identity = flaky
	})
	ctx := context.Background()

	first, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.True(t, first.Created)

	// another login updated the record between our read and write
	flaky.updateFailures = 1
	updated, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.False(t, updated.Created)

	// a concurrent identical registration inserted first: the insert
	// reports AlreadyExists and the attempt retries as an update
	flaky.getMisses = 1
	raced, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.False(t, raced.Created)

	count, err := fx.identity.CountActiveDevices(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// a record that keeps changing exhausts the retry budget
	flaky.updateFailures = defaults.RegisterAttempts
	_, err = fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.True(t, trace.IsCompareFailed(err), "expected CompareFailed, got %v", err)
}

func TestRegisterConcurrentDevices(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, func(cfg *Config) { cfg.MaxDevices = 32 })
	ctx := context.Background()

	requests := make([]*http.Request, 8)
	for i := range requests {
		requests[i] = deviceRequest(t, "dev-"+strconv.Itoa(i))
	}

	var group errgroup.Group
	for _, r := range requests {
		group.Go(func() error {
			_, err := fx.service.Register(ctx, "alice", r)
			return err
		})
	}
	require.NoError(t, group.Wait())

	count, err := fx.identity.CountActiveDevices(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, len(requests), count)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	fp := registration.Record.Fingerprint

	fx.clock.Advance(time.Hour)
	record, err := fx.service.Validate(ctx, "alice", fp, deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.Equal(t, fx.clock.Now().UTC(), record.LastUsedAt)

	// a successful validation clears accumulated failures
	_, err = fx.service.MarkSuspicious(ctx, "alice", fp)
	require.NoError(t, err)
	record, err = fx.service.Validate(ctx, "alice", fp, deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.Zero(t, record.FailedAttempts)

	_, err = fx.service.Validate(ctx, "alice", "no-such-fp", deviceRequest(t, "dev-1"))
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, fx.service.Revoke(ctx, "alice", registration.Record.ID))
	_, err = fx.service.Validate(ctx, "alice", fp, deviceRequest(t, "dev-1"))
	require.ErrorIs(t, err, ErrDeviceInactive)
}

func TestValidateScreensIP(t *testing.T) {
	t.Parallel()

	policy, err := NewIPPolicy(IPPolicyConfig{Blocklist: []string{"198.51.100.0/24"}})
	require.NoError(t, err)
	fx := newServiceFixture(t, func(cfg *Config) { cfg.IPPolicy = policy })
	ctx := context.Background()

	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)

	// the device's network got blocked after it registered
	blocked := deviceRequest(t, "dev-1")
	blocked.Header.Set("X-Forwarded-For", "198.51.100.9")
	_, err = fx.service.Validate(ctx, "alice", registration.Record.Fingerprint, blocked)
	require.ErrorIs(t, err, ErrIPBlocked)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	first, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	second, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-2"))
	require.NoError(t, err)
	tokenFp := first.Record.Fingerprint

	// the token matches the device presenting it
	require.NoError(t, fx.service.Verify(ctx, "alice", tokenFp, deviceRequest(t, "dev-1")))

	// the request hashes to another registered device of the user:
	// signal drift after a re-registration is accepted
	require.NoError(t, fx.service.Verify(ctx, "alice", tokenFp, deviceRequest(t, "dev-2")))

	// an unregistered device does not pass
	err = fx.service.Verify(ctx, "alice", tokenFp, deviceRequest(t, "dev-3"))
	require.ErrorIs(t, err, ErrDeviceMismatch)

	recorded := fx.emitter.Events()
	last := recorded[len(recorded)-1]
	require.Equal(t, events.DeviceMismatchEvent, last.Type)
	require.Equal(t, tokenFp, last.Target)
	require.NotEmpty(t, last.Details["presented"])

	// a revoked sibling no longer rescues the mismatch
	require.NoError(t, fx.service.Revoke(ctx, "alice", second.Record.ID))
	err = fx.service.Verify(ctx, "alice", tokenFp, deviceRequest(t, "dev-2"))
	require.ErrorIs(t, err, ErrDeviceMismatch)

	// a signal-less request hashes to a random fallback, it never matches
	bare, err := http.NewRequest(http.MethodGet, "/orders", nil)
	require.NoError(t, err)
	err = fx.service.Verify(ctx, "alice", tokenFp, bare)
	require.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestTrustUntrust(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	fp := registration.Record.Fingerprint

	record, err := fx.service.Trust(ctx, "alice", fp)
	require.NoError(t, err)
	require.True(t, record.Trusted)
	require.Equal(t, services.DeviceStateActiveTrusted, record.State())

	record, err = fx.service.Untrust(ctx, "alice", fp)
	require.NoError(t, err)
	require.False(t, record.Trusted)
	require.Equal(t, services.DeviceStateActiveUntrusted, record.State())

	_, err = fx.service.Trust(ctx, "alice", "no-such-fp")
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	require.NoError(t, fx.service.Revoke(ctx, "alice", registration.Record.ID))
	_, err = fx.service.Trust(ctx, "alice", fp)
	require.ErrorIs(t, err, ErrDeviceInactive)

	types := eventTypes(fx.emitter)
	require.Contains(t, types, events.DeviceTrustEvent)
	require.Contains(t, types, events.DeviceUntrustEvent)
}

func TestMarkSuspiciousDeactivates(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, func(cfg *Config) { cfg.MaxFailedAttempts = 3 })
	ctx := context.Background()

	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	fp := registration.Record.Fingerprint

	for want := 1; want <= 2; want++ {
		record, err := fx.service.MarkSuspicious(ctx, "alice", fp)
		require.NoError(t, err)
		require.True(t, record.Active)
		require.Equal(t, want, record.FailedAttempts)
	}

	record, err := fx.service.MarkSuspicious(ctx, "alice", fp)
	require.NoError(t, err)
	require.False(t, record.Active)
	require.False(t, record.Trusted)
	require.Equal(t, 3, record.FailedAttempts)
	require.Equal(t, fx.clock.Now().UTC(), record.DeactivatedAt)

	_, err = fx.service.MarkSuspicious(ctx, "alice", fp)
	require.ErrorIs(t, err, ErrDeviceInactive)

	count, err := fx.identity.CountActiveDevices(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)

	recorded := fx.emitter.Events()
	last := recorded[len(recorded)-1]
	require.Equal(t, events.DeviceSuspiciousEvent, last.Type)
	require.Equal(t, "true", last.Details["deactivated"])
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	first, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	_, err = fx.service.Register(ctx, "alice", deviceRequest(t, "dev-2"))
	require.NoError(t, err)

	require.NoError(t, fx.service.Revoke(ctx, "alice", first.Record.ID))

	record, err := fx.identity.GetDeviceRecord(ctx, "alice", first.Record.Fingerprint)
	require.NoError(t, err)
	require.False(t, record.Active)
	require.False(t, record.Trusted)
	require.False(t, record.DeactivatedAt.IsZero())

	// revoking an already inactive device is a no-op
	require.NoError(t, fx.service.Revoke(ctx, "alice", first.Record.ID))

	err = fx.service.Revoke(ctx, "alice", 4242)
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	count, err := fx.identity.CountActiveDevices(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRevokeAllExcept(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	fingerprints := make([]string, 0, 3)
	for i := range 3 {
		registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-"+strconv.Itoa(i)))
		require.NoError(t, err)
		fingerprints = append(fingerprints, registration.Record.Fingerprint)
	}
	keep := fingerprints[1]

	revoked, err := fx.service.RevokeAllExcept(ctx, "alice", keep)
	require.NoError(t, err)
	require.Equal(t, 2, revoked)

	count, err := fx.identity.CountActiveDevices(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	kept, err := fx.identity.GetDeviceRecord(ctx, "alice", keep)
	require.NoError(t, err)
	require.True(t, kept.Active)

	// nothing left to revoke on the second run
	revoked, err = fx.service.RevokeAllExcept(ctx, "alice", keep)
	require.NoError(t, err)
	require.Zero(t, revoked)
}

func TestDisableEnable(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	_, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	_, err = fx.service.Register(ctx, "alice", deviceRequest(t, "dev-2"))
	require.NoError(t, err)

	require.NoError(t, fx.service.Disable(ctx, "alice"))

	user, err := fx.identity.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.False(t, user.FingerprintingEnabled)

	count, err := fx.identity.CountActiveDevices(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)

	_, err = fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.ErrorIs(t, err, ErrFingerprintingDisabled)

	require.NoError(t, fx.service.Enable(ctx, "alice"))

	// the device registers again by reviving its old record
	registration, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	require.False(t, registration.Created)
	require.True(t, registration.Record.Active)

	types := eventTypes(fx.emitter)
	require.Contains(t, types, events.FingerprintDisableEvent)
	require.Contains(t, types, events.FingerprintEnableEvent)
}

func TestListDevices(t *testing.T) {
	t.Parallel()

	fx := newServiceFixture(t, nil)
	ctx := context.Background()

	first, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-1"))
	require.NoError(t, err)
	fx.clock.Advance(time.Minute)
	second, err := fx.service.Register(ctx, "alice", deviceRequest(t, "dev-2"))
	require.NoError(t, err)

	_, err = fx.service.Trust(ctx, "alice", first.Record.Fingerprint)
	require.NoError(t, err)

	views, err := fx.service.ListDevices(ctx, "alice", second.Record.Fingerprint)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, services.DeviceStateActiveTrusted, views[0].State)
	require.False(t, views[0].Current)
	require.Equal(t, services.DeviceStateActiveUntrusted, views[1].State)
	require.True(t, views[1].Current)

	// revoked devices drop out of the listing
	require.NoError(t, fx.service.Revoke(ctx, "alice", first.Record.ID))
	views, err = fx.service.ListDevices(ctx, "alice", second.Record.Fingerprint)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, second.Record.ID, views[0].ID)
}

func TestServiceConfig(t *testing.T) {
	t.Parallel()

	identity, err := local.NewIdentityService(local.IdentityConfig{})
	require.NoError(t, err)
	gen, err := NewGenerator(GeneratorConfig{Salt: "s"})
	require.NoError(t, err)

	_, err = NewService(Config{Generator: gen})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	_, err = NewService(Config{Identity: identity})
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)

	cfg := Config{Identity: identity, Generator: gen}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.MaxDevicesPerUser, cfg.MaxDevices)
	require.Equal(t, defaults.MaxFailedAttempts, cfg.MaxFailedAttempts)
	require.NotNil(t, cfg.Emitter)
	require.NotNil(t, cfg.Clock)
}

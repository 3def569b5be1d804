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
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gravitational/vigil"
	"github.com/gravitational/vigil/lib/defaults"
	"github.com/gravitational/vigil/lib/events"
	"github.com/gravitational/vigil/lib/geo"
	"github.com/gravitational/vigil/lib/limiter"
	"github.com/gravitational/vigil/lib/risk"
	"github.com/gravitational/vigil/lib/services"
	"github.com/gravitational/vigil/lib/utils"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentFingerprint)

var (
	// ErrRateLimited is returned when the registration rate limiter denies
	// an attempt.
	ErrRateLimited = &trace.LimitExceededError{Message: "too many device registrations, try again later"}

	// ErrMaxDevices is returned when a registration would push the user
	// over their active device allowance.
	ErrMaxDevices = &trace.LimitExceededError{Message: "active device limit reached"}

	// ErrFingerprintingDisabled is returned when device checks are
	// switched off for the account.
	ErrFingerprintingDisabled = &trace.AccessDeniedError{Message: "device fingerprinting is disabled for this account"}

	// ErrDeviceInactive is returned by operations that require an active
	// device record.
	ErrDeviceInactive = &trace.AccessDeniedError{Message: "device record is deactivated"}

	// ErrDeviceMismatch is returned when a presented fingerprint matches
	// none of the user's active devices.
	ErrDeviceMismatch = &trace.AccessDeniedError{Message: "device fingerprint does not match a registered device"}

	// ErrIPBlocked is returned for client addresses on the blocklist.
	ErrIPBlocked = &trace.AccessDeniedError{Message: "client address is blocked"}

	// ErrIPSuspicious is returned for client addresses that fail security
	// screening.
	ErrIPSuspicious = &trace.AccessDeniedError{Message: "client address failed security screening"}
)

var (
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "device",
			Name:      "registrations_total",
			Help:      "Device registrations partitioned by outcome",
		},
		[]string{"outcome"},
	)
	validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "device",
			Name:      "validations_total",
			Help:      "Device validations partitioned by result",
		},
		[]string{"result"},
	)
	denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: vigil.MetricNamespace,
			Subsystem: "device",
			Name:      "denials_total",
			Help:      "Denied device operations partitioned by reason",
		},
		[]string{"reason"},
	)
)

// Registration outcomes, used both as metric labels and audit detail.
const (
	outcomeCreated     = "created"
	outcomeUpdated     = "updated"
	outcomeReactivated = "reactivated"
)

// RiskVerifier grades a login attempt by its origin. Satisfied by
// *risk.Engine.
type RiskVerifier interface {
	// Verify evaluates the login of userID from ip.
	Verify(ctx context.Context, ip, userID string) risk.Result
}

// Config holds the device fingerprint service dependencies.
type Config struct {
	// Identity is the user and device record store. Required.
	Identity services.Identity
	// Generator derives fingerprints from requests. Required.
	Generator *Generator
	// Limiter throttles registrations per client address. Optional.
	Limiter limiter.Limiter
	// IPPolicy screens client addresses. Optional.
	IPPolicy *IPPolicy
	// Risk grades registrations by login origin. Optional.
	Risk RiskVerifier
	// Emitter receives audit events. Defaults to the package log.
	Emitter events.Emitter
	// MaxDevices caps active device records per user.
	MaxDevices int
	// MaxFailedAttempts deactivates a device once reached.
	MaxFailedAttempts int
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Generator == nil {
		return trace.BadParameter("missing parameter Generator")
	}
	if c.Emitter == nil {
		c.Emitter = events.SlogEmitter{}
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = defaults.MaxDevicesPerUser
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = defaults.MaxFailedAttempts
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service binds devices to accounts by request fingerprint and enforces the
// device lifecycle: registration, validation, trust, revocation.
type Service struct {
	cfg Config
}

// NewService returns a device fingerprint service with the given config.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(registrations, validations, denials); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// Registration is the outcome of registering the device behind a login.
type Registration struct {
	// Record is the stored device record after the registration write.
	Record services.DeviceRecord
	// Risk is the login risk evaluation folded into the record.
	Risk risk.Result
	// Created reports whether the request introduced a new device.
	Created bool
}

// Register admits the login request through the rate limiter and IP policy,
// fingerprints it and upserts the device record, folding the login risk
// evaluation into the same write. A device already past the user's allowance
// is rejected with ErrMaxDevices.
func (s *Service) Register(ctx context.Context, userID string, r *http.Request) (*Registration, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, trace.BadParameter("missing parameter userID")
	}
	ip := utils.ClientIP(r)

	if err := s.admit(ctx, userID, ip); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.screen(ctx, userID, ip); err != nil {
		return nil, trace.Wrap(err)
	}

	user, err := s.cfg.Identity.GetUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !user.FingerprintingEnabled {
		denials.WithLabelValues("disabled").Inc()
		return nil, trace.Wrap(ErrFingerprintingDisabled)
	}

	fp := s.cfg.Generator.Generate(r)
	if IsFallback(fp) {
		// a request without a single signal cannot identify a device
		return nil, trace.BadParameter("request carries no fingerprintable signals")
	}

	result := s.verifyRisk(ctx, ip, userID)

	record, outcome, err := s.upsert(ctx, userID, fp, ip, r.UserAgent(), result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	registrations.WithLabelValues(outcome).Inc()

	eventType := events.DeviceRegisterEvent
	if outcome == outcomeUpdated {
		eventType = events.DeviceUpdateEvent
	}
	event := s.newEvent(eventType, userID, fp, ip)
	event.Details = map[string]string{
		"outcome": outcome,
		"risk":    result.Level.String(),
	}
	s.emit(ctx, event)

	if len(result.Alerts) > 0 {
		alert := s.newEvent(events.RiskAlertEvent, userID, fp, ip)
		alert.Details = map[string]string{
			"risk":   result.Level.String(),
			"alerts": strings.Join(result.Alerts, "; "),
		}
		s.emit(ctx, alert)
	}

	return &Registration{
		Record:  record,
		Risk:    result,
		Created: outcome == outcomeCreated,
	}, nil
}

// admit runs the request through the registration rate limiter. Limiter
// backend failures deny: an attacker must not be able to bypass throttling
// by taking the backend down.
func (s *Service) admit(ctx context.Context, userID, ip string) error {
	if s.cfg.Limiter == nil {
		return nil
	}
	decision, err := s.cfg.Limiter.Allow(ctx, ip)
	if err != nil {
		denials.WithLabelValues("limiter_unavailable").Inc()
		return trace.Wrap(err)
	}
	if decision.Allowed {
		return nil
	}
	denials.WithLabelValues("rate_limit").Inc()
	event := s.newEvent(events.RateLimitDenyEvent, userID, "", ip)
	event.Details = map[string]string{"retry_after": decision.RetryAfter.String()}
	s.emit(ctx, event)
	return trace.Wrap(ErrRateLimited)
}

// screen applies the IP security policy to the client address.
func (s *Service) screen(ctx context.Context, userID, ip string) error {
	if s.cfg.IPPolicy == nil {
		return nil
	}
	err := s.cfg.IPPolicy.Check(ctx, ip)
	if err == nil {
		return nil
	}
	denials.WithLabelValues("ip").Inc()
	event := s.newEvent(events.IPBlockedEvent, userID, "", ip)
	event.Details = map[string]string{"reason": err.Error()}
	s.emit(ctx, event)
	return trace.Wrap(err)
}

func (s *Service) verifyRisk(ctx context.Context, ip, userID string) risk.Result {
	if s.cfg.Risk == nil {
		return risk.Result{}
	}
	return s.cfg.Risk.Verify(ctx, ip, userID)
}

// upsert inserts or refreshes the record for (userID, fp), retrying lost
// races: a concurrent insert of the same fingerprint surfaces as
// AlreadyExists and is retried as an update, a concurrent update surfaces
// as CompareFailed and is retried from a fresh read.
func (s *Service) upsert(ctx context.Context, userID, fp, ip, userAgent string, result risk.Result) (services.DeviceRecord, string, error) {
	for range defaults.RegisterAttempts {
		existing, err := s.cfg.Identity.GetDeviceRecord(ctx, userID, fp)
		switch {
		case err == nil:
			record, outcome, err := s.refresh(ctx, existing, ip, result)
			if err == nil {
				return record, outcome, nil
			}
			if !trace.IsCompareFailed(err) {
				return services.DeviceRecord{}, "", trace.Wrap(err)
			}

		case trace.IsNotFound(err):
			if err := s.checkAllowance(ctx, userID, fp, ip); err != nil {
				return services.DeviceRecord{}, "", trace.Wrap(err)
			}
			created, err := s.cfg.Identity.CreateDeviceRecord(ctx, s.newRecord(userID, fp, ip, userAgent, result))
			if err == nil {
				return created, outcomeCreated, nil
			}
			if !trace.IsAlreadyExists(err) {
				return services.DeviceRecord{}, "", trace.Wrap(err)
			}

		default:
			return services.DeviceRecord{}, "", trace.Wrap(err)
		}
	}
	return services.DeviceRecord{}, "", trace.CompareFailed("device record %v/%v kept changing during registration", userID, fp)
}

// refresh brings an existing record up to date with the current login. An
// inactive record is brought back as a fresh untrusted device, counted
// against the active device allowance like a new insert.
func (s *Service) refresh(ctx context.Context, record services.DeviceRecord, ip string, result risk.Result) (services.DeviceRecord, string, error) {
	outcome := outcomeUpdated
	if !record.Active {
		if err := s.checkAllowance(ctx, record.UserID, record.Fingerprint, ip); err != nil {
			return services.DeviceRecord{}, "", trace.Wrap(err)
		}
		outcome = outcomeReactivated
		record.Active = true
		record.Trusted = false
		record.DeactivatedAt = time.Time{}
	}
	record.FailedAttempts = 0
	record.LastUsedAt = s.cfg.Clock.Now().UTC()
	if ip != "" {
		record.LastKnownIP = ip
	}
	s.enrich(&record, result)

	updated, err := s.cfg.Identity.UpdateDeviceRecord(ctx, record)
	if err != nil {
		return services.DeviceRecord{}, "", trace.Wrap(err)
	}
	return updated, outcome, nil
}

// checkAllowance rejects adding an active record for a user already at
// their device cap. Updates of records that are already active never pass
// through here, so users at the cap keep logging in from known devices.
func (s *Service) checkAllowance(ctx context.Context, userID, fp, ip string) error {
	count, err := s.cfg.Identity.CountActiveDevices(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	if count < s.cfg.MaxDevices {
		return nil
	}
	denials.WithLabelValues("max_devices").Inc()
	event := s.newEvent(events.DeviceLimitEvent, userID, fp, ip)
	event.Details = map[string]string{"active_devices": strconv.Itoa(count)}
	s.emit(ctx, event)
	return trace.Wrap(ErrMaxDevices)
}

func (s *Service) newRecord(userID, fp, ip, userAgent string, result risk.Result) services.DeviceRecord {
	now := s.cfg.Clock.Now().UTC()
	record := services.DeviceRecord{
		UserID:      userID,
		Fingerprint: fp,
		Active:      true,
		BrowserInfo: strings.TrimSpace(userAgent),
		Source:      services.DeviceSourceLogin,
		LastKnownIP: ip,
		LastUsedAt:  now,
		CreatedAt:   now,
	}
	s.enrich(&record, result)
	return record
}

// enrich projects the risk evaluation onto the record: resolved location
// telemetry, and a trust downgrade when the login looked suspicious.
func (s *Service) enrich(record *services.DeviceRecord, result risk.Result) {
	if !result.Location.IsUnknown() {
		record.LastKnownCountry = result.Location.CountryCode
		record.Location = deviceLocation(result.Location)
	}
	if result.Level >= risk.LevelMedium {
		record.Trusted = false
	}
}

// deviceLocation renders a resolved location for display on a device
// record, e.g. "São Paulo, Brazil".
func deviceLocation(loc geo.Location) string {
	name := loc.CountryName
	if name == "" {
		name = loc.CountryCode
	}
	if loc.City == "" {
		return name
	}
	return loc.City + ", " + name
}

// Validate checks that the fingerprint presented by a session belongs to an
// active device of the user and refreshes its usage telemetry. The client
// address is screened again: sessions must not outlive a block on their
// source network.
func (s *Service) Validate(ctx context.Context, userID, fingerprint string, r *http.Request) (services.DeviceRecord, error) {
	if err := checkUserFingerprint(userID, fingerprint); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	ip := utils.ClientIP(r)
	if err := s.screen(ctx, userID, ip); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}

	record, err := s.touch(ctx, userID, fingerprint, ip)
	if err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	validations.WithLabelValues("ok").Inc()
	s.emit(ctx, s.newEvent(events.DeviceValidateEvent, userID, fingerprint, ip))
	return record, nil
}

// touch refreshes the usage telemetry of an active record.
func (s *Service) touch(ctx context.Context, userID, fingerprint, ip string) (services.DeviceRecord, error) {
	for range defaults.RegisterAttempts {
		record, err := s.cfg.Identity.GetDeviceRecord(ctx, userID, fingerprint)
		if err != nil {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
		if !record.Active {
			return services.DeviceRecord{}, trace.Wrap(ErrDeviceInactive)
		}
		record.FailedAttempts = 0
		record.LastUsedAt = s.cfg.Clock.Now().UTC()
		if ip != "" {
			record.LastKnownIP = ip
		}
		updated, err := s.cfg.Identity.UpdateDeviceRecord(ctx, record)
		if err == nil {
			return updated, nil
		}
		if !trace.IsCompareFailed(err) {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
	}
	return services.DeviceRecord{}, trace.CompareFailed("device record %v/%v kept changing", userID, fingerprint)
}

// Verify checks that the fingerprint bound to a session token still matches
// the device presenting the request. A request that hashes to a different
// fingerprint is still accepted when that fingerprint belongs to another
// active device of the same user, which covers clients whose signal set
// drifted after a browser update re-registered them.
func (s *Service) Verify(ctx context.Context, userID, tokenFingerprint string, r *http.Request) error {
	if err := checkUserFingerprint(userID, tokenFingerprint); err != nil {
		return trace.Wrap(err)
	}
	current := s.cfg.Generator.Generate(r)
	ip := utils.ClientIP(r)

	// fallback fingerprints are random, they never match anything
	if !IsFallback(current) {
		if current == tokenFingerprint {
			validations.WithLabelValues("ok").Inc()
			return nil
		}
		record, err := s.cfg.Identity.GetDeviceRecord(ctx, userID, current)
		switch {
		case err == nil && record.Active:
			if _, err := s.touch(ctx, userID, current, ip); err != nil {
				return trace.Wrap(err)
			}
			validations.WithLabelValues("ok").Inc()
			s.emit(ctx, s.newEvent(events.DeviceValidateEvent, userID, current, ip))
			return nil
		case err != nil && !trace.IsNotFound(err):
			return trace.Wrap(err)
		}
	}

	validations.WithLabelValues("mismatch").Inc()
	event := s.newEvent(events.DeviceMismatchEvent, userID, tokenFingerprint, ip)
	event.Details = map[string]string{"presented": current}
	s.emit(ctx, event)
	return trace.Wrap(ErrDeviceMismatch)
}

// Trust marks an active device as trusted by its owner.
func (s *Service) Trust(ctx context.Context, userID, fingerprint string) (services.DeviceRecord, error) {
	record, err := s.setTrust(ctx, userID, fingerprint, true)
	if err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	s.emit(ctx, s.newEvent(events.DeviceTrustEvent, userID, fingerprint, ""))
	return record, nil
}

// Untrust clears the trusted flag of an active device.
func (s *Service) Untrust(ctx context.Context, userID, fingerprint string) (services.DeviceRecord, error) {
	record, err := s.setTrust(ctx, userID, fingerprint, false)
	if err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	s.emit(ctx, s.newEvent(events.DeviceUntrustEvent, userID, fingerprint, ""))
	return record, nil
}

func (s *Service) setTrust(ctx context.Context, userID, fingerprint string, trusted bool) (services.DeviceRecord, error) {
	if err := checkUserFingerprint(userID, fingerprint); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	for range defaults.RegisterAttempts {
		record, err := s.cfg.Identity.GetDeviceRecord(ctx, userID, fingerprint)
		if err != nil {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
		if !record.Active {
			return services.DeviceRecord{}, trace.Wrap(ErrDeviceInactive)
		}
		record.Trusted = trusted
		record.LastUsedAt = s.cfg.Clock.Now().UTC()
		updated, err := s.cfg.Identity.UpdateDeviceRecord(ctx, record)
		if err == nil {
			return updated, nil
		}
		if !trace.IsCompareFailed(err) {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
	}
	return services.DeviceRecord{}, trace.CompareFailed("device record %v/%v kept changing", userID, fingerprint)
}

// MarkSuspicious counts a failed verification against the device and
// deactivates it once the failure cap is reached.
func (s *Service) MarkSuspicious(ctx context.Context, userID, fingerprint string) (services.DeviceRecord, error) {
	if err := checkUserFingerprint(userID, fingerprint); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	for range defaults.RegisterAttempts {
		record, err := s.cfg.Identity.GetDeviceRecord(ctx, userID, fingerprint)
		if err != nil {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
		if !record.Active {
			return services.DeviceRecord{}, trace.Wrap(ErrDeviceInactive)
		}
		record.FailedAttempts++
		deactivated := record.FailedAttempts >= s.cfg.MaxFailedAttempts
		if deactivated {
			record.Active = false
			record.Trusted = false
			record.DeactivatedAt = s.cfg.Clock.Now().UTC()
		}
		updated, err := s.cfg.Identity.UpdateDeviceRecord(ctx, record)
		if err == nil {
			event := s.newEvent(events.DeviceSuspiciousEvent, userID, fingerprint, "")
			event.Details = map[string]string{
				"failed_attempts": strconv.Itoa(updated.FailedAttempts),
				"deactivated":     strconv.FormatBool(deactivated),
			}
			s.emit(ctx, event)
			return updated, nil
		}
		if !trace.IsCompareFailed(err) {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
	}
	return services.DeviceRecord{}, trace.CompareFailed("device record %v/%v kept changing", userID, fingerprint)
}

// Revoke deactivates the user's device by record ID. Revoking an already
// inactive device is a no-op.
func (s *Service) Revoke(ctx context.Context, userID string, deviceID uint64) error {
	if strings.TrimSpace(userID) == "" {
		return trace.BadParameter("missing parameter userID")
	}
	records, err := s.cfg.Identity.ListDeviceRecords(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	idx := slices.IndexFunc(records, func(r services.DeviceRecord) bool { return r.ID == deviceID })
	if idx < 0 {
		return trace.NotFound("device record %v not found", deviceID)
	}
	record := records[idx]
	if !record.Active {
		return nil
	}
	if _, err := s.deactivate(ctx, record); err != nil {
		return trace.Wrap(err)
	}
	s.emit(ctx, s.newEvent(events.DeviceRevokeEvent, userID, record.Fingerprint, ""))
	return nil
}

// RevokeAllExcept deactivates every active device of the user other than
// the one identified by keepFingerprint, typically the device the request
// came from. Returns the number of devices revoked.
func (s *Service) RevokeAllExcept(ctx context.Context, userID, keepFingerprint string) (int, error) {
	if err := checkUserFingerprint(userID, keepFingerprint); err != nil {
		return 0, trace.Wrap(err)
	}
	records, err := s.cfg.Identity.ListDeviceRecords(ctx, userID)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	revoked := 0
	var errs []error
	for _, record := range records {
		if !record.Active || record.Fingerprint == keepFingerprint {
			continue
		}
		if _, err := s.deactivate(ctx, record); err != nil {
			errs = append(errs, err)
			continue
		}
		revoked++
	}
	if len(errs) != 0 {
		return revoked, trace.NewAggregate(errs...)
	}
	if revoked > 0 {
		event := s.newEvent(events.DeviceRevokeEvent, userID, keepFingerprint, "")
		event.Details = map[string]string{
			"revoked": strconv.Itoa(revoked),
			"kept":    keepFingerprint,
		}
		s.emit(ctx, event)
	}
	return revoked, nil
}

// deactivate takes a record out of service, retrying lost revision races.
func (s *Service) deactivate(ctx context.Context, record services.DeviceRecord) (services.DeviceRecord, error) {
	for range defaults.RegisterAttempts {
		if !record.Active {
			return record, nil
		}
		record.Active = false
		record.Trusted = false
		record.DeactivatedAt = s.cfg.Clock.Now().UTC()
		updated, err := s.cfg.Identity.UpdateDeviceRecord(ctx, record)
		if err == nil {
			return updated, nil
		}
		if !trace.IsCompareFailed(err) {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
		record, err = s.cfg.Identity.GetDeviceRecord(ctx, record.UserID, record.Fingerprint)
		if err != nil {
			return services.DeviceRecord{}, trace.Wrap(err)
		}
	}
	return services.DeviceRecord{}, trace.CompareFailed("device record %v/%v kept changing", record.UserID, record.Fingerprint)
}

// Disable switches device checks off for the account and deactivates all
// its devices.
func (s *Service) Disable(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return trace.BadParameter("missing parameter userID")
	}
	if err := s.cfg.Identity.DisableFingerprinting(ctx, userID); err != nil {
		return trace.Wrap(err)
	}
	s.emit(ctx, s.newEvent(events.FingerprintDisableEvent, userID, "", ""))
	return nil
}

// Enable switches device checks back on for the account. Previously
// deactivated devices stay inactive until they register again.
func (s *Service) Enable(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return trace.BadParameter("missing parameter userID")
	}
	if err := s.cfg.Identity.SetFingerprinting(ctx, userID, true); err != nil {
		return trace.Wrap(err)
	}
	s.emit(ctx, s.newEvent(events.FingerprintEnableEvent, userID, "", ""))
	return nil
}

// DeviceView is the owner facing projection of a device record.
type DeviceView struct {
	// ID identifies the record, accepted by Revoke.
	ID uint64 `json:"id"`
	// Name is the optional user assigned label.
	Name string `json:"name,omitempty"`
	// BrowserInfo is the user agent captured at registration.
	BrowserInfo string `json:"browser_info,omitempty"`
	// Location is the last known location, human readable.
	Location string `json:"location,omitempty"`
	// State is the device lifecycle state.
	State services.DeviceState `json:"state"`
	// Current marks the device the listing request came from.
	Current bool `json:"current"`
	// LastUsedAt is when the device was last seen.
	LastUsedAt time.Time `json:"last_used_at"`
	// CreatedAt is when the device first registered.
	CreatedAt time.Time `json:"created_at"`
}

// ListDevices returns the user's active devices, flagging the one matching
// currentFingerprint so clients can guard it in their UI.
func (s *Service) ListDevices(ctx context.Context, userID, currentFingerprint string) ([]DeviceView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, trace.BadParameter("missing parameter userID")
	}
	records, err := s.cfg.Identity.ListDeviceRecords(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	views := make([]DeviceView, 0, len(records))
	for _, record := range records {
		if !record.Active {
			continue
		}
		views = append(views, DeviceView{
			ID:          record.ID,
			Name:        record.DeviceName,
			BrowserInfo: record.BrowserInfo,
			Location:    record.Location,
			State:       record.State(),
			Current:     record.Fingerprint == currentFingerprint,
			LastUsedAt:  record.LastUsedAt,
			CreatedAt:   record.CreatedAt,
		})
	}
	return views, nil
}

func checkUserFingerprint(userID, fingerprint string) error {
	if strings.TrimSpace(userID) == "" {
		return trace.BadParameter("missing parameter userID")
	}
	if strings.TrimSpace(fingerprint) == "" {
		return trace.BadParameter("missing parameter fingerprint")
	}
	return nil
}

func (s *Service) newEvent(eventType, userID, fingerprint, ip string) events.AuditEvent {
	event := events.NewEvent(s.cfg.Clock, eventType)
	event.Actor = userID
	event.Target = fingerprint
	event.IP = ip
	return event
}

func (s *Service) emit(ctx context.Context, event events.AuditEvent) {
	if err := s.cfg.Emitter.EmitAuditEvent(ctx, event); err != nil {
		log.WarnContext(ctx, "Failed to emit audit event",
			"event_type", event.Type,
			"error", err,
		)
	}
}

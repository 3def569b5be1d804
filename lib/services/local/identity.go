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

// Package local implements the storage contracts in process memory. It
// backs tests and single node deployments that do not need durability.
package local

import (
	"context"
	"sort"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/vigil/lib/services"
)

// IdentityConfig configures an IdentityService.
type IdentityConfig struct {
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *IdentityConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// IdentityService keeps users and device records in memory. A single mutex
// spans both so that multi-record operations like DisableFingerprinting are
// atomic with respect to concurrent readers.
type IdentityService struct {
	cfg IdentityConfig

	mu      chan struct{} // acts as a mutex usable with ctx
	users   map[string]services.User
	records map[string]map[string]services.DeviceRecord // userID -> fingerprint -> record
	nextID  uint64
}

// NewIdentityService returns an empty IdentityService.
func NewIdentityService(cfg IdentityConfig) (*IdentityService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &IdentityService{
		cfg:     cfg,
		mu:      make(chan struct{}, 1),
		users:   make(map[string]services.User),
		records: make(map[string]map[string]services.DeviceRecord),
	}
	s.mu <- struct{}{}
	return s, nil
}

func (s *IdentityService) lock(ctx context.Context) error {
	select {
	case <-s.mu:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (s *IdentityService) unlock() {
	s.mu <- struct{}{}
}

// GetUser implements services.Users.
func (s *IdentityService) GetUser(ctx context.Context, id string) (services.User, error) {
	if err := s.lock(ctx); err != nil {
		return services.User{}, trace.Wrap(err)
	}
	defer s.unlock()

	user, ok := s.users[id]
	if !ok {
		return services.User{}, trace.NotFound("user %q is not found", id)
	}
	return user.Clone(), nil
}

// UpsertUser implements services.Users.
func (s *IdentityService) UpsertUser(ctx context.Context, user services.User) (services.User, error) {
	if err := user.CheckAndSetDefaults(); err != nil {
		return services.User{}, trace.Wrap(err)
	}
	if err := s.lock(ctx); err != nil {
		return services.User{}, trace.Wrap(err)
	}
	defer s.unlock()

	s.users[user.ID] = user.Clone()
	return user, nil
}

// SetFingerprinting implements services.Users.
func (s *IdentityService) SetFingerprinting(ctx context.Context, id string, enabled bool) error {
	if err := s.lock(ctx); err != nil {
		return trace.Wrap(err)
	}
	defer s.unlock()

	user, ok := s.users[id]
	if !ok {
		return trace.NotFound("user %q is not found", id)
	}
	user.FingerprintingEnabled = enabled
	s.users[id] = user
	return nil
}

// CreateDeviceRecord implements services.DeviceRecords.
func (s *IdentityService) CreateDeviceRecord(ctx context.Context, record services.DeviceRecord) (services.DeviceRecord, error) {
	if err := record.CheckAndSetDefaults(); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	if err := s.lock(ctx); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	defer s.unlock()

	byFingerprint, ok := s.records[record.UserID]
	if !ok {
		byFingerprint = make(map[string]services.DeviceRecord)
		s.records[record.UserID] = byFingerprint
	}
	if _, exists := byFingerprint[record.Fingerprint]; exists {
		return services.DeviceRecord{}, trace.AlreadyExists("device record %v/%v already exists", record.UserID, record.Fingerprint)
	}

	s.nextID++
	record.ID = s.nextID
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.cfg.Clock.Now().UTC()
	}
	record.UpdateCount = 0
	byFingerprint[record.Fingerprint] = record
	return record, nil
}

// GetDeviceRecord implements services.DeviceRecords.
func (s *IdentityService) GetDeviceRecord(ctx context.Context, userID, fingerprint string) (services.DeviceRecord, error) {
	if err := s.lock(ctx); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	defer s.unlock()

	record, ok := s.records[userID][fingerprint]
	if !ok {
		return services.DeviceRecord{}, trace.NotFound("device record %v/%v is not found", userID, fingerprint)
	}
	return record, nil
}

// UpdateDeviceRecord implements services.DeviceRecords.
func (s *IdentityService) UpdateDeviceRecord(ctx context.Context, record services.DeviceRecord) (services.DeviceRecord, error) {
	if err := record.CheckAndSetDefaults(); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	if err := s.lock(ctx); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	defer s.unlock()

	stored, ok := s.records[record.UserID][record.Fingerprint]
	if !ok {
		return services.DeviceRecord{}, trace.NotFound("device record %v/%v is not found", record.UserID, record.Fingerprint)
	}
	if stored.UpdateCount != record.UpdateCount {
		return services.DeviceRecord{}, trace.CompareFailed("device record %v/%v was concurrently modified", record.UserID, record.Fingerprint)
	}

	record.ID = stored.ID
	record.CreatedAt = stored.CreatedAt
	record.UpdateCount++
	s.records[record.UserID][record.Fingerprint] = record
	return record, nil
}

// ListDeviceRecords implements services.DeviceRecords.
func (s *IdentityService) ListDeviceRecords(ctx context.Context, userID string) ([]services.DeviceRecord, error) {
	if err := s.lock(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	defer s.unlock()

	records := make([]services.DeviceRecord, 0, len(s.records[userID]))
	for _, record := range s.records[userID] {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// CountActiveDevices implements services.DeviceRecords.
func (s *IdentityService) CountActiveDevices(ctx context.Context, userID string) (int, error) {
	if err := s.lock(ctx); err != nil {
		return 0, trace.Wrap(err)
	}
	defer s.unlock()

	var count int
	for _, record := range s.records[userID] {
		if record.Active {
			count++
		}
	}
	return count, nil
}

// DisableFingerprinting implements services.Identity. The flag flip and the
// record deactivations happen under one critical section.
func (s *IdentityService) DisableFingerprinting(ctx context.Context, userID string) error {
	if err := s.lock(ctx); err != nil {
		return trace.Wrap(err)
	}
	defer s.unlock()

	user, ok := s.users[userID]
	if !ok {
		return trace.NotFound("user %q is not found", userID)
	}
	user.FingerprintingEnabled = false
	s.users[userID] = user

	now := s.cfg.Clock.Now().UTC()
	for fingerprint, record := range s.records[userID] {
		if !record.Active {
			continue
		}
		record.Active = false
		record.Trusted = false
		record.DeactivatedAt = now
		record.UpdateCount++
		s.records[userID][fingerprint] = record
	}
	return nil
}

var _ services.Identity = (*IdentityService)(nil)

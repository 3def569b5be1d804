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

package pgstore

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype/zeronull"

	"github.com/gravitational/vigil/lib/services"
)

const deviceColumns = `id, user_id, fingerprint, active, trusted,
	failed_attempts, device_name, browser_info, source, last_known_ip,
	last_known_country, location, last_used_at, deactivated_at, created_at,
	update_count`

func scanDeviceRecord(row pgx.Row) (services.DeviceRecord, error) {
	var r services.DeviceRecord
	var lastUsedAt, deactivatedAt zeronull.Timestamptz
	if err := row.Scan(
		&r.ID, &r.UserID, &r.Fingerprint, &r.Active, &r.Trusted,
		&r.FailedAttempts, &r.DeviceName, &r.BrowserInfo, &r.Source,
		&r.LastKnownIP, &r.LastKnownCountry, &r.Location, &lastUsedAt,
		&deactivatedAt, &r.CreatedAt, &r.UpdateCount,
	); err != nil {
		return services.DeviceRecord{}, trace.Wrap(convertError(err))
	}
	r.LastUsedAt = time.Time(lastUsedAt)
	r.DeactivatedAt = time.Time(deactivatedAt)
	return r, nil
}

// CreateDeviceRecord implements services.DeviceRecords.
func (s *Store) CreateDeviceRecord(ctx context.Context, record services.DeviceRecord) (services.DeviceRecord, error) {
	if err := record.CheckAndSetDefaults(); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.cfg.Clock.Now().UTC()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO device_records (
			user_id, fingerprint, active, trusted, failed_attempts,
			device_name, browser_info, source, last_known_ip,
			last_known_country, location, last_used_at, deactivated_at,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, update_count`,
		record.UserID, record.Fingerprint, record.Active, record.Trusted,
		record.FailedAttempts, record.DeviceName, record.BrowserInfo,
		record.Source, record.LastKnownIP, record.LastKnownCountry,
		record.Location,
		zeronull.Timestamptz(record.LastUsedAt),
		zeronull.Timestamptz(record.DeactivatedAt),
		record.CreatedAt,
	)
	if err := row.Scan(&record.ID, &record.UpdateCount); err != nil {
		err = convertError(err)
		if trace.IsAlreadyExists(err) {
			return services.DeviceRecord{}, trace.AlreadyExists("device record %v/%v already exists", record.UserID, record.Fingerprint)
		}
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	return record, nil
}

// GetDeviceRecord implements services.DeviceRecords.
func (s *Store) GetDeviceRecord(ctx context.Context, userID, fingerprint string) (services.DeviceRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM device_records
		WHERE user_id = $1 AND fingerprint = $2`,
		userID, fingerprint,
	)
	record, err := scanDeviceRecord(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return services.DeviceRecord{}, trace.NotFound("device record %v/%v is not found", userID, fingerprint)
		}
		return services.DeviceRecord{}, trace.Wrap(err)
	}
	return record, nil
}

// UpdateDeviceRecord implements services.DeviceRecords. The update only
// lands when the stored revision still matches the one the caller read.
func (s *Store) UpdateDeviceRecord(ctx context.Context, record services.DeviceRecord) (services.DeviceRecord, error) {
	if err := record.CheckAndSetDefaults(); err != nil {
		return services.DeviceRecord{}, trace.Wrap(err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE device_records SET
			active = $3,
			trusted = $4,
			failed_attempts = $5,
			device_name = $6,
			browser_info = $7,
			source = $8,
			last_known_ip = $9,
			last_known_country = $10,
			location = $11,
			last_used_at = $12,
			deactivated_at = $13,
			update_count = update_count + 1
		WHERE user_id = $1 AND fingerprint = $2 AND update_count = $14
		RETURNING `+deviceColumns,
		record.UserID, record.Fingerprint, record.Active, record.Trusted,
		record.FailedAttempts, record.DeviceName, record.BrowserInfo,
		record.Source, record.LastKnownIP, record.LastKnownCountry,
		record.Location,
		zeronull.Timestamptz(record.LastUsedAt),
		zeronull.Timestamptz(record.DeactivatedAt),
		record.UpdateCount,
	)
	updated, err := scanDeviceRecord(row)
	if err == nil {
		return updated, nil
	}
	if !trace.IsNotFound(err) {
		return services.DeviceRecord{}, trace.Wrap(err)
	}

	// no row matched: either the record is gone or the revision is stale
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM device_records
			WHERE user_id = $1 AND fingerprint = $2
		)`,
		record.UserID, record.Fingerprint,
	).Scan(&exists); err != nil {
		return services.DeviceRecord{}, trace.Wrap(convertError(err))
	}
	if exists {
		return services.DeviceRecord{}, trace.CompareFailed("device record %v/%v was concurrently modified", record.UserID, record.Fingerprint)
	}
	return services.DeviceRecord{}, trace.NotFound("device record %v/%v is not found", record.UserID, record.Fingerprint)
}

// ListDeviceRecords implements services.DeviceRecords.
func (s *Store) ListDeviceRecords(ctx context.Context, userID string) ([]services.DeviceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM device_records
		WHERE user_id = $1
		ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	defer rows.Close()

	var records []services.DeviceRecord
	for rows.Next() {
		record, err := scanDeviceRecord(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(convertError(err))
	}
	return records, nil
}

// CountActiveDevices implements services.DeviceRecords.
func (s *Store) CountActiveDevices(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM device_records
		WHERE user_id = $1 AND active`,
		userID,
	).Scan(&count); err != nil {
		return 0, trace.Wrap(convertError(err))
	}
	return count, nil
}

// DeactivateAllDevices implements services.BatchDeactivator. A single
// statement flips every active record, so concurrent readers never observe
// a partially deactivated set.
func (s *Store) DeactivateAllDevices(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_records SET
			active = FALSE,
			trusted = FALSE,
			deactivated_at = $2,
			update_count = update_count + 1
		WHERE user_id = $1 AND active`,
		userID, s.cfg.Clock.Now().UTC(),
	)
	if err != nil {
		return 0, trace.Wrap(convertError(err))
	}
	return tag.RowsAffected(), nil
}

var (
	_ services.DeviceRecords    = (*Store)(nil)
	_ services.BatchDeactivator = (*Store)(nil)
)

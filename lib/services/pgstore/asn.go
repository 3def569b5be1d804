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

	"github.com/gravitational/vigil/lib/asn"
)

// deleteBatchSize bounds a single sweep statement so that a large backlog
// of stale entries cannot hold row locks for long stretches.
const deleteBatchSize = 1000

// GetEntry implements asn.EntryStore.
func (s *Store) GetEntry(ctx context.Context, ip string) (asn.Entry, error) {
	var entry asn.Entry
	if err := s.pool.QueryRow(ctx, `
		SELECT ip, asn, org, last_modified
		FROM asn_entries
		WHERE ip = $1`,
		ip,
	).Scan(&entry.IP, &entry.ASN, &entry.Org, &entry.LastModified); err != nil {
		err = convertError(err)
		if trace.IsNotFound(err) {
			return asn.Entry{}, trace.NotFound("no ASN entry for %v", ip)
		}
		return asn.Entry{}, trace.Wrap(err)
	}
	return entry, nil
}

// UpsertEntry implements asn.EntryStore.
func (s *Store) UpsertEntry(ctx context.Context, entry asn.Entry) error {
	if entry.IP == "" {
		return trace.BadParameter("missing parameter IP")
	}
	if entry.LastModified.IsZero() {
		entry.LastModified = s.cfg.Clock.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO asn_entries (ip, asn, org, last_modified)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ip) DO UPDATE SET
			asn = EXCLUDED.asn,
			org = EXCLUDED.org,
			last_modified = EXCLUDED.last_modified`,
		entry.IP, entry.ASN, entry.Org, entry.LastModified,
	)
	return trace.Wrap(convertError(err))
}

// DeleteEntriesOlderThan implements asn.EntryStore. Deletion runs in
// batches so a large backlog cannot hold row locks for long.
func (s *Store) DeleteEntriesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM asn_entries
			WHERE ip = ANY(ARRAY(
				SELECT ip FROM asn_entries
				WHERE last_modified < $1
				LIMIT $2
			))`,
			cutoff, deleteBatchSize,
		)
		if err != nil {
			return total, trace.Wrap(convertError(err))
		}
		n := tag.RowsAffected()
		total += n
		if n < deleteBatchSize {
			return total, nil
		}
	}
}

var _ asn.EntryStore = (*Store)(nil)

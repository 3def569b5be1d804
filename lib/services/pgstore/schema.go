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

import "fmt"

// schemaVersion defines the current schema version.
// Increment this value when adding a new migration.
const schemaVersion = 1

// getMigration returns migration SQL for a schema version.
func getMigration(version int) string {
	switch version {
	case 1:
		return migrateV1
		// case 2:
		//   return migrateV2
	}
	panic(fmt.Sprintf("migration version not implemented: %v", version))
}

// migrateV1 is the baseline schema.
//
// device_records keeps one row per (user, fingerprint) pair for the whole
// lifetime of the pair; revocation flips active instead of deleting so the
// row keeps serving audit queries and can be reactivated by a later login.
// update_count implements the optimistic concurrency control described in
// the services package.
const migrateV1 = `
	CREATE TABLE device_records (
		id BIGINT GENERATED ALWAYS AS IDENTITY,
		user_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		trusted BOOLEAN NOT NULL DEFAULT FALSE,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		device_name TEXT NOT NULL DEFAULT '',
		browser_info TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT 'login',
		last_known_ip TEXT NOT NULL DEFAULT '',
		last_known_country TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		last_used_at TIMESTAMPTZ,
		deactivated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		update_count BIGINT NOT NULL DEFAULT 0,
		CONSTRAINT device_records_pk PRIMARY KEY (id),
		CONSTRAINT device_records_user_fingerprint_uk UNIQUE (user_id, fingerprint)
	);
	CREATE INDEX device_records_user_active ON device_records (user_id) WHERE active;
	CREATE INDEX device_records_last_used ON device_records (last_used_at);

	CREATE TABLE asn_entries (
		ip TEXT NOT NULL,
		asn BIGINT NOT NULL,
		org TEXT NOT NULL DEFAULT '',
		last_modified TIMESTAMPTZ NOT NULL,
		CONSTRAINT asn_entries_pk PRIMARY KEY (ip)
	);
	CREATE INDEX asn_entries_last_modified ON asn_entries (last_modified);
`

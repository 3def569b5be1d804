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

// Package pgstore implements the device record and ASN entry stores on
// postgres. The schema is versioned and migrated on startup; user accounts
// are not stored here, they belong to the embedding application.
package pgstore

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/vigil"
	logutils "github.com/gravitational/vigil/lib/utils/log"
)

var log = logutils.NewPackageLogger(vigil.ComponentKey, vigil.ComponentStore)

// Config configures a Store.
type Config struct {
	// ConnString is a postgres connection string, either a URL or a DSN.
	// Required.
	ConnString string
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing parameter ConnString")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store gives access to device records and ASN entries persisted in
// postgres.
type Store struct {
	cfg  Config
	pool *pgxpool.Pool
}

// New connects to postgres, applies pending schema migrations and returns
// the store. Close releases the pool.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.BadParameter("invalid connection string: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to postgres")
	}

	s := &Store{cfg: cfg, pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// migrate brings the schema up to schemaVersion, applying each pending
// migration in its own transaction.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT schema_version_pk PRIMARY KEY (version)
		)`,
	)
	if err != nil {
		return trace.Wrap(convertError(err))
	}

	var current int
	if err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version",
	).Scan(&current); err != nil {
		return trace.Wrap(convertError(err))
	}
	if current > schemaVersion {
		return trace.BadParameter("database schema version %v is newer than this build supports (%v)", current, schemaVersion)
	}

	for version := current + 1; version <= schemaVersion; version++ {
		if err := s.applyMigration(ctx, version); err != nil {
			return trace.Wrap(err)
		}
		log.InfoContext(ctx, "Applied schema migration", "version", version)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, getMigration(version)); err != nil {
		return trace.Wrap(convertError(err))
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_version (version) VALUES ($1)", version,
	); err != nil {
		return trace.Wrap(convertError(err))
	}
	return trace.Wrap(convertError(tx.Commit(ctx)))
}

// convertError maps driver errors to trace errors.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return trace.NotFound("%s", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return trace.AlreadyExists("%s", pgErr.Detail)
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return trace.CompareFailed("%s", pgErr.Message)
		}
	}
	return trace.ConnectionProblem(err, "postgres request failed")
}

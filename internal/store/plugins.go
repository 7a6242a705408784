// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/tripvault/tripvault/internal/plugin"
)

// db is the subset of pgxpool.Pool the store uses, also satisfied by
// pgxmock in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PluginStore persists extension records in PostgreSQL.
type PluginStore struct {
	db db
}

// Compile-time interface check.
var _ plugin.RecordStore = (*PluginStore)(nil)

// NewPluginStore creates a record store over the given pool.
func NewPluginStore(db db) *PluginStore {
	return &PluginStore{db: db}
}

const recordColumns = `plugin_id, version, is_enabled, encrypted_settings,
	migration_version, permissions_granted, created_at, updated_at`

// Create inserts a new extension record. Inserting an id that already
// exists yields a conflict error.
func (s *PluginStore) Create(ctx context.Context, rec *plugin.Record) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO plugin_records
		   (plugin_id, version, is_enabled, encrypted_settings,
		    migration_version, permissions_granted)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		rec.PluginID, rec.Version, rec.IsEnabled, rec.EncryptedSettings,
		int64(rec.MigrationVersion), rec.PermissionsGranted,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code(plugin.CodeConflict).
				With("plugin", rec.PluginID).
				Hint("an extension with this id is already installed").
				Wrap(err)
		}
		return oops.In("store").With("plugin", rec.PluginID).Wrap(err)
	}
	return nil
}

// Get returns one extension record.
func (s *PluginStore) Get(ctx context.Context, pluginID string) (*plugin.Record, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM plugin_records WHERE plugin_id = $1`,
		pluginID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code(plugin.CodeNotInstalled).
			With("plugin", pluginID).
			New("extension is not installed")
	}
	if err != nil {
		return nil, oops.In("store").With("plugin", pluginID).Wrap(err)
	}
	return rec, nil
}

// List returns all extension records ordered by id.
func (s *PluginStore) List(ctx context.Context) ([]*plugin.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+recordColumns+` FROM plugin_records ORDER BY plugin_id`)
	if err != nil {
		return nil, oops.In("store").Wrap(err)
	}
	defer rows.Close()

	var records []*plugin.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, oops.In("store").Wrap(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").Wrap(err)
	}
	return records, nil
}

// SetEnabled flips the enabled flag.
func (s *PluginStore) SetEnabled(ctx context.Context, pluginID string, enabled bool) error {
	return s.update(ctx, pluginID,
		`UPDATE plugin_records SET is_enabled = $2, updated_at = now()
		 WHERE plugin_id = $1`, enabled)
}

// UpdateSettings replaces the sealed settings blob.
func (s *PluginStore) UpdateSettings(ctx context.Context, pluginID string, encrypted []byte) error {
	return s.update(ctx, pluginID,
		`UPDATE plugin_records SET encrypted_settings = $2, updated_at = now()
		 WHERE plugin_id = $1`, encrypted)
}

// SetMigrationVersion mirrors the extension's applied schema revision.
func (s *PluginStore) SetMigrationVersion(ctx context.Context, pluginID string, version uint) error {
	return s.update(ctx, pluginID,
		`UPDATE plugin_records SET migration_version = $2, updated_at = now()
		 WHERE plugin_id = $1`, int64(version))
}

// Delete removes an extension record.
func (s *PluginStore) Delete(ctx context.Context, pluginID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM plugin_records WHERE plugin_id = $1`, pluginID)
	if err != nil {
		return oops.In("store").With("plugin", pluginID).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code(plugin.CodeNotInstalled).
			With("plugin", pluginID).
			New("extension is not installed")
	}
	return nil
}

func (s *PluginStore) update(ctx context.Context, pluginID, sql string, arg any) error {
	tag, err := s.db.Exec(ctx, sql, pluginID, arg)
	if err != nil {
		return oops.In("store").With("plugin", pluginID).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code(plugin.CodeNotInstalled).
			With("plugin", pluginID).
			New("extension is not installed")
	}
	return nil
}

func scanRecord(row pgx.Row) (*plugin.Record, error) {
	var rec plugin.Record
	var migrationVersion int64
	err := row.Scan(
		&rec.PluginID, &rec.Version, &rec.IsEnabled, &rec.EncryptedSettings,
		&migrationVersion, &rec.PermissionsGranted, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.MigrationVersion = uint(migrationVersion)
	return &rec, nil
}

// History returns the applied-migration audit trail for one extension,
// oldest first.
func (s *PluginStore) History(ctx context.Context, pluginID string) ([]*plugin.MigrationHistoryEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT plugin_id, revision, applied_at
		 FROM plugin_migration_history
		 WHERE plugin_id = $1
		 ORDER BY revision`, pluginID)
	if err != nil {
		return nil, oops.In("store").With("plugin", pluginID).Wrap(err)
	}
	defer rows.Close()

	var entries []*plugin.MigrationHistoryEntry
	for rows.Next() {
		var e plugin.MigrationHistoryEntry
		var revision int64
		if err := rows.Scan(&e.PluginID, &revision, &e.AppliedAt); err != nil {
			return nil, oops.In("store").With("plugin", pluginID).Wrap(err)
		}
		e.Revision = uint(revision)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("store").With("plugin", pluginID).Wrap(err)
	}
	return entries, nil
}

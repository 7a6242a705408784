// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package migrate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionTableName(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"analytics", "schema_version_analytics"},
		{"time-tracking", "schema_version_time_tracking"},
		{"Data-Export", "schema_version_data_export"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VersionTableName(tt.id))
	}
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		url   string
		table string
		want  string
	}{
		{
			"postgres://localhost/tripvault",
			"schema_version_notes",
			"pgx5://localhost/tripvault?x-migrations-table=schema_version_notes",
		},
		{
			"postgresql://localhost/tripvault?sslmode=disable",
			"schema_version_notes",
			"pgx5://localhost/tripvault?sslmode=disable&x-migrations-table=schema_version_notes",
		},
		{
			"pgx5://localhost/tripvault",
			"schema_version_notes",
			"pgx5://localhost/tripvault?x-migrations-table=schema_version_notes",
		},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, migrateURL(tt.url, tt.table))
	}
}

// fakeMigrate simulates golang-migrate's version bookkeeping. Version 0 is
// reported as ErrNilVersion, matching the real library.
type fakeMigrate struct {
	version uint
	target  uint
	upErr   error
	downErr error
}

func (f *fakeMigrate) Up() error {
	if f.upErr != nil {
		return f.upErr
	}
	f.version = f.target
	return nil
}

func (f *fakeMigrate) Down() error {
	if f.downErr != nil {
		return f.downErr
	}
	f.version = 0
	return nil
}

func (f *fakeMigrate) Version() (uint, bool, error) {
	if f.version == 0 {
		return 0, false, migrate.ErrNilVersion
	}
	return f.version, false, nil
}

func (f *fakeMigrate) Close() (error, error) { return nil, nil }

func migrationsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	sub := filepath.Join(dir, "migrations")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), []byte("SELECT 1;"), 0o644))
	}
	return dir
}

func newTestRunner(t *testing.T, pluginDir string, m migrateIface) (*Runner, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return &Runner{
		pluginID:      "notes",
		tablePrefix:   "notes_",
		versionTable:  VersionTableName("notes"),
		migrationsDir: filepath.Join(pluginDir, "migrations"),
		pool:          mock,
		m:             m,
	}, mock
}

func TestNewRunner_NoMigrationsDir(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r, err := NewRunner("postgres://localhost/t", mock, "notes", "notes_", t.TempDir())
	require.NoError(t, err)

	assert.False(t, r.HasMigrations())
	assert.NoError(t, r.Run(context.Background()))

	version, dirty, err := r.CurrentRevision()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	pending, err := r.PendingMigrations()
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.NoError(t, r.Close())
}

func TestAvailableVersions(t *testing.T) {
	dir := migrationsDir(t,
		"0002_tags.up.sql",
		"0002_tags.down.sql",
		"0001_entries.up.sql",
		"0001_entries.down.sql",
		"notes.lua",
		"bad_name.up.sql",
	)
	r, _ := newTestRunner(t, dir, nil)

	versions, err := r.availableVersions()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, versions)
}

func TestRunner_RunRecordsHistory(t *testing.T) {
	dir := migrationsDir(t,
		"0001_entries.up.sql", "0001_entries.down.sql",
		"0002_tags.up.sql", "0002_tags.down.sql",
	)
	r, mock := newTestRunner(t, dir, &fakeMigrate{target: 2})

	mock.ExpectExec("INSERT INTO plugin_migration_history").
		WithArgs("notes", int64(1), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO plugin_migration_history").
		WithArgs("notes", int64(2), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Run(context.Background()))

	version, _, err := r.CurrentRevision()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}

func TestRunner_RunOnlyRecordsNewSteps(t *testing.T) {
	dir := migrationsDir(t,
		"0001_entries.up.sql", "0001_entries.down.sql",
		"0002_tags.up.sql", "0002_tags.down.sql",
	)
	r, mock := newTestRunner(t, dir, &fakeMigrate{version: 1, target: 2})

	mock.ExpectExec("INSERT INTO plugin_migration_history").
		WithArgs("notes", int64(2), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Run(context.Background()))
}

func TestRunner_RunNoChange(t *testing.T) {
	dir := migrationsDir(t, "0001_entries.up.sql", "0001_entries.down.sql")
	r, _ := newTestRunner(t, dir, &fakeMigrate{version: 1, target: 1})

	// No version movement, no history writes expected.
	require.NoError(t, r.Run(context.Background()))
}

func TestRunner_RunFailure(t *testing.T) {
	dir := migrationsDir(t, "0001_entries.up.sql")
	r, _ := newTestRunner(t, dir, &fakeMigrate{target: 1, upErr: errors.New("syntax error at line 3")})

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestRunner_PendingMigrations(t *testing.T) {
	dir := migrationsDir(t,
		"0001_entries.up.sql",
		"0002_tags.up.sql",
		"0003_links.up.sql",
	)
	r, _ := newTestRunner(t, dir, &fakeMigrate{version: 1})

	pending, err := r.PendingMigrations()
	require.NoError(t, err)
	assert.Equal(t, []uint{2, 3}, pending)
}

func TestRunner_DowngradeAllClean(t *testing.T) {
	dir := migrationsDir(t, "0001_entries.up.sql", "0001_entries.down.sql")
	r, mock := newTestRunner(t, dir, &fakeMigrate{version: 1})

	mock.ExpectExec(`DROP TABLE IF EXISTS "schema_version_notes"`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec("DELETE FROM plugin_migration_history").
		WithArgs("notes").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, r.DowngradeAll(context.Background()))
}

func TestRunner_DowngradeAllForceDrops(t *testing.T) {
	// When clean reversal fails, every table matching the extension's
	// prefix is dropped instead.
	dir := migrationsDir(t, "0001_entries.up.sql")
	r, mock := newTestRunner(t, dir, &fakeMigrate{version: 1, downErr: errors.New("no down migration")})

	mock.ExpectQuery("SELECT tablename FROM pg_tables").
		WithArgs(`notes\_%`).
		WillReturnRows(pgxmock.NewRows([]string{"tablename"}).
			AddRow("notes_entries").
			AddRow("notes_tags"))
	mock.ExpectExec(`DROP TABLE IF EXISTS "notes_entries" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS "notes_tags" CASCADE`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS "schema_version_notes"`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec("DELETE FROM plugin_migration_history").
		WithArgs("notes").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, r.DowngradeAll(context.Background()))
}

func TestRunner_DowngradeAllWithoutMigrations(t *testing.T) {
	r, mock := newTestRunner(t, t.TempDir(), nil)

	mock.ExpectExec(`DROP TABLE IF EXISTS "schema_version_notes"`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec("DELETE FROM plugin_migration_history").
		WithArgs("notes").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, r.DowngradeAll(context.Background()))
}

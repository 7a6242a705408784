// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

//go:build integration

package migrate_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripvault/tripvault/internal/plugin/migrate"
	"github.com/tripvault/tripvault/internal/store"
)

func startPostgres(t *testing.T) (string, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("tripvault_test"),
		postgres.WithUsername("tripvault"),
		postgres.WithPassword("tripvault"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	// Host schema first: extension history rows reference its tables.
	migrator, err := store.NewMigrator(databaseURL)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	return databaseURL, pool
}

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	sub := filepath.Join(dir, "migrations")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for name, sql := range files {
		require.NoError(t, os.WriteFile(filepath.Join(sub, name), []byte(sql), 0o644))
	}
	return dir
}

func tableExists(t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_tables
		 WHERE schemaname = current_schema() AND tablename = $1)`, name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestRunner_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	databaseURL, pool := startPostgres(t)
	ctx := context.Background()

	pluginDir := writeMigrations(t, map[string]string{
		"0001_entries.up.sql":   `CREATE TABLE notes_entries (id BIGINT PRIMARY KEY, body TEXT NOT NULL);`,
		"0001_entries.down.sql": `DROP TABLE notes_entries;`,
		"0002_tags.up.sql":      `CREATE TABLE notes_tags (entry_id BIGINT NOT NULL, tag TEXT NOT NULL);`,
		"0002_tags.down.sql":    `DROP TABLE notes_tags;`,
	})

	runner, err := migrate.NewRunner(databaseURL, pool, "notes", "notes_", pluginDir)
	require.NoError(t, err)
	defer runner.Close()
	require.True(t, runner.HasMigrations())

	pending, err := runner.PendingMigrations()
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 2}, pending)

	require.NoError(t, runner.Run(ctx))
	assert.True(t, tableExists(t, pool, "notes_entries"))
	assert.True(t, tableExists(t, pool, "notes_tags"))
	assert.True(t, tableExists(t, pool, migrate.VersionTableName("notes")))

	version, dirty, err := runner.CurrentRevision()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Each applied step leaves an audit row.
	entries, err := store.NewPluginStore(pool).History(ctx, "notes")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint(1), entries[0].Revision)
	assert.Equal(t, uint(2), entries[1].Revision)

	// A second run is a no-op and appends no history.
	require.NoError(t, runner.Run(ctx))
	entries, err = store.NewPluginStore(pool).History(ctx, "notes")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, runner.DowngradeAll(ctx))
	assert.False(t, tableExists(t, pool, "notes_entries"))
	assert.False(t, tableExists(t, pool, "notes_tags"))
	assert.False(t, tableExists(t, pool, migrate.VersionTableName("notes")))

	entries, err = store.NewPluginStore(pool).History(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunner_ForceDropFallback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	databaseURL, pool := startPostgres(t)
	ctx := context.Background()

	// No down scripts: reversal is unsupported, so DowngradeAll must fall
	// back to dropping prefix-matched tables.
	pluginDir := writeMigrations(t, map[string]string{
		"0001_entries.up.sql": `CREATE TABLE notes_entries (id BIGINT PRIMARY KEY);`,
	})

	runner, err := migrate.NewRunner(databaseURL, pool, "notes", "notes_", pluginDir)
	require.NoError(t, err)
	defer runner.Close()

	require.NoError(t, runner.Run(ctx))
	require.True(t, tableExists(t, pool, "notes_entries"))

	require.NoError(t, runner.DowngradeAll(ctx))
	assert.False(t, tableExists(t, pool, "notes_entries"))
	assert.False(t, tableExists(t, pool, migrate.VersionTableName("notes")))
}

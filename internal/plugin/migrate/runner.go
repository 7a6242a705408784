// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package migrate applies and reverses one extension's schema migrations
// against a version record isolated from the host's and from every other
// extension's.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	// Register pgx/v5 database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

const codeMigration = "MIGRATION_FAILED"

// migrateIface abstracts golang-migrate for testing. The real library
// requires a database connection, making unit tests slow and brittle.
type migrateIface interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
	Close() (source error, database error)
}

// db is the subset of pgxpool.Pool the runner needs. pgxmock satisfies it.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Runner manages one extension's migrations. The applied-revision state
// lives in a per-extension version table named schema_version_<id>,
// distinct from the host schema's own version record.
type Runner struct {
	pluginID      string
	tablePrefix   string
	versionTable  string
	migrationsDir string
	pool          db
	m             migrateIface
}

// NewRunner creates a runner for the extension rooted at pluginDir. The
// tablePrefix names the tables force-drop may remove; derive it from the
// manifest. An extension without a migrations directory yields a runner
// whose HasMigrations reports false.
func NewRunner(databaseURL string, pool db, pluginID, tablePrefix, pluginDir string) (*Runner, error) {
	r := &Runner{
		pluginID:      pluginID,
		tablePrefix:   tablePrefix,
		versionTable:  VersionTableName(pluginID),
		migrationsDir: filepath.Join(pluginDir, "migrations"),
		pool:          pool,
	}

	info, err := os.Stat(r.migrationsDir)
	if err != nil || !info.IsDir() {
		return r, nil
	}

	source, err := iofs.New(os.DirFS(r.migrationsDir), ".")
	if err != nil {
		return nil, oops.Code(codeMigration).
			With("plugin", pluginID).
			With("operation", "create migration source").
			Wrap(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL, r.versionTable))
	if err != nil {
		_ = source.Close()
		return nil, oops.Code(codeMigration).
			With("plugin", pluginID).
			With("operation", "initialize migrator").
			Wrap(err)
	}

	r.m = m
	return r, nil
}

// VersionTableName returns the per-extension version table name.
func VersionTableName(pluginID string) string {
	return "schema_version_" + strings.ToLower(strings.ReplaceAll(pluginID, "-", "_"))
}

// migrateURL converts postgres:// or postgresql:// to pgx5:// for the
// golang-migrate pgx/v5 driver and scopes the version table to this
// extension.
func migrateURL(databaseURL, versionTable string) string {
	url := databaseURL
	if rest, found := strings.CutPrefix(databaseURL, "postgres://"); found {
		url = "pgx5://" + rest
	} else if rest, found := strings.CutPrefix(databaseURL, "postgresql://"); found {
		url = "pgx5://" + rest
	}

	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "x-migrations-table=" + versionTable
}

// HasMigrations reports whether the extension ships migration scripts.
func (r *Runner) HasMigrations() bool {
	return r.m != nil
}

// Run advances the extension's schema from its current revision to the
// latest, appending one history row per applied step. No-op if already
// current.
func (r *Runner) Run(ctx context.Context) error {
	if r.m == nil {
		return nil
	}

	before, _, err := r.version()
	if err != nil {
		return err
	}

	if err := r.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return oops.Code(codeMigration).
			With("plugin", r.pluginID).
			With("operation", "up").
			Wrap(err)
	}

	after, _, err := r.version()
	if err != nil {
		return err
	}
	if after == before {
		return nil
	}

	versions, err := r.availableVersions()
	if err != nil {
		return err
	}
	appliedAt := time.Now().UTC()
	for _, v := range versions {
		if v <= before || v > after {
			continue
		}
		_, err := r.pool.Exec(ctx,
			`INSERT INTO plugin_migration_history (plugin_id, revision, applied_at)
			 VALUES ($1, $2, $3)`,
			r.pluginID, int64(v), appliedAt)
		if err != nil {
			return oops.Code(codeMigration).
				With("plugin", r.pluginID).
				With("operation", "record history").
				With("revision", v).
				Wrap(err)
		}
	}

	slog.Info("applied extension migrations",
		"plugin", r.pluginID,
		"from", before,
		"to", after)
	return nil
}

// DowngradeAll removes the extension's schema footprint. It first attempts
// a clean, ordered reversal of every applied migration; if reversal is
// unsupported or fails, it falls back to force-dropping every table whose
// name matches the extension's table prefix. Either way, the version
// record is dropped and the history rows are purged afterwards.
func (r *Runner) DowngradeAll(ctx context.Context) error {
	if r.m != nil {
		if err := r.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			slog.Warn("clean migration reversal failed, force-dropping prefixed tables",
				"plugin", r.pluginID,
				"table_prefix", r.tablePrefix,
				"error", err)
			if dropErr := r.forceDropTables(ctx); dropErr != nil {
				return dropErr
			}
		}
	}

	if err := r.dropVersionTable(ctx); err != nil {
		return err
	}
	return r.purgeHistory(ctx)
}

// forceDropTables drops every table matching the extension's prefix.
// CASCADE tolerates foreign-key ordering. This is the degraded path.
func (r *Runner) forceDropTables(ctx context.Context) error {
	pattern := escapeLike(r.tablePrefix) + "%"
	rows, err := r.pool.Query(ctx,
		`SELECT tablename FROM pg_tables
		 WHERE schemaname = current_schema() AND tablename LIKE $1 ESCAPE '\'`,
		pattern)
	if err != nil {
		return oops.Code(codeMigration).
			With("plugin", r.pluginID).
			With("operation", "list prefixed tables").
			Wrap(err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return oops.Code(codeMigration).
				With("plugin", r.pluginID).
				With("operation", "scan table name").
				Wrap(err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return oops.Code(codeMigration).
			With("plugin", r.pluginID).
			With("operation", "list prefixed tables").
			Wrap(err)
	}

	for _, table := range tables {
		//nolint:gosec // identifier is quoted and comes from pg_tables, not user input
		stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, quoteIdent(table))
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return oops.Code(codeMigration).
				With("plugin", r.pluginID).
				With("table", table).
				With("operation", "force drop").
				Wrap(err)
		}
		slog.Warn("force-dropped extension table",
			"plugin", r.pluginID,
			"table", table)
	}
	return nil
}

func (r *Runner) dropVersionTable(ctx context.Context) error {
	//nolint:gosec // version table name is derived from a validated plugin id
	stmt := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(r.versionTable))
	if _, err := r.pool.Exec(ctx, stmt); err != nil {
		return oops.Code(codeMigration).
			With("plugin", r.pluginID).
			With("operation", "drop version table").
			Wrap(err)
	}
	return nil
}

func (r *Runner) purgeHistory(ctx context.Context) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM plugin_migration_history WHERE plugin_id = $1`,
		r.pluginID)
	if err != nil {
		return oops.Code(codeMigration).
			With("plugin", r.pluginID).
			With("operation", "purge history").
			Wrap(err)
	}
	return nil
}

// PendingMigrations returns the versions Run would apply, ascending.
func (r *Runner) PendingMigrations() ([]uint, error) {
	if r.m == nil {
		return nil, nil
	}

	current, _, err := r.version()
	if err != nil {
		return nil, err
	}
	all, err := r.availableVersions()
	if err != nil {
		return nil, err
	}

	var pending []uint
	for _, v := range all {
		if v > current {
			pending = append(pending, v)
		}
	}
	return pending, nil
}

// CurrentRevision returns the applied revision and dirty state. Revision 0
// with dirty=false means no migrations have been applied.
func (r *Runner) CurrentRevision() (uint, bool, error) {
	if r.m == nil {
		return 0, false, nil
	}
	return r.version()
}

func (r *Runner) version() (uint, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, oops.Code(codeMigration).
			With("plugin", r.pluginID).
			With("operation", "version").
			Wrap(err)
	}
	return version, dirty, nil
}

// Close releases migrator resources.
func (r *Runner) Close() error {
	if r.m == nil {
		return nil
	}
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		return oops.Code(codeMigration).With("component", "source").Wrap(srcErr)
	}
	if dbErr != nil {
		return oops.Code(codeMigration).With("component", "database").Wrap(dbErr)
	}
	return nil
}

// availableVersions reads the migrations directory and parses version
// numbers from NNNN_name.up.sql filenames. Malformed filenames are logged
// and skipped rather than failing the run.
func (r *Runner) availableVersions() ([]uint, error) {
	entries, err := os.ReadDir(r.migrationsDir)
	if err != nil {
		return nil, oops.Code(codeMigration).
			With("plugin", r.pluginID).
			With("operation", "read migrations dir").
			Wrap(err)
	}

	versionSet := make(map[uint]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		var version uint
		if _, err := fmt.Sscanf(name, "%d", &version); err != nil {
			slog.Warn("migration file name doesn't match expected format, skipping",
				"plugin", r.pluginID,
				"filename", name,
				"expected_format", "NNNN_name.up.sql")
			continue
		}
		versionSet[version] = struct{}{}
	}

	versions := make([]uint, 0, len(versionSet))
	for v := range versionSet {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// escapeLike escapes LIKE wildcards in a literal prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return s
}

// quoteIdent double-quotes a SQL identifier.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

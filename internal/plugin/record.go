// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package plugin

import (
	"context"
	"time"
)

// Record is the persisted state of an installed extension. Created on
// install, mutated on settings update and enable/disable, deleted on
// uninstall. Disk presence alone is not authorization to load: only
// extensions with a Record are loaded at startup.
type Record struct {
	PluginID          string
	Version           string
	IsEnabled         bool
	EncryptedSettings []byte
	// MigrationVersion mirrors the extension's schema_version_<id>
	// record for cheap inspection without touching the versioned tables.
	MigrationVersion   uint
	PermissionsGranted []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MigrationHistoryEntry is one applied migration step, append-only except
// on full uninstall, when an extension's entries are bulk-deleted.
type MigrationHistoryEntry struct {
	PluginID  string
	Revision  uint
	AppliedAt time.Time
}

// RecordStore persists extension records. The PostgreSQL implementation
// lives in internal/store.
type RecordStore interface {
	// Create inserts a new record. A duplicate plugin id yields a
	// conflict error (IsConflict).
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, pluginID string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	SetEnabled(ctx context.Context, pluginID string, enabled bool) error
	UpdateSettings(ctx context.Context, pluginID string, encrypted []byte) error
	SetMigrationVersion(ctx context.Context, pluginID string, version uint) error
	Delete(ctx context.Context, pluginID string) error
}

// PermissionCatalog is the host RBAC surface the registry consumes. The
// runtime only registers and unregisters gates, keyed code -> description;
// evaluation is the host's concern.
type PermissionCatalog interface {
	RegisterProvidedPermissions(pluginID string, perms map[string]string) error
	UnregisterProvidedPermissions(pluginID string) error
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package plugin

import (
	"context"
	"net/http"
	"sync"

	"github.com/tripvault/tripvault/internal/plugin/eventbus"
)

// Host manages a specific extension runtime type (lua, native).
type Host interface {
	// Runtime names the runtime this host provides.
	Runtime() string

	// Load instantiates an extension from its manifest and directory.
	// The returned instance owns no mounts or subscriptions yet; the
	// registry wires those.
	Load(ctx context.Context, manifest *Manifest, dir string, cfg *Config) (Instance, error)

	// Close shuts down the host and all instances it created.
	Close(ctx context.Context) error
}

// Instance is a loaded extension. At most one instance exists per plugin
// id at any time; the registry tears down the prior one before loading a
// replacement.
type Instance interface {
	// Lifecycle hooks. The registry invokes OnInstall after the
	// extension is routable and subscribed, so the hook may use the
	// extension's own routes and events.
	OnInstall(ctx context.Context) error
	OnUninstall(ctx context.Context) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error

	// Routes returns the extension's HTTP handler, or nil if it mounts
	// none. The handler sees paths relative to its mount point.
	Routes() http.Handler

	// Subscriptions lists the events the instance wants delivered to
	// HandleEvent.
	Subscriptions() []EventSubscription

	// HandleEvent processes one delivered event.
	HandleEvent(ctx context.Context, event eventbus.Event) error

	// Close releases instance resources. It does not run lifecycle hooks.
	Close(ctx context.Context) error
}

// EventSubscription declares interest in one event type. Blocking
// subscriptions are delivered in the synchronous group and must not
// perform long-running I/O.
type EventSubscription struct {
	EventType string
	Blocking  bool
}

// Config is an extension's mutable runtime settings. The registry replaces
// the values on a settings update; instances read through the same Config,
// so updates take effect without a reload.
type Config struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewConfig creates a Config with the given initial settings.
func NewConfig(values map[string]any) *Config {
	if values == nil {
		values = make(map[string]any)
	}
	return &Config{values: values}
}

// Get returns one setting.
func (c *Config) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Snapshot returns a copy of all settings.
func (c *Config) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Replace swaps in a new settings map.
func (c *Config) Replace(values map[string]any) {
	if values == nil {
		values = make(map[string]any)
	}
	c.mu.Lock()
	c.values = values
	c.mu.Unlock()
}

// MigrationRunner manages one extension's schema migrations against its
// isolated version record. Implemented by internal/plugin/migrate.
type MigrationRunner interface {
	// HasMigrations reports whether the extension ships migration scripts.
	HasMigrations() bool
	// Run advances the schema to the latest revision, appending history
	// entries. No-op when already current.
	Run(ctx context.Context) error
	// DowngradeAll reverses every applied migration, falling back to
	// force-dropping prefix-matched tables when reversal is unsupported.
	// Afterwards the version record and history entries are gone.
	DowngradeAll(ctx context.Context) error
	PendingMigrations() ([]uint, error)
	// CurrentRevision returns the applied revision and a dirty flag.
	CurrentRevision() (uint, bool, error)
	Close() error
}

// MigrationRunnerFactory builds a runner for one extension. dir is the
// extension's root directory.
type MigrationRunnerFactory func(manifest *Manifest, dir string) (MigrationRunner, error)

// RouteTable is the runtime-mutable mount table the registry attaches
// extension routes to. Implemented by internal/plugin/router.
type RouteTable interface {
	// AddPluginRouter mounts handler under /<pluginID>; re-adding an id
	// replaces the prior mount.
	AddPluginRouter(pluginID string, handler http.Handler)
	RemovePluginRouter(pluginID string)
}

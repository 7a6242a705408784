// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package plugin

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/tripvault/tripvault/internal/plugin/eventbus"
	"github.com/tripvault/tripvault/internal/plugin/permission"
)

// Host-published lifecycle events.
const (
	EventPluginInstalled   = "plugin.installed"
	EventPluginUninstalled = "plugin.uninstalled"
	EventPluginEnabled     = "plugin.enabled"
	EventPluginDisabled    = "plugin.disabled"
)

// SettingsCipher seals extension settings for storage and opens them for
// use. Implemented by internal/store.
type SettingsCipher interface {
	Seal(settings map[string]any) ([]byte, error)
	Open(encrypted []byte) (map[string]any, error)
}

// RegistryOptions carries the registry's collaborators.
type RegistryOptions struct {
	Loader      *Loader
	Store       RecordStore
	Catalog     PermissionCatalog
	Bus         *eventbus.Bus
	Routes      RouteTable
	Hosts       []Host
	Migrations  MigrationRunnerFactory
	Deps        *DepInstaller
	Cipher      SettingsCipher
	HostVersion string
}

// Registry orchestrates the extension lifecycle: install, enable, disable,
// uninstall, and startup loading. It is the only writer of the loaded set;
// hosts, the event bus, and the route table are driven through it.
type Registry struct {
	mu     sync.RWMutex
	loaded map[string]*loadedExtension

	loader      *Loader
	store       RecordStore
	catalog     PermissionCatalog
	bus         *eventbus.Bus
	routes      RouteTable
	hosts       map[string]Host
	migrations  MigrationRunnerFactory
	deps        *DepInstaller
	cipher      SettingsCipher
	hostVersion string
}

// loadedExtension is one active instance plus the wiring the registry owns
// on its behalf.
type loadedExtension struct {
	manifest *Manifest
	instance Instance
	cfg      *Config
	mounted  bool
}

// NewRegistry creates a registry.
func NewRegistry(opts RegistryOptions) *Registry {
	hosts := make(map[string]Host, len(opts.Hosts))
	for _, h := range opts.Hosts {
		hosts[h.Runtime()] = h
	}
	return &Registry{
		loaded:      make(map[string]*loadedExtension),
		loader:      opts.Loader,
		store:       opts.Store,
		catalog:     opts.Catalog,
		bus:         opts.Bus,
		routes:      opts.Routes,
		hosts:       hosts,
		migrations:  opts.Migrations,
		deps:        opts.Deps,
		cipher:      opts.Cipher,
		hostVersion: opts.HostVersion,
	}
}

// LoadAll loads every installed, enabled extension at startup. Presence on
// disk alone is not enough: only extensions with a persisted record load,
// and only enabled ones are activated. A broken extension is logged and
// skipped so the rest still come up.
func (r *Registry) LoadAll(ctx context.Context) error {
	records, err := r.store.List(ctx)
	if err != nil {
		return oops.In("registry").Hint("failed to list installed extensions").Wrap(err)
	}

	var activated int
	for _, rec := range records {
		manifest, err := LoadManifestFromDir(r.loader.PluginDir(rec.PluginID))
		if err != nil || manifest == nil {
			slog.Warn("installed extension has no readable manifest on disk",
				"plugin", rec.PluginID, "error", err)
			continue
		}
		r.registerProvided(manifest)

		if !rec.IsEnabled {
			continue
		}
		if err := r.activate(ctx, manifest, rec); err != nil {
			slog.Error("failed to load extension",
				"plugin", rec.PluginID, "error", err)
			continue
		}
		if err := r.hook(ctx, rec.PluginID, Instance.OnEnable); err != nil {
			slog.Warn("extension enable hook failed at startup",
				"plugin", rec.PluginID, "error", err)
		}
		activated++
	}

	slog.Info("extensions loaded",
		"installed", len(records), "active", activated)
	return nil
}

// Install installs the extension whose files already sit in the extensions
// directory under pluginID. granted is the set of permission codes the
// administrator approved; every required permission must be covered.
// Steps run in order: compatibility check, extension dependency check,
// permission check, runtime dependency install, schema migration,
// permission registration, record persist, activation, install hook. On a
// late failure the earlier steps are rolled back.
func (r *Registry) Install(ctx context.Context, pluginID string, granted []string) (*Record, error) {
	dir := r.loader.PluginDir(pluginID)
	manifest, err := LoadManifestFromDir(dir)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, oops.Code(CodeLoad).
			With("plugin", pluginID).
			Hint("extension files must be placed before install").
			New("no manifest found")
	}
	if manifest.ID != pluginID {
		return nil, oops.Code(CodeValidation).
			With("plugin", pluginID).
			With("manifest_id", manifest.ID).
			New("manifest id does not match install target")
	}

	if ok, reason := manifest.CompatibleWith(r.hostVersion); !ok {
		slog.Warn("extension declares incompatible host version, installing anyway",
			"plugin", pluginID, "reason", reason)
	}

	for _, dep := range manifest.Dependencies {
		if _, err := r.store.Get(ctx, dep); err != nil {
			return nil, oops.Code(CodeValidation).
				With("plugin", pluginID).
				With("dependency", dep).
				Hint("install the dependency first").
				Wrap(err)
		}
	}

	if ok, missing := permission.CheckSubset(manifest.RequiredPermissions, granted); !ok {
		return nil, oops.Code(CodeValidation).
			With("plugin", pluginID).
			With("missing", missing).
			Hint("grant the missing permissions and retry").
			New("required permissions not granted")
	}

	if len(manifest.RuntimeDependencies) > 0 && r.deps != nil {
		result, err := r.deps.Install(ctx, pluginID, manifest.RuntimeDependencies)
		if err != nil {
			return nil, err
		}
		if !result.OK {
			return nil, oops.Code(CodeLoad).
				With("plugin", pluginID).
				With("specifier", result.Failed).
				Hint(result.Output).
				New("runtime dependency install failed")
		}
	}

	runner, err := r.migrations(manifest, dir)
	if err != nil {
		return nil, err
	}
	defer runner.Close()

	var migrationVersion uint
	if runner.HasMigrations() {
		if err := runner.Run(ctx); err != nil {
			return nil, err
		}
		if v, _, err := runner.CurrentRevision(); err == nil {
			migrationVersion = v
		}
	}

	r.registerProvided(manifest)

	sealed, err := r.cipher.Seal(map[string]any{})
	if err != nil {
		r.rollbackInstall(ctx, manifest, runner, false)
		return nil, err
	}
	rec := &Record{
		PluginID:           pluginID,
		Version:            manifest.Version,
		IsEnabled:          true,
		EncryptedSettings:  sealed,
		MigrationVersion:   migrationVersion,
		PermissionsGranted: granted,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		r.rollbackInstall(ctx, manifest, runner, false)
		return nil, err
	}

	if err := r.activate(ctx, manifest, rec); err != nil {
		r.rollbackInstall(ctx, manifest, runner, true)
		return nil, err
	}
	if err := r.hook(ctx, pluginID, Instance.OnInstall); err != nil {
		r.deactivate(ctx, pluginID)
		r.rollbackInstall(ctx, manifest, runner, true)
		return nil, oops.Code(CodeLoad).
			With("plugin", pluginID).
			Hint("install hook failed").
			Wrap(err)
	}

	r.bus.Publish(ctx, EventPluginInstalled, map[string]any{
		"plugin_id": pluginID,
		"version":   manifest.Version,
	}, "")
	slog.Info("extension installed", "plugin", pluginID, "version", manifest.Version)
	return rec, nil
}

// rollbackInstall undoes the persistent side of a failed install.
func (r *Registry) rollbackInstall(ctx context.Context, manifest *Manifest, runner MigrationRunner, recordPersisted bool) {
	if recordPersisted {
		if err := r.store.Delete(ctx, manifest.ID); err != nil {
			slog.Error("install rollback: record delete failed",
				"plugin", manifest.ID, "error", err)
		}
	}
	if err := r.catalog.UnregisterProvidedPermissions(manifest.ID); err != nil {
		slog.Error("install rollback: permission unregister failed",
			"plugin", manifest.ID, "error", err)
	}
	if runner.HasMigrations() {
		if err := runner.DowngradeAll(ctx); err != nil {
			slog.Error("install rollback: migration downgrade failed",
				"plugin", manifest.ID, "error", err)
		}
	}
}

// UninstallOptions control how much of an extension's footprint Uninstall
// removes.
type UninstallOptions struct {
	// DropTables reverses the extension's schema migrations, force-dropping
	// prefix-matched tables when reversal is unsupported.
	DropTables bool
	// RemovePermissions drops the extension's provided permission gates
	// from the catalog.
	RemovePermissions bool
	// KeepFiles leaves the extension directory on disk.
	KeepFiles bool
}

// Uninstall removes an installed extension. The uninstall hook runs first
// and its failure is logged, not fatal: a broken extension must still be
// removable.
func (r *Registry) Uninstall(ctx context.Context, pluginID string, opts UninstallOptions) error {
	rec, err := r.store.Get(ctx, pluginID)
	if err != nil {
		return err
	}

	dir := r.loader.PluginDir(pluginID)
	manifest, merr := LoadManifestFromDir(dir)
	if merr != nil || manifest == nil {
		slog.Warn("uninstalling extension without a readable manifest",
			"plugin", pluginID, "error", merr)
	}

	// Run the hook against the live instance, loading one just for the
	// hook when the extension is disabled.
	if !r.isLoaded(pluginID) && manifest != nil {
		if err := r.activate(ctx, manifest, rec); err != nil {
			slog.Warn("could not load extension for uninstall hook",
				"plugin", pluginID, "error", err)
		}
	}
	if r.isLoaded(pluginID) {
		if err := r.hook(ctx, pluginID, Instance.OnUninstall); err != nil {
			slog.Warn("extension uninstall hook failed",
				"plugin", pluginID, "error", err)
		}
		r.deactivate(ctx, pluginID)
	}

	if opts.DropTables && manifest != nil {
		runner, err := r.migrations(manifest, dir)
		if err != nil {
			return err
		}
		if err := runner.DowngradeAll(ctx); err != nil {
			runner.Close()
			return err
		}
		runner.Close()
	}

	if opts.RemovePermissions {
		if err := r.catalog.UnregisterProvidedPermissions(pluginID); err != nil {
			slog.Warn("failed to unregister provided permissions",
				"plugin", pluginID, "error", err)
		}
	}

	if err := r.store.Delete(ctx, pluginID); err != nil {
		return err
	}
	if !opts.KeepFiles {
		if err := r.loader.Remove(pluginID); err != nil {
			slog.Warn("failed to remove extension files",
				"plugin", pluginID, "error", err)
		}
	}

	r.bus.Publish(ctx, EventPluginUninstalled, map[string]any{
		"plugin_id": pluginID,
		"version":   rec.Version,
	}, "")
	slog.Info("extension uninstalled", "plugin", pluginID)
	return nil
}

// Enable activates an installed extension. Enabling an already-enabled
// extension succeeds without side effects.
func (r *Registry) Enable(ctx context.Context, pluginID string) error {
	rec, err := r.store.Get(ctx, pluginID)
	if err != nil {
		return err
	}
	if rec.IsEnabled && r.isLoaded(pluginID) {
		return nil
	}

	manifest, err := LoadManifestFromDir(r.loader.PluginDir(pluginID))
	if err != nil {
		return err
	}
	if manifest == nil {
		return oops.Code(CodeLoad).
			With("plugin", pluginID).
			New("extension files are missing")
	}

	if !r.isLoaded(pluginID) {
		if err := r.activate(ctx, manifest, rec); err != nil {
			return err
		}
	}
	if err := r.hook(ctx, pluginID, Instance.OnEnable); err != nil {
		r.deactivate(ctx, pluginID)
		return oops.With("plugin", pluginID).Hint("enable hook failed").Wrap(err)
	}
	if err := r.store.SetEnabled(ctx, pluginID, true); err != nil {
		r.deactivate(ctx, pluginID)
		return err
	}

	r.bus.Publish(ctx, EventPluginEnabled, map[string]any{"plugin_id": pluginID}, "")
	slog.Info("extension enabled", "plugin", pluginID)
	return nil
}

// Disable deactivates an extension: its routes unmount and its
// subscriptions drop, but its record, settings, and schema stay intact.
// Disabling an already-disabled extension succeeds without side effects.
func (r *Registry) Disable(ctx context.Context, pluginID string) error {
	rec, err := r.store.Get(ctx, pluginID)
	if err != nil {
		return err
	}
	if !rec.IsEnabled && !r.isLoaded(pluginID) {
		return nil
	}

	if r.isLoaded(pluginID) {
		if err := r.hook(ctx, pluginID, Instance.OnDisable); err != nil {
			slog.Warn("extension disable hook failed",
				"plugin", pluginID, "error", err)
		}
		r.deactivate(ctx, pluginID)
	}
	if err := r.store.SetEnabled(ctx, pluginID, false); err != nil {
		return err
	}

	r.bus.Publish(ctx, EventPluginDisabled, map[string]any{"plugin_id": pluginID}, "")
	slog.Info("extension disabled", "plugin", pluginID)
	return nil
}

// UpdateSettings replaces an extension's settings. The sealed form goes to
// the store; a loaded instance sees the new values immediately through its
// shared config, no reload needed.
func (r *Registry) UpdateSettings(ctx context.Context, pluginID string, settings map[string]any) error {
	if _, err := r.store.Get(ctx, pluginID); err != nil {
		return err
	}

	sealed, err := r.cipher.Seal(settings)
	if err != nil {
		return err
	}
	if err := r.store.UpdateSettings(ctx, pluginID, sealed); err != nil {
		return err
	}

	r.mu.RLock()
	le := r.loaded[pluginID]
	r.mu.RUnlock()
	if le != nil {
		le.cfg.Replace(settings)
	}
	return nil
}

// Settings returns an extension's decrypted settings.
func (r *Registry) Settings(ctx context.Context, pluginID string) (map[string]any, error) {
	rec, err := r.store.Get(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	return r.cipher.Open(rec.EncryptedSettings)
}

// Status describes one installed extension.
type Status struct {
	Record   *Record
	Manifest *Manifest
	// Loaded reports an active instance; Mounted that its routes are
	// reachable.
	Loaded           bool
	Mounted          bool
	SubscribedEvents []string
}

// Get returns the status of one installed extension.
func (r *Registry) Get(ctx context.Context, pluginID string) (*Status, error) {
	rec, err := r.store.Get(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	return r.status(rec), nil
}

// List returns the status of every installed extension, sorted by id.
func (r *Registry) List(ctx context.Context) ([]*Status, error) {
	records, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]*Status, 0, len(records))
	for _, rec := range records {
		statuses = append(statuses, r.status(rec))
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Record.PluginID < statuses[j].Record.PluginID
	})
	return statuses, nil
}

func (r *Registry) status(rec *Record) *Status {
	s := &Status{Record: rec}
	if m, err := LoadManifestFromDir(r.loader.PluginDir(rec.PluginID)); err == nil {
		s.Manifest = m
	}

	r.mu.RLock()
	le := r.loaded[rec.PluginID]
	r.mu.RUnlock()
	if le != nil {
		s.Loaded = true
		s.Mounted = le.mounted
		s.SubscribedEvents = r.bus.SubscribedEvents(rec.PluginID)
	}
	return s
}

// Close deactivates every loaded extension. Hosts are closed by the caller
// after the registry.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.loaded))
	for id := range r.loaded {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.deactivate(ctx, id)
	}
}

// activate loads an instance, mounts its routes, and wires its
// subscriptions.
func (r *Registry) activate(ctx context.Context, manifest *Manifest, rec *Record) error {
	host, ok := r.hosts[manifest.EffectiveRuntime()]
	if !ok {
		return oops.Code(CodeLoad).
			With("plugin", manifest.ID).
			With("runtime", manifest.EffectiveRuntime()).
			New("no host for the declared runtime")
	}

	settings, err := r.cipher.Open(rec.EncryptedSettings)
	if err != nil {
		return oops.Code(CodeLoad).
			With("plugin", manifest.ID).
			Hint("settings could not be decrypted").
			Wrap(err)
	}
	cfg := NewConfig(settings)

	inst, err := host.Load(ctx, manifest, r.loader.PluginDir(manifest.ID), cfg)
	if err != nil {
		return err
	}

	le := &loadedExtension{manifest: manifest, instance: inst, cfg: cfg}
	if h := inst.Routes(); h != nil {
		r.routes.AddPluginRouter(manifest.ID, h)
		le.mounted = true
	}
	for _, sub := range inst.Subscriptions() {
		if sub.Blocking {
			r.bus.SubscribeBlocking(sub.EventType, manifest.ID, func(event eventbus.Event) {
				if err := inst.HandleEvent(context.WithoutCancel(ctx), event); err != nil {
					slog.Error("event handler failed",
						"plugin", manifest.ID,
						"event_type", event.Type,
						"error", err)
				}
			})
		} else {
			r.bus.Subscribe(sub.EventType, manifest.ID, inst.HandleEvent)
		}
	}

	r.mu.Lock()
	r.loaded[manifest.ID] = le
	r.mu.Unlock()
	return nil
}

// deactivate reverses activate: subscriptions drop, routes unmount, the
// instance closes.
func (r *Registry) deactivate(ctx context.Context, pluginID string) {
	r.mu.Lock()
	le := r.loaded[pluginID]
	delete(r.loaded, pluginID)
	r.mu.Unlock()
	if le == nil {
		return
	}

	r.bus.UnsubscribeAll(pluginID)
	if le.mounted {
		r.routes.RemovePluginRouter(pluginID)
	}
	if err := le.instance.Close(ctx); err != nil {
		slog.Warn("extension instance close failed",
			"plugin", pluginID, "error", err)
	}
}

func (r *Registry) isLoaded(pluginID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[pluginID]
	return ok
}

// hook runs one lifecycle hook against the loaded instance.
func (r *Registry) hook(ctx context.Context, pluginID string, fn func(Instance, context.Context) error) error {
	r.mu.RLock()
	le := r.loaded[pluginID]
	r.mu.RUnlock()
	if le == nil {
		return nil
	}
	return fn(le.instance, ctx)
}

// registerProvided enters the manifest's provided permission gates into
// the catalog.
func (r *Registry) registerProvided(manifest *Manifest) {
	if len(manifest.ProvidedPermissions) == 0 {
		return
	}
	perms := make(map[string]string, len(manifest.ProvidedPermissions))
	for _, p := range manifest.ProvidedPermissions {
		perms[p.Code] = p.Description
	}
	if err := r.catalog.RegisterProvidedPermissions(manifest.ID, perms); err != nil {
		slog.Warn("failed to register provided permissions",
			"plugin", manifest.ID, "error", err)
	}
}

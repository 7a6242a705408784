// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package native hosts extensions compiled into the TripVault binary.
// Extensions register a factory at init time; the host instantiates them
// on load and adapts the SDK contract onto the runtime's instance
// interface.
package native

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"

	plugins "github.com/tripvault/tripvault/internal/plugin"
	"github.com/tripvault/tripvault/pkg/extension"
)

var (
	registryMu sync.RWMutex
	registry   = map[string]extension.Factory{}
)

// Register makes a compiled-in extension available under its manifest ID.
// It is meant to be called from an init function and panics on duplicate
// registration.
func Register(pluginID string, factory extension.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[pluginID]; exists {
		panic("native: duplicate extension registration: " + pluginID)
	}
	registry[pluginID] = factory
}

// Registered lists the IDs of all compiled-in extensions, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func lookup(pluginID string) (extension.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[pluginID]
	return f, ok
}

// Host runs compiled-in extensions.
type Host struct {
	mu        sync.Mutex
	instances map[string]*Instance
	closed    bool
}

// Compile-time interface check.
var _ plugins.Host = (*Host)(nil)

// NewHost creates a host for compiled-in extensions.
func NewHost() *Host {
	return &Host{instances: make(map[string]*Instance)}
}

// Runtime identifies this host's runtime kind.
func (h *Host) Runtime() string { return "native" }

// Load instantiates the registered extension for the manifest's ID.
func (h *Host) Load(ctx context.Context, manifest *plugins.Manifest, _ string, cfg *plugins.Config) (plugins.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, oops.Code(plugins.CodeLoad).
			In("native").
			New("host is closed")
	}

	factory, ok := lookup(manifest.ID)
	if !ok {
		return nil, oops.Code(plugins.CodeLoad).
			In("native").
			With("plugin", manifest.ID).
			Hint("native extensions must be compiled into the binary and registered at init").
			New("no native extension registered for this ID")
	}

	ext, err := factory(&settingsView{cfg: cfg})
	if err != nil {
		return nil, oops.Code(plugins.CodeLoad).
			In("native").
			With("plugin", manifest.ID).
			Wrap(err)
	}

	inst := &Instance{host: h, pluginID: manifest.ID, ext: ext}
	h.instances[manifest.ID] = inst
	slog.Debug("loaded native extension", "plugin", manifest.ID)
	return inst, nil
}

func (h *Host) remove(pluginID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.instances, pluginID)
}

// Close shuts down all loaded instances.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	instances := make([]*Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.instances = make(map[string]*Instance)
	h.closed = true
	h.mu.Unlock()

	for _, inst := range instances {
		if err := inst.ext.Close(ctx); err != nil {
			slog.Warn("native extension close failed",
				"plugin", inst.pluginID, "error", err)
		}
	}
	return nil
}

// settingsView adapts the runtime's live config onto the SDK's Settings.
type settingsView struct {
	cfg *plugins.Config
}

func (s *settingsView) Get(key string) (any, bool) { return s.cfg.Get(key) }
func (s *settingsView) Snapshot() map[string]any   { return s.cfg.Snapshot() }

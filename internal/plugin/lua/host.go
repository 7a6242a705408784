// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package lua

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	plugins "github.com/tripvault/tripvault/internal/plugin"
)

// EntryFile is the extension entry module the host loads.
const EntryFile = "entry.lua"

// Compile-time interface check.
var _ plugins.Host = (*Host)(nil)

// Host manages Lua extensions. Each hook, event delivery, and HTTP request
// executes the entry chunk in a fresh sandboxed state, so extension bugs
// cannot corrupt state shared with other extensions or other requests.
type Host struct {
	factory   *StateFactory
	mu        sync.RWMutex
	instances map[string]*Instance
	closed    bool
}

// NewHost creates a Lua extension host.
func NewHost() *Host {
	return &Host{
		factory:   NewStateFactory(),
		instances: make(map[string]*Instance),
	}
}

// Runtime names the runtime this host provides.
func (h *Host) Runtime() string { return "lua" }

// Load reads and validates an extension's entry module. The entry chunk
// must return exactly one table implementing the extension contract;
// returning nothing, multiple values, or a non-table is a load error.
func (h *Host) Load(ctx context.Context, manifest *plugins.Manifest, dir string, cfg *plugins.Config) (plugins.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", manifest.ID).
			New("host is closed")
	}

	entryPath := filepath.Join(dir, EntryFile)
	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return nil, oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", manifest.ID).
			With("path", entryPath).
			Hint("extension must ship an entry.lua at its root").
			Wrap(err)
	}

	inst := &Instance{
		host:     h,
		manifest: manifest,
		cfg:      cfg,
		code:     string(code),
	}

	// Validate the contract in a throwaway state and capture the
	// declared subscriptions and routes.
	L, ext, err := inst.newState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	if err := inst.readSubscriptions(manifest.ID, ext); err != nil {
		return nil, err
	}
	if err := inst.readRoutes(manifest.ID, ext); err != nil {
		return nil, err
	}

	h.instances[manifest.ID] = inst
	slog.Info("loaded lua extension",
		"plugin", manifest.ID,
		"version", manifest.Version,
		"routes", len(inst.routes),
		"subscriptions", len(inst.subs))
	return inst, nil
}

func (h *Host) remove(pluginID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.instances, pluginID)
}

// Instances returns ids of all loaded extensions.
func (h *Host) Instances() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.instances))
	for id := range h.instances {
		ids = append(ids, id)
	}
	return ids
}

// Close shuts down the host. Subsequent loads fail.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.instances = make(map[string]*Instance)
	return nil
}

// registerHostFuncs exposes the tripvault.* API to extension code:
// log(level, message) and config(key).
func registerHostFuncs(L *lua.LState, pluginID string, cfg *plugins.Config) {
	mod := L.NewTable()
	mod.RawSetString("plugin_id", lua.LString(pluginID))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		switch level {
		case "debug":
			slog.Debug(msg, "plugin", pluginID)
		case "warn":
			slog.Warn(msg, "plugin", pluginID)
		case "error":
			slog.Error(msg, "plugin", pluginID)
		default:
			slog.Info(msg, "plugin", pluginID)
		}
		return 0
	}))

	mod.RawSetString("config", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if cfg == nil {
			L.Push(lua.LNil)
			return 1
		}
		v, ok := cfg.Get(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(goToLua(L, v))
		return 1
	}))

	L.SetGlobal("tripvault", mod)
}

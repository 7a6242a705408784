// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package lua

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	plugins "github.com/tripvault/tripvault/internal/plugin"
	"github.com/tripvault/tripvault/internal/plugin/eventbus"
)

// maxRequestBody bounds how much of a request body is handed to Lua.
const maxRequestBody = 1 << 20

// luaRoute is one declared route: the handler lives at routes[index] in
// the extension table of whichever state serves the request.
type luaRoute struct {
	method string
	path   string
	index  int
}

// Instance is one loaded Lua extension.
type Instance struct {
	host     *Host
	manifest *plugins.Manifest
	cfg      *plugins.Config
	code     string

	subs   []plugins.EventSubscription
	routes []luaRoute
}

// Compile-time interface check.
var _ plugins.Instance = (*Instance)(nil)

// newState creates a fresh sandboxed state, executes the entry chunk, and
// returns the extension table it yields.
func (i *Instance) newState(ctx context.Context) (*lua.LState, *lua.LTable, error) {
	L, err := i.host.factory.NewState(ctx)
	if err != nil {
		return nil, nil, oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", i.manifest.ID).
			Hint("failed to create state").
			Wrap(err)
	}

	registerHostFuncs(L, i.manifest.ID, i.cfg)

	before := L.GetTop()
	if err := L.DoString(i.code); err != nil {
		L.Close()
		return nil, nil, oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", i.manifest.ID).
			Hint("entry module failed to execute").
			Wrap(err)
	}

	returned := L.GetTop() - before
	switch {
	case returned == 0:
		L.Close()
		return nil, nil, oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", i.manifest.ID).
			New("entry module must return its extension table")
	case returned > 1:
		L.Close()
		return nil, nil, oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", i.manifest.ID).
			Errorf("entry module must return exactly one extension table, got %d values", returned)
	}

	ext, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		L.Close()
		return nil, nil, oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", i.manifest.ID).
			Errorf("entry module must return a table, got %s", L.Get(-1).Type())
	}
	return L, ext, nil
}

// readSubscriptions parses the extension table's subscriptions list.
// Entries are either event-type strings or {event=..., blocking=...}
// tables.
func (i *Instance) readSubscriptions(pluginID string, ext *lua.LTable) error {
	raw := ext.RawGetString("subscriptions")
	if raw == lua.LNil {
		return nil
	}
	list, ok := raw.(*lua.LTable)
	if !ok {
		return oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", pluginID).
			New("subscriptions must be a list")
	}

	var subs []plugins.EventSubscription
	for n := 1; n <= list.MaxN(); n++ {
		switch entry := list.RawGetInt(n).(type) {
		case lua.LString:
			subs = append(subs, plugins.EventSubscription{EventType: string(entry)})
		case *lua.LTable:
			event, _ := entry.RawGetString("event").(lua.LString)
			if event == "" {
				return oops.Code(plugins.CodeLoad).
					In("lua").
					With("plugin", pluginID).
					Errorf("subscription %d is missing an event type", n)
			}
			blocking := entry.RawGetString("blocking") == lua.LTrue
			subs = append(subs, plugins.EventSubscription{
				EventType: string(event),
				Blocking:  blocking,
			})
		default:
			return oops.Code(plugins.CodeLoad).
				In("lua").
				With("plugin", pluginID).
				Errorf("subscription %d must be a string or table", n)
		}
	}
	i.subs = subs
	return nil
}

// readRoutes parses the extension table's routes list. Each entry needs a
// path and a handler function; method defaults to GET.
func (i *Instance) readRoutes(pluginID string, ext *lua.LTable) error {
	raw := ext.RawGetString("routes")
	if raw == lua.LNil {
		return nil
	}
	list, ok := raw.(*lua.LTable)
	if !ok {
		return oops.Code(plugins.CodeLoad).
			In("lua").
			With("plugin", pluginID).
			New("routes must be a list")
	}

	var routes []luaRoute
	for n := 1; n <= list.MaxN(); n++ {
		entry, ok := list.RawGetInt(n).(*lua.LTable)
		if !ok {
			return oops.Code(plugins.CodeLoad).
				In("lua").
				With("plugin", pluginID).
				Errorf("route %d must be a table", n)
		}

		path, _ := entry.RawGetString("path").(lua.LString)
		if path == "" || !strings.HasPrefix(string(path), "/") {
			return oops.Code(plugins.CodeLoad).
				In("lua").
				With("plugin", pluginID).
				Errorf("route %d needs a path starting with /", n)
		}
		if _, ok := entry.RawGetString("handler").(*lua.LFunction); !ok {
			return oops.Code(plugins.CodeLoad).
				In("lua").
				With("plugin", pluginID).
				Errorf("route %d needs a handler function", n)
		}

		method := "GET"
		if m, ok := entry.RawGetString("method").(lua.LString); ok {
			method = strings.ToUpper(string(m))
		}

		routes = append(routes, luaRoute{
			method: method,
			path:   normalizePath(string(path)),
			index:  n,
		})
	}
	i.routes = routes
	return nil
}

func normalizePath(p string) string {
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// OnInstall runs the extension's install hook, if any.
func (i *Instance) OnInstall(ctx context.Context) error { return i.callHook(ctx, "on_install") }

// OnUninstall runs the extension's uninstall hook, if any.
func (i *Instance) OnUninstall(ctx context.Context) error { return i.callHook(ctx, "on_uninstall") }

// OnEnable runs the extension's enable hook, if any.
func (i *Instance) OnEnable(ctx context.Context) error { return i.callHook(ctx, "on_enable") }

// OnDisable runs the extension's disable hook, if any.
func (i *Instance) OnDisable(ctx context.Context) error { return i.callHook(ctx, "on_disable") }

func (i *Instance) callHook(ctx context.Context, name string) error {
	L, ext, err := i.newState(ctx)
	if err != nil {
		return err
	}
	defer L.Close()

	fn, ok := ext.RawGetString(name).(*lua.LFunction)
	if !ok {
		return nil
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return oops.In("lua").
			With("plugin", i.manifest.ID).
			With("hook", name).
			Wrap(err)
	}
	return nil
}

// Subscriptions lists the events declared by the entry module.
func (i *Instance) Subscriptions() []plugins.EventSubscription {
	return i.subs
}

// HandleEvent executes the extension's on_event handler in a fresh state.
func (i *Instance) HandleEvent(ctx context.Context, event eventbus.Event) error {
	L, ext, err := i.newState(ctx)
	if err != nil {
		return err
	}
	defer L.Close()

	fn, ok := ext.RawGetString("on_event").(*lua.LFunction)
	if !ok {
		return nil
	}

	tbl := L.NewTable()
	tbl.RawSetString("id", lua.LString(event.ID.String()))
	tbl.RawSetString("type", lua.LString(event.Type))
	tbl.RawSetString("timestamp", lua.LString(event.Timestamp.Format("2006-01-02T15:04:05Z07:00")))
	tbl.RawSetString("data", goToLua(L, mapToAny(event.Data)))
	if event.SourcePluginID != "" {
		tbl.RawSetString("source_plugin", lua.LString(event.SourcePluginID))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
		return oops.In("lua").
			With("plugin", i.manifest.ID).
			With("event_type", event.Type).
			Wrap(err)
	}
	return nil
}

func mapToAny(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Routes returns the extension's HTTP handler, or nil if the entry module
// declares no routes.
func (i *Instance) Routes() http.Handler {
	if len(i.routes) == 0 {
		return nil
	}
	return http.HandlerFunc(i.serveHTTP)
}

func (i *Instance) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := normalizePath(r.URL.Path)

	var route *luaRoute
	for n := range i.routes {
		if i.routes[n].method == r.Method && i.routes[n].path == path {
			route = &i.routes[n]
			break
		}
	}
	if route == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}

	L, ext, err := i.newState(r.Context())
	if err != nil {
		slog.Error("failed to create state for request",
			"plugin", i.manifest.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "plugin error"})
		return
	}
	defer L.Close()

	routesTable, _ := ext.RawGetString("routes").(*lua.LTable)
	entry, _ := routesTable.RawGetInt(route.index).(*lua.LTable)
	fn, _ := entry.RawGetString("handler").(*lua.LFunction)

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, i.requestTable(L, r)); err != nil {
		slog.Error("route handler failed",
			"plugin", i.manifest.ID,
			"method", r.Method,
			"path", path,
			"error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "plugin error"})
		return
	}

	writeResponse(w, L.Get(-1))
}

// requestTable builds the Lua view of an HTTP request.
func (i *Instance) requestTable(L *lua.LState, r *http.Request) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("method", lua.LString(r.Method))
	tbl.RawSetString("path", lua.LString(r.URL.Path))

	query := L.NewTable()
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			query.RawSetString(key, lua.LString(vals[0]))
		}
	}
	tbl.RawSetString("query", query)

	headers := L.NewTable()
	for key, vals := range r.Header {
		if len(vals) > 0 {
			headers.RawSetString(key, lua.LString(vals[0]))
		}
	}
	tbl.RawSetString("headers", headers)

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err == nil {
			tbl.RawSetString("body", lua.LString(body))
		}
	}
	return tbl
}

// writeResponse maps a handler's return value onto the HTTP response.
// A string becomes a 200 text/plain body; a table may set status, body
// or json, and content_type.
func writeResponse(w http.ResponseWriter, v lua.LValue) {
	switch res := v.(type) {
	case lua.LString:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(res))
	case *lua.LTable:
		status := http.StatusOK
		if n, ok := res.RawGetString("status").(lua.LNumber); ok {
			status = int(n)
		}

		if j := res.RawGetString("json"); j != lua.LNil {
			writeJSON(w, status, luaToGo(j))
			return
		}

		contentType := "text/plain; charset=utf-8"
		if ct, ok := res.RawGetString("content_type").(lua.LString); ok {
			contentType = string(ct)
		}
		body := ""
		if b, ok := res.RawGetString("body").(lua.LString); ok {
			body = string(b)
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Close removes the instance from its host. States are per-call, so there
// is nothing else to release.
func (i *Instance) Close(_ context.Context) error {
	i.host.remove(i.manifest.ID)
	return nil
}

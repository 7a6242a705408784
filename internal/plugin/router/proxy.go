// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package router mounts extension route subtrees into a host router whose
// primary route table is fixed once the server starts.
package router

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
)

// Proxy is a mutable route-mount table. It is attached to the host's gin
// engine exactly once, at startup, as an opaque delegating node; after
// that, extension subtrees are added and removed at runtime without
// touching the host's compiled route table.
//
// Mount-table mutation happens only during explicit install/enable/
// disable/uninstall operations, but request dispatch is concurrent, so
// the table is guarded by an RWMutex.
type Proxy struct {
	mu       sync.RWMutex
	mounts   map[string]http.Handler
	observer func(pluginID string, status int)
}

// SetObserver installs a callback invoked after each dispatched request
// with the plugin id and response status. Used for metrics. Call before
// the server starts.
func (p *Proxy) SetObserver(fn func(pluginID string, status int)) {
	p.observer = fn
}

// New creates an empty proxy.
func New() *Proxy {
	return &Proxy{
		mounts: make(map[string]http.Handler),
	}
}

// Attach registers the proxy's delegating routes on the host router under
// basePath (e.g. "/plugins"). Call once, before the server starts.
func (p *Proxy) Attach(r gin.IRouter, basePath string) {
	group := r.Group(basePath)
	group.Any("/:plugin", p.dispatch)
	group.Any("/:plugin/*rest", p.dispatch)
}

// AddPluginRouter mounts handler under /<pluginID>. The handler sees paths
// relative to its mount point. Re-adding an id first removes the old
// mount.
func (p *Proxy) AddPluginRouter(pluginID string, handler http.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.mounts[pluginID]; ok {
		slog.Info("replacing existing route mount", "plugin", pluginID)
	}
	p.mounts[pluginID] = handler
}

// RemovePluginRouter detaches the extension's subtree. Unknown ids are a
// no-op.
func (p *Proxy) RemovePluginRouter(pluginID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mounts, pluginID)
}

// Mounted reports whether an extension currently has routes attached.
func (p *Proxy) Mounted(pluginID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.mounts[pluginID]
	return ok
}

// MountedPlugins returns the ids with active mounts, in no particular
// order.
func (p *Proxy) MountedPlugins() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.mounts))
	for id := range p.mounts {
		ids = append(ids, id)
	}
	return ids
}

// dispatch routes a request to the mounted subtree, rewriting the URL so
// the extension sees paths relative to its mount point.
func (p *Proxy) dispatch(c *gin.Context) {
	pluginID := c.Param("plugin")

	p.mu.RLock()
	handler, ok := p.mounts[pluginID]
	p.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such plugin route", "plugin": pluginID})
		return
	}

	rest := c.Param("rest")
	if rest == "" {
		rest = "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}

	req := c.Request.Clone(c.Request.Context())
	req.URL.Path = rest
	req.URL.RawPath = ""

	handler.ServeHTTP(c.Writer, req)

	if p.observer != nil {
		p.observer(pluginID, c.Writer.Status())
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package api exposes the extension admin API and hosts the extension
// route proxy.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tripvault/tripvault/internal/plugin"
	"github.com/tripvault/tripvault/internal/plugin/permission"
	"github.com/tripvault/tripvault/internal/plugin/router"
)

// Server is the host HTTP server: the admin surface under /api plus the
// extension proxy under /plugins.
type Server struct {
	engine   *gin.Engine
	registry *plugin.Registry
	loader   *plugin.Loader
	checker  *permission.Checker
	httpSrv  *http.Server
}

// NewServer builds the server and wires its routes. proxy is attached
// once; extension mounts mutate through it afterwards.
func NewServer(registry *plugin.Registry, loader *plugin.Loader, checker *permission.Checker, proxy *router.Proxy) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine:   engine,
		registry: registry,
		loader:   loader,
		checker:  checker,
	}

	api := engine.Group("/api")
	{
		api.GET("/plugins", s.listPlugins)
		api.POST("/plugins", s.installPlugin)
		api.GET("/plugins/:id", s.getPlugin)
		api.DELETE("/plugins/:id", s.uninstallPlugin)
		api.POST("/plugins/:id/enable", s.enablePlugin)
		api.POST("/plugins/:id/disable", s.disablePlugin)
		api.GET("/plugins/:id/settings", s.getSettings)
		api.PUT("/plugins/:id/settings", s.putSettings)
		api.GET("/plugins/:id/permissions", s.getPermissions)
	}

	proxy.Attach(engine, "/plugins")
	return s
}

// Handler exposes the underlying handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves the API on addr until Stop is called. Errors after startup
// arrive on the returned channel.
func (s *Server) Start(addr string) <-chan error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("api server started", "addr", addr)
	return errCh
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// writeError maps runtime error codes onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case plugin.IsNotInstalled(err):
		status = http.StatusNotFound
	case plugin.IsConflict(err):
		status = http.StatusConflict
	case plugin.IsValidation(err):
		status = http.StatusBadRequest
	case plugin.IsLoadFailure(err), plugin.IsMigrationFailure(err):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tripvault/tripvault/internal/api"
	"github.com/tripvault/tripvault/internal/config"
	"github.com/tripvault/tripvault/internal/logging"
	"github.com/tripvault/tripvault/internal/observability"
	"github.com/tripvault/tripvault/internal/plugin"
	"github.com/tripvault/tripvault/internal/plugin/eventbus"
	"github.com/tripvault/tripvault/internal/plugin/lua"
	"github.com/tripvault/tripvault/internal/plugin/migrate"
	"github.com/tripvault/tripvault/internal/plugin/native"
	"github.com/tripvault/tripvault/internal/plugin/permission"
	"github.com/tripvault/tripvault/internal/plugin/router"
	"github.com/tripvault/tripvault/internal/store"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the TripVault server",
		Long: `Start the TripVault server: the HTTP API, the extension proxy, and
the metrics endpoint. Installed, enabled extensions load at startup.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().String("http.addr", "", "API listen address")
	cmd.Flags().String("metrics.addr", "", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("database.url", "", "PostgreSQL connection URL")
	cmd.Flags().String("plugins.dir", "", "extensions directory")
	cmd.Flags().String("log.format", "", "log format: json or text")
	return cmd
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logging.SetDefault("tripvault", version, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	var metrics *observability.Metrics
	var obs *observability.Server
	var obsErrCh <-chan error
	if cfg.MetricsAddr != "" {
		obs = observability.NewServer(cfg.MetricsAddr, func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return rt.pool.Ping(pingCtx) == nil
		})
		metrics = obs.Metrics()
		wireMetrics(rt, metrics)
		obsErrCh, err = obs.Start()
		if err != nil {
			return err
		}
	}

	if err := rt.registry.LoadAll(ctx); err != nil {
		return err
	}

	srv := api.NewServer(rt.registry, rt.loader, rt.checker, rt.proxy)
	apiErrCh := srv.Start(cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-apiErrCh:
		if err != nil {
			return err
		}
	case err := <-obsErrCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("api shutdown failed", "error", err)
	}
	rt.registry.Close(shutdownCtx)
	for _, h := range rt.hosts {
		if err := h.Close(shutdownCtx); err != nil {
			slog.Error("host shutdown failed", "runtime", h.Runtime(), "error", err)
		}
	}
	if obs != nil {
		if err := obs.Stop(shutdownCtx); err != nil {
			slog.Error("observability shutdown failed", "error", err)
		}
	}
	return nil
}

// runtime bundles the wired extension subsystem for the serve and plugins
// commands.
type runtime struct {
	pool     poolCloser
	registry *plugin.Registry
	loader   *plugin.Loader
	checker  *permission.Checker
	proxy    *router.Proxy
	bus      *eventbus.Bus
	hosts    []plugin.Host
}

type poolCloser interface {
	Ping(ctx context.Context) error
	Close()
}

// buildRuntime connects the database, applies host migrations, and wires
// the registry with its collaborators.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		pool.Close()
		return nil, err
	}
	if err := migrator.Close(); err != nil {
		slog.Warn("migrator close failed", "error", err)
	}

	var cipher plugin.SettingsCipher
	if key := cfg.SettingsKeyBytes(); key != nil {
		cipher = store.NewSettingsCipher(key)
	} else {
		slog.Warn("no settings key configured, extension settings stored unencrypted")
		cipher = store.PlainCipher{}
	}

	checker := permission.NewChecker()
	bus := eventbus.New()
	proxy := router.New()
	loader := plugin.NewLoader(cfg.PluginsDir)
	hosts := []plugin.Host{lua.NewHost(), native.NewHost()}

	registry := plugin.NewRegistry(plugin.RegistryOptions{
		Loader:  loader,
		Store:   store.NewPluginStore(pool),
		Catalog: checker,
		Bus:     bus,
		Routes:  proxy,
		Hosts:   hosts,
		Migrations: func(m *plugin.Manifest, dir string) (plugin.MigrationRunner, error) {
			return migrate.NewRunner(cfg.DatabaseURL, pool, m.ID, m.TablePrefix(), dir)
		},
		Deps:        plugin.NewDepInstaller(cfg.LuaRocksBin, filepath.Join(cfg.PluginsDir, ".deps")),
		Cipher:      cipher,
		HostVersion: version,
	})

	return &runtime{
		pool:     pool,
		registry: registry,
		loader:   loader,
		checker:  checker,
		proxy:    proxy,
		bus:      bus,
		hosts:    hosts,
	}, nil
}

// Close releases the runtime's database pool.
func (r *runtime) Close() {
	r.pool.Close()
}

// wireMetrics hooks the bus and proxy into the Prometheus counters.
func wireMetrics(rt *runtime, metrics *observability.Metrics) {
	rt.bus.SetObserver(func(eventType string) {
		metrics.EventsPublished.WithLabelValues(eventType).Inc()
	})
	rt.proxy.SetObserver(func(pluginID string, status int) {
		metrics.PluginRequests.WithLabelValues(pluginID, fmt.Sprintf("%dxx", status/100)).Inc()
	})

	// The active-instance gauge tracks mounted extensions; sampled rather
	// than pushed so the registry stays metrics-unaware.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.PluginsActive.Set(float64(len(rt.proxy.MountedPlugins())))
		}
	}()
}

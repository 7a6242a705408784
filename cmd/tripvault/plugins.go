// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripvault/tripvault/internal/config"
	"github.com/tripvault/tripvault/internal/plugin"
)

// NewPluginsCmd creates the plugins subcommand group for managing
// extensions without the HTTP API.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Manage installed extensions",
	}
	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsInstallCmd())
	cmd.AddCommand(newPluginsEnableCmd())
	cmd.AddCommand(newPluginsDisableCmd())
	cmd.AddCommand(newPluginsUninstallCmd())
	return cmd
}

// withRuntime wires the extension subsystem for one CLI operation.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	return withRuntimeConfig(cmd, cfg, fn)
}

func withRuntimeConfig(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func newPluginsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed extensions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				statuses, err := rt.registry.List(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "disabled"
					if s.Record.IsEnabled {
						state = "enabled"
					}
					cmd.Printf("%s\t%s\t%s\n", s.Record.PluginID, s.Record.Version, state)
				}
				return nil
			})
		},
	}
}

func newPluginsInstallCmd() *cobra.Command {
	var archive string
	var grant []string

	cmd := &cobra.Command{
		Use:   "install <plugin-id>",
		Short: "Install an extension from the extensions directory or an archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				pluginID := ""
				if len(args) == 1 {
					pluginID = args[0]
				}

				if archive != "" {
					manifest, err := rt.loader.InstallFromArchive(archive)
					if err != nil {
						return err
					}
					pluginID = manifest.ID
				}
				if pluginID == "" {
					return cmd.Usage()
				}

				rec, err := rt.registry.Install(ctx, pluginID, grant)
				if err != nil {
					return err
				}
				cmd.Printf("installed %s %s\n", rec.PluginID, rec.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "zip archive to extract before installing")
	cmd.Flags().StringSliceVar(&grant, "grant", nil, "permission codes to grant")
	return cmd
}

func newPluginsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <plugin-id>",
		Short: "Enable an installed extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.registry.Enable(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("enabled %s\n", args[0])
				return nil
			})
		},
	}
}

func newPluginsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <plugin-id>",
		Short: "Disable an installed extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if err := rt.registry.Disable(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("disabled %s\n", args[0])
				return nil
			})
		},
	}
}

func newPluginsUninstallCmd() *cobra.Command {
	var keepTables, keepFiles bool

	cmd := &cobra.Command{
		Use:   "uninstall <plugin-id>",
		Short: "Uninstall an extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				opts := plugin.UninstallOptions{
					DropTables:        !keepTables,
					RemovePermissions: true,
					KeepFiles:         keepFiles,
				}
				if err := rt.registry.Uninstall(ctx, args[0], opts); err != nil {
					return err
				}
				cmd.Printf("uninstalled %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&keepTables, "keep-tables", false, "leave the extension's tables in place")
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "leave the extension's files on disk")
	return cmd
}

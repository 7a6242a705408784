// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the TripVault CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tripvault",
		Short: "TripVault - self-hosted trip planning with extensions",
		Long: `TripVault is a self-hosted trip planning and expense tracking server
with a runtime extension system: extensions install, migrate their own
schema, mount routes, and react to domain events without a restart.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewPluginsCmd())

	return cmd
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/reloader/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the reloader CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reloader",
		Short: "Live reloader for Lua plugin packages",
		Long: `reloader runs a Lua plugin host over a packages directory and
reloads a package, everything it declares as a dependency and every package
that depends on it, whenever one of its files is saved.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/reloader/config.yaml)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newDepsCmd())
	cmd.AddCommand(newRunCmd())

	return cmd
}

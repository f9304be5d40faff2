// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// newReloadCmd creates the reload subcommand.
func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <package>",
		Short: "Reload one package and everything depending on it",
		Long: `Boot the plugin host, reload the named package together with its
declared dependencies and dependent packages, and exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			s, err := openSession(ctx, cmd, cfg, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			stop, err := s.watchPlugins(ctx)
			if err != nil {
				return err
			}
			defer stop()

			return s.reload(ctx, args[0])
		},
	}
}

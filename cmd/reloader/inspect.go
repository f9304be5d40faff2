// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/internal/module"
	"github.com/holomush/reloader/internal/resolver"
)

// ModuleInfo describes one loaded module.
type ModuleInfo struct {
	Package string `json:"package"`
	Module  string `json:"module"`
	Plugin  bool   `json:"plugin"`
	Loaded  bool   `json:"loaded"`
	Source  string `json:"source,omitempty"`
}

// listConfig holds configuration for the list command.
type listConfig struct {
	jsonOutput bool
}

// newListCmd creates the list subcommand.
func newListCmd() *cobra.Command {
	cfg := &listConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the modules of every package after boot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cmd, rc, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			infos := s.modules()
			if cfg.jsonOutput {
				out, err := json.MarshalIndent(infos, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format JSON: %w", err)
				}
				cmd.Println(string(out))
				return nil
			}
			return writeModuleTable(cmd.OutOrStdout(), infos)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output modules as JSON")

	return cmd
}

// modules lists registered modules package by package, classified against
// the package roots.
func (s *session) modules() []ModuleInfo {
	var pkgs []string
	for _, name := range s.registry.Names() {
		if !strings.Contains(name, ".") {
			pkgs = append(pkgs, name)
		}
	}

	var infos []ModuleInfo
	for _, c := range discovery.Collect(discovery.PackageModules(s.registry, s.roots, pkgs)) {
		file, _ := c.Module.File()
		infos = append(infos, ModuleInfo{
			Package: module.TopLevel(c.Module.Name()),
			Module:  c.Module.Name(),
			Plugin:  c.IsPlugin,
			Loaded:  s.host.IsLoaded(c.Module.Name()),
			Source:  file,
		})
	}
	return infos
}

func writeModuleTable(w io.Writer, infos []ModuleInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tMODULE\tKIND\tSOURCE")
	for _, info := range infos {
		kind := "module"
		switch {
		case info.Plugin && info.Loaded:
			kind = "plugin"
		case info.Plugin:
			kind = "plugin (not loaded)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Package, info.Module, kind, info.Source)
	}
	return tw.Flush() //nolint:wrapcheck // plain output writer
}

// newDepsCmd creates the deps subcommand.
func newDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps <package>",
		Short: "Show what a reload of a package would touch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cmd, rc, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			pkg := args[0]
			if !s.registry.Has(pkg) {
				return fmt.Errorf("package %s is not loaded", pkg)
			}

			plan := s.reloader.Plan(pkg)
			cmd.Printf("package:    %s\n", pkg)
			cmd.Printf("dependents: %s\n", joinOrNone(resolver.Sorted(resolver.ResolveParents(s.registry, pkg))))
			cmd.Printf("reloads:    %s\n", joinOrNone(plan.Packages))
			cmd.Printf("plugins:    %s\n", joinOrNone(names(plan.Plugins)))
			cmd.Printf("modules:    %s\n", joinOrNone(names(plan.Modules)))
			return nil
		},
	}
}

// newRunCmd creates the run subcommand.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <command> [args...]",
		Short: "Run a command registered by a plugin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cmd, rc, nil)
			if err != nil {
				return err
			}
			defer s.Close()

			out, err := s.host.Run(cmd.Context(), args[0], args[1:]...)
			if err != nil {
				return err //nolint:wrapcheck // oops error carries the command
			}
			if out != "" {
				cmd.Println(out)
			}
			return nil
		},
	}
}

func names(mods []module.Module) []string {
	out := make([]string, len(mods))
	for i, m := range mods {
		out[i] = m.Name()
	}
	return out
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

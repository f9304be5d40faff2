// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/holomush/reloader/internal/config"
	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/internal/logging"
	luahost "github.com/holomush/reloader/internal/lua"
	"github.com/holomush/reloader/internal/module"
	"github.com/holomush/reloader/internal/observability"
	"github.com/holomush/reloader/internal/pkgconfig"
	"github.com/holomush/reloader/internal/reload"
)

// session is a booted host with a reloader over its registry.
type session struct {
	cfg      *config.Config
	roots    discovery.Roots
	registry *module.Registry
	host     *luahost.Host
	store    *pkgconfig.Store
	reloader *reload.Reloader
}

// loadConfig reads the config file and the flags set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openSession sets up logging, boots every installed plugin and builds the
// reloader. Plugins that fail to boot are logged and skipped.
func openSession(ctx context.Context, cmd *cobra.Command, cfg *config.Config, metrics *observability.Metrics) (*session, error) {
	logging.SetDefault("reloader", version, cfg.LogFormat)

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	roots := discovery.Roots{
		Installed: cfg.InstalledPackagesPath,
		Packages:  cfg.PackagesPath,
		SourceExt: luahost.SourceExt,
	}
	reg := module.NewRegistry()
	host, err := luahost.NewHost(reg, roots, luahost.WithVersion(cfg.HostVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to start plugin host: %w", err)
	}
	if err := host.Boot(ctx); err != nil {
		slog.WarnContext(ctx, "some plugins failed to load", "error", err)
	}

	store := pkgconfig.NewStore(roots)
	opts := []reload.Option{
		reload.WithSettings(store),
		reload.WithMetrics(metrics),
	}
	if cfg.Verbose {
		opts = append(opts, reload.WithDiag(logging.NewDiag(cmd.OutOrStdout())))
	}

	return &session{
		cfg:      cfg,
		roots:    roots,
		registry: reg,
		host:     host,
		store:    store,
		reloader: reload.New(reg, host, host, opts...),
	}, nil
}

// reload reloads pkg with the configured dummy and verbosity settings.
func (s *session) reload(ctx context.Context, pkg string) error {
	s.store.Invalidate(pkg)
	return s.reloader.ReloadPackage(ctx, pkg,
		reload.WithDummy(s.cfg.Dummy),
		reload.WithVerbose(s.cfg.Verbose))
}

// watchPlugins starts the host's plugin watch and returns once it is
// watching. The watch runs until the returned stop function is called.
func (s *session) watchPlugins(ctx context.Context) (stop func(), err error) {
	ctx, cancel := context.WithCancel(ctx)
	errCh, err := s.host.StartWatch(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch plugins: %w", err)
	}
	return func() {
		cancel()
		if err := <-errCh; err != nil {
			slog.ErrorContext(ctx, "plugin watch stopped", "error", err)
		}
	}, nil
}

func (s *session) Close() {
	s.host.Close()
}

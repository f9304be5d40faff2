// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/reloader/internal/config"
	luahost "github.com/holomush/reloader/internal/lua"
	"github.com/holomush/reloader/internal/observability"
	"github.com/holomush/reloader/internal/watcher"
	"github.com/holomush/reloader/pkg/errutil"
)

// newWatchCmd creates the watch subcommand.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the plugin host and reload packages on save",
		Long: `Boot the plugin host over the packages directory, then reload a
package whenever one of its source files or its package.yaml is saved.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), cmd, cfg)
		},
	}
}

func runWatch(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ready atomic.Bool
	var obsServer *observability.Server
	var metrics *observability.Metrics
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, ready.Load)
		metrics = obsServer.Metrics()
	}

	s, err := openSession(ctx, cmd, cfg, metrics)
	if err != nil {
		return err
	}
	defer s.Close()

	stopPlugins, err := s.watchPlugins(ctx)
	if err != nil {
		return err
	}
	defer stopPlugins()

	w, err := watcher.New(watcher.Config{
		PackagesPath: cfg.PackagesPath,
		SourceExt:    luahost.SourceExt,
		Exclude:      cfg.Exclude,
		Debounce:     cfg.Debounce,
		OnChange: func(ctx context.Context, pkg string, _ []string) error {
			if err := s.reload(ctx, pkg); err != nil {
				errutil.LogErrorContext(ctx, slog.Default(), "reload failed", err)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	if obsServer != nil {
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
	}

	watchErr := make(chan error, 1)
	go func() { watchErr <- w.Run(ctx) }()
	ready.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Printf("Watching %s\n", cfg.PackagesPath)
	slog.InfoContext(ctx, "reloader ready",
		"packages_path", cfg.PackagesPath,
		"plugins", len(s.host.Plugins()))

	var runErr error
	watcherDone := false
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case runErr = <-watchErr:
		watcherDone = true
		if runErr != nil {
			runErr = fmt.Errorf("watcher error: %w", runErr)
		}
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")
	ready.Store(false)
	cancel()
	if !watcherDone {
		// Waits for an in-flight reload.
		<-watchErr
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return runErr
}

// monitorServerErrors cancels ctx when a server reports an error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("server error", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}

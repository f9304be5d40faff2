// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
)

// Watch loads plugin files as they appear in the packages directory and
// unloads them when they disappear, until ctx is cancelled. Only plugin
// files are considered: source directly in the packages directory and
// source at the top of a package directory. Edits to loaded plugins are
// left to the reloader.
func (h *Host) Watch(ctx context.Context) error {
	errCh, err := h.StartWatch(ctx)
	if err != nil {
		return err
	}
	return <-errCh
}

// StartWatch starts watching for plugin files and returns once every
// package directory is watched and plugins added since Boot are loaded.
// Events are handled on a goroutine until ctx is cancelled; its result is
// sent on the returned channel.
func (h *Host) StartWatch(ctx context.Context) (<-chan error, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("lua").Hint("create fsnotify watcher").Wrap(err)
	}
	if err := h.addWatches(ctx, fsw); err != nil {
		if cerr := fsw.Close(); cerr != nil {
			slog.Warn("close plugin watcher", "error", cerr)
		}
		return nil, err
	}
	slog.DebugContext(ctx, "watching plugins", "path", h.roots.Packages)

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer func() {
			if err := fsw.Close(); err != nil {
				slog.Warn("close plugin watcher", "error", err)
			}
		}()
		errCh <- h.watchLoop(ctx, fsw)
	}()
	return errCh, nil
}

// addWatches watches the packages directory and each package directory in
// it, then loads plugins that are not loaded yet. Directories are watched
// before they are scanned, so a file is either found by the scan or
// reported as an event.
func (h *Host) addWatches(ctx context.Context, fsw *fsnotify.Watcher) error {
	root := h.roots.Packages
	if err := os.MkdirAll(root, 0o750); err != nil {
		return oops.In("lua").With("path", root).Hint("create packages directory").Wrap(err)
	}
	if err := fsw.Add(root); err != nil {
		return oops.In("lua").With("path", root).Hint("watch packages directory").Wrap(err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return oops.In("lua").With("path", root).Wrap(err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		h.watchPackage(ctx, fsw, filepath.Join(root, e.Name()))
		h.loadPackagePlugins(ctx, e.Name())
	}
	for _, name := range rootFiles(root) {
		h.loadNew(ctx, name)
	}
	return nil
}

func (h *Host) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			h.handlePluginEvent(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "plugin watcher error", "error", err)
		}
	}
}

func (h *Host) watchPackage(ctx context.Context, fsw *fsnotify.Watcher, dir string) {
	if strings.HasPrefix(filepath.Base(dir), ".") {
		return
	}
	if err := fsw.Add(dir); err != nil {
		slog.WarnContext(ctx, "cannot watch package directory", "path", dir, "error", err)
	}
}

func (h *Host) handlePluginEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(h.roots.Packages, event.Name)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if len(parts) == 1 {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				h.watchPackage(ctx, fsw, event.Name)
				h.loadPackagePlugins(ctx, parts[0])
				return
			}
		}
		if name, ok := pluginFile(parts); ok {
			h.loadNew(ctx, name)
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if name, ok := pluginFile(parts); ok {
			h.unloadPlugin(ctx, name)
			return
		}
		if len(parts) == 1 {
			// A removed package directory takes its plugins with it.
			for _, name := range h.Plugins() {
				if strings.HasPrefix(name, parts[0]+".") {
					h.unloadPlugin(ctx, name)
				}
			}
		}
	}
}

func (h *Host) loadPackagePlugins(ctx context.Context, pkg string) {
	names, err := topLevelPlugins(h.roots, pkg)
	if err != nil {
		slog.WarnContext(ctx, "cannot list plugins", "package", pkg, "error", err)
		return
	}
	for _, name := range names {
		h.loadNew(ctx, name)
	}
}

// loadNew loads the plugin name unless it is already loaded.
func (h *Host) loadNew(ctx context.Context, name string) {
	if h.IsLoaded(name) {
		return
	}
	if err := h.LoadPlugin(ctx, name); err != nil {
		slog.ErrorContext(ctx, "failed to load plugin", "module", name, "error", err)
	}
}

func (h *Host) unloadPlugin(ctx context.Context, name string) {
	if !h.IsLoaded(name) {
		return
	}
	if err := h.UnloadPlugin(ctx, name); err != nil {
		slog.ErrorContext(ctx, "failed to unload plugin", "module", name, "error", err)
	}
}

// pluginFile maps a path relative to the packages directory to the plugin
// module it holds, if any.
func pluginFile(parts []string) (string, bool) {
	switch len(parts) {
	case 1:
		file := parts[0]
		if filepath.Ext(file) != SourceExt || file == initFile {
			return "", false
		}
		stem := strings.TrimSuffix(file, SourceExt)
		if stem == "" || strings.Contains(stem, ".") {
			return "", false
		}
		return stem, true
	case 2:
		return pluginName(parts[0], parts[1], false)
	default:
		return "", false
	}
}

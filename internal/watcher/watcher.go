// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package watcher reloads packages when their files are saved.
//
// Events under the packages directory are mapped to the package owning the
// file and coalesced over a debounce window; each changed package is then
// handed to the callback once.
package watcher

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

const defaultDebounce = 200 * time.Millisecond

// ManifestFile is always watched alongside source files.
const ManifestFile = "package.yaml"

// Callback receives one changed package and the files that changed in it,
// relative to the packages directory.
type Callback func(ctx context.Context, pkg string, files []string) error

// Config holds the parameters for a Watcher.
type Config struct {
	// PackagesPath is the directory of loose packages.
	PackagesPath string

	// SourceExt selects the files that trigger a reload.
	SourceExt string

	// Exclude are globs over slash-separated paths relative to
	// PackagesPath. Matching files and directories never trigger reloads.
	Exclude []string

	// Debounce is the quiet period after the last event. Zero or negative
	// values fall back to 200ms.
	Debounce time.Duration

	OnChange Callback
}

// Watcher watches a packages directory. Run must be called exactly once.
type Watcher struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	excludes []glob.Glob
	debounce time.Duration
	base     string
	started  atomic.Bool

	// callbacks run one at a time so reloads never overlap.
	callbackMu sync.Mutex
}

// New creates a watcher and registers every non-excluded directory under
// cfg.PackagesPath.
func New(cfg Config) (*Watcher, error) {
	base, err := filepath.Abs(cfg.PackagesPath)
	if err != nil {
		return nil, oops.In("watcher").With("path", cfg.PackagesPath).Hint("resolve packages directory").Wrap(err)
	}

	excludes := make([]glob.Glob, 0, len(cfg.Exclude))
	for _, pattern := range cfg.Exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, oops.In("watcher").Code("INVALID_PATTERN").With("pattern", pattern).Wrap(err)
		}
		excludes = append(excludes, g)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, oops.In("watcher").Hint("create fsnotify watcher").Wrap(err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		excludes: excludes,
		debounce: debounce,
		base:     base,
	}
	if err := w.addDirectories(); err != nil {
		if cerr := fsw.Close(); cerr != nil {
			slog.Warn("close watcher after init failure", "error", cerr)
		}
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is cancelled. It returns nil on
// cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return oops.In("watcher").New("Run called more than once")
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]map[string]struct{})
		timer   *time.Timer
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		batch := pending
		pending = make(map[string]map[string]struct{})
		mu.Unlock()

		w.dispatch(ctx, batch)
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			slog.Warn("close fsnotify watcher", "error", err)
		}
		// Wait for an in-flight callback.
		w.callbackMu.Lock()
		w.callbackMu.Unlock() //nolint:staticcheck // barrier
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return oops.In("watcher").New("fsnotify event channel closed")
			}
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}

			rel, ok := w.relevant(evt.Name)
			if !ok {
				continue
			}
			pkg, ok := PackageOf(rel)
			if !ok {
				continue
			}

			mu.Lock()
			if pending[pkg] == nil {
				pending[pkg] = make(map[string]struct{})
			}
			pending[pkg][rel] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return oops.In("watcher").New("fsnotify error channel closed")
			}
			slog.WarnContext(ctx, "fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, batch map[string]map[string]struct{}) {
	if len(batch) == 0 || w.cfg.OnChange == nil {
		return
	}

	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()

	for _, pkg := range slices.Sorted(maps.Keys(batch)) {
		if ctx.Err() != nil {
			return
		}
		files := slices.Sorted(maps.Keys(batch[pkg]))
		slog.DebugContext(ctx, "package changed", "package", pkg, "files", files)
		if err := w.cfg.OnChange(ctx, pkg, files); err != nil {
			slog.ErrorContext(ctx, "reload on change failed", "package", pkg, "error", err)
		}
	}
}

// relevant returns the slash-separated path of name relative to the packages
// directory if it should trigger a reload.
func (w *Watcher) relevant(name string) (string, bool) {
	rel, err := filepath.Rel(w.base, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if w.excluded(rel) {
		return "", false
	}

	file := filepath.Base(name)
	if strings.HasPrefix(file, "_dummy") {
		return "", false
	}
	if file == ManifestFile && !strings.Contains(rel, "/") {
		return "", false
	}
	if file != ManifestFile && (w.cfg.SourceExt == "" || filepath.Ext(file) != w.cfg.SourceExt) {
		return "", false
	}
	return rel, true
}

func (w *Watcher) excluded(rel string) bool {
	for _, g := range w.excludes {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// PackageOf returns the package owning a slash-separated path relative to
// the packages directory. A source file directly in the directory is a
// single-file package named after its stem; stems starting with "_" or
// holding a dot belong to no package.
func PackageOf(rel string) (string, bool) {
	pkg, rest, ok := strings.Cut(rel, "/")
	if ok {
		if pkg == "" || rest == "" {
			return "", false
		}
		return pkg, true
	}
	ext := path.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	if ext == "" || stem == "" || strings.HasPrefix(stem, "_") || strings.Contains(stem, ".") {
		return "", false
	}
	return stem, true
}

func (w *Watcher) addDirectories() error {
	if err := os.MkdirAll(w.base, 0o750); err != nil {
		return oops.In("watcher").With("path", w.base).Hint("create packages directory").Wrap(err)
	}
	err := filepath.WalkDir(w.base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping inaccessible path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.base && w.excludedDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return oops.In("watcher").With("path", path).Hint("add directory").Wrap(err)
		}
		return nil
	})
	if err != nil {
		return oops.In("watcher").Hint("walk packages directory").Wrap(err)
	}
	return nil
}

func (w *Watcher) excludedDir(path string) bool {
	rel, err := filepath.Rel(w.base, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	return w.excluded(rel) || w.excluded(rel+"/")
}

func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || w.excludedDir(path) {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		slog.Warn("add new directory", "path", path, "error", err)
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package moduletest provides in-memory modules, loaders and hosts for tests.
package moduletest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/holomush/reloader/internal/module"
)

// ErrNotIntrospectable is returned by modules built with Opaque.
var ErrNotIntrospectable = errors.New("namespace not introspectable")

// Module is a fake module with a fixed file, paths and namespace.
// Generation distinguishes objects produced by successive executions.
type Module struct {
	ModName    string
	Source     string
	Roots      []string
	Attrs      map[string]any
	Opaque     bool
	Generation int
}

var _ module.Module = (*Module)(nil)

// Name implements module.Module.
func (m *Module) Name() string { return m.ModName }

// File implements module.Module.
func (m *Module) File() (string, bool) { return m.Source, m.Source != "" }

// Paths implements module.Module.
func (m *Module) Paths() ([]string, bool) { return m.Roots, m.Roots != nil }

// Namespace implements module.Module.
func (m *Module) Namespace() (map[string]any, error) {
	if m.Opaque {
		return nil, ErrNotIntrospectable
	}
	return m.Attrs, nil
}

// File builds a single-file module.
func File(name, path string) *Module {
	return &Module{ModName: name, Source: path, Attrs: map[string]any{}}
}

// Package builds a package module with search-path roots only.
func Package(name string, roots ...string) *Module {
	return &Module{ModName: name, Roots: roots, Attrs: map[string]any{}}
}

// Source describes what executing a module produces.
type Source struct {
	File     string
	Paths    []string
	Requires []string
	Err      error
}

// Loader executes Sources. It records every execution in order.
type Loader struct {
	Sources map[string]Source

	mu    sync.Mutex
	execs []string
	gen   int
}

// NewLoader creates a loader for the given sources.
func NewLoader(sources map[string]Source) *Loader {
	return &Loader{Sources: sources}
}

// Exec implements module.Loader. Required modules are imported through imp
// and stored in the namespace under their full name.
func (l *Loader) Exec(ctx context.Context, name string, imp module.Importer) (module.Module, error) {
	l.mu.Lock()
	l.execs = append(l.execs, name)
	src, ok := l.Sources[name]
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no source for module %s", name)
	}

	attrs := make(map[string]any, len(src.Requires))
	for _, dep := range src.Requires {
		m, err := imp.Import(ctx, dep)
		if err != nil {
			return nil, err
		}
		attrs[dep] = m
	}
	if src.Err != nil {
		return nil, src.Err
	}

	return &Module{
		ModName:    name,
		Source:     src.File,
		Roots:      src.Paths,
		Attrs:      attrs,
		Generation: gen,
	}, nil
}

// Execs returns the names executed so far.
func (l *Loader) Execs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.execs...)
}

// Reset clears the execution log.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.execs = nil
}

// Fail makes the next executions of name return err.
func (l *Loader) Fail(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.Sources[name]
	src.Err = err
	l.Sources[name] = src
}

// Boot imports names into reg through the host's ordinary import path.
func Boot(ctx context.Context, reg *module.Registry, l *Loader, names ...string) error {
	imp := module.NewCachedImporter(reg, l)
	for _, name := range names {
		if _, err := imp.Import(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Call is a recorded lifecycle hook invocation.
type Call struct {
	Hook   string
	Module string
}

// Host records lifecycle hooks and reports dummy modules as loaded while
// their file exists on disk, the way a watching host would.
type Host struct {
	Installed string
	Packages  string
	Runtime   string
	Ext       string
	Registry  *module.Registry

	// Unresponsive makes IsLoaded ignore the dummy file.
	Unresponsive bool
	LoadErr      error

	mu    sync.Mutex
	calls []Call
}

// NewHost creates a host rooted at dir with installed and loose package
// directories underneath.
func NewHost(dir string, reg *module.Registry) *Host {
	return &Host{
		Installed: filepath.Join(dir, "Installed Packages"),
		Packages:  filepath.Join(dir, "Packages"),
		Runtime:   "3.8.0",
		Ext:       ".lua",
		Registry:  reg,
	}
}

// InstalledPackagesPath implements reload.Host.
func (h *Host) InstalledPackagesPath() string { return h.Installed }

// PackagesPath implements reload.Host.
func (h *Host) PackagesPath() string { return h.Packages }

// Version implements reload.Host.
func (h *Host) Version() string { return h.Runtime }

// SourceExt implements reload.Host.
func (h *Host) SourceExt() string { return h.Ext }

// UnloadModule implements reload.Host.
func (h *Host) UnloadModule(_ context.Context, m module.Module) error {
	h.record("unload", m.Name())
	return nil
}

// LoadModule implements reload.Host.
func (h *Host) LoadModule(_ context.Context, m module.Module) error {
	h.record("load", m.Name())
	return h.LoadErr
}

// IsLoaded implements reload.Host.
func (h *Host) IsLoaded(name string) bool {
	if h.Registry != nil && h.Registry.Has(name) {
		return true
	}
	if h.Unresponsive {
		return false
	}
	for _, path := range h.dummyPaths(name) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

func (h *Host) dummyPaths(name string) []string {
	switch name {
	case "User._dummy":
		return []string{filepath.Join(h.Packages, "User", "_dummy"+h.Ext)}
	case "_dummy":
		return []string{filepath.Join(h.Packages, "_dummy"+h.Ext)}
	default:
		return nil
	}
}

// Calls returns the recorded hook invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

func (h *Host) record(hook, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Hook: hook, Module: name})
}

// Settings is a map-backed package settings reader.
type Settings map[string]map[string][]string

// Strings implements reload.Settings.
func (s Settings) Strings(pkg, key string, def []string) []string {
	if v, ok := s[pkg][key]; ok {
		return v
	}
	return def
}

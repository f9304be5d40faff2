// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package reload re-imports a package and everything that depends on it,
// driving the host's plugin lifecycle around a transactional reload.
package reload

import (
	"context"

	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/internal/module"
)

// Host is the plugin host surface the reloader drives.
type Host interface {
	// InstalledPackagesPath is the directory holding archived packages.
	InstalledPackagesPath() string

	// PackagesPath is the directory holding loose package directories.
	PackagesPath() string

	// UnloadModule tells the host to drop a plugin module's registrations.
	UnloadModule(ctx context.Context, m module.Module) error

	// LoadModule tells the host to register a plugin module.
	LoadModule(ctx context.Context, m module.Module) error

	// Version is the host runtime version, e.g. "3.8.12".
	Version() string

	// SourceExt is the extension of module source files, e.g. ".lua".
	SourceExt() string

	// IsLoaded reports whether the host currently has the named module loaded.
	IsLoaded(name string) bool
}

// Settings reads per-package configuration values.
type Settings interface {
	Strings(pkg, key string, def []string) []string
}

// Settings keys read by the reloader.
const (
	KeyDependencies = "dependencies"
	KeyExclude      = "exclude"
)

type noSettings struct{}

func (noSettings) Strings(_, _ string, def []string) []string { return def }

func rootsOf(h Host) discovery.Roots {
	return discovery.Roots{
		Installed: h.InstalledPackagesPath(),
		Packages:  h.PackagesPath(),
		SourceExt: h.SourceExt(),
	}
}

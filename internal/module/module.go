// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package module defines the live module registry shared by the host and the
// reloader, along with the contracts used to introspect and re-execute modules.
package module

import (
	"context"
	"strings"
)

// Module is a loaded module as seen by the reloader.
//
// Implementations are owned by the host's import machinery. The reloader only
// reads them, removes them from a Registry and installs replacements.
type Module interface {
	// Name returns the dotted module name, e.g. "demo.util.helpers".
	Name() string

	// File returns the module's single source file, if it has one.
	File() (string, bool)

	// Paths returns the search-path roots of a package module.
	// Plain modules return false.
	Paths() ([]string, bool)

	// Namespace returns the module's defined attributes. An error means the
	// namespace cannot be introspected; callers treat that as empty.
	Namespace() (map[string]any, error)
}

// Owned is implemented by namespace values that belong to a module, such as
// functions, tables or explicit references.
type Owned interface {
	ModuleName() string
}

// Ref is a namespace value pointing at another module by name.
type Ref struct {
	Module string
}

// ModuleName implements Owned.
func (r Ref) ModuleName() string {
	return r.Module
}

// ReferencedModule reports the module a namespace value refers to.
// Modules refer to themselves; Owned values refer to their owner.
func ReferencedModule(v any) (string, bool) {
	switch val := v.(type) {
	case Module:
		return val.Name(), true
	case Owned:
		name := val.ModuleName()
		return name, name != ""
	default:
		return "", false
	}
}

// Loader executes module source. Each call produces a fresh module object;
// nested imports performed while executing go through imp.
type Loader interface {
	Exec(ctx context.Context, name string, imp Importer) (Module, error)
}

// Importer resolves a module by name, executing it when needed.
type Importer interface {
	Import(ctx context.Context, name string) (Module, error)
}

// TopLevel returns the first segment of a dotted name.
func TopLevel(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// Segments splits a dotted name into its path segments.
func Segments(name string) []string {
	return strings.Split(name, ".")
}

// Parent returns the enclosing package of a dotted name, or "" for a
// top-level name.
func Parent(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return ""
}

// CompareNames orders dotted names by their segments, so "a" < "a.b" < "a.c"
// and "a.b" < "a.b.c" < "ab".
func CompareNames(a, b string) int {
	as, bs := Segments(a), Segments(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package discovery classifies loaded modules by the package roots their
// source lives under.
package discovery

import (
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/holomush/reloader/internal/module"
)

// ArchiveExt is the file extension of an installed (archived) package.
const ArchiveExt = ".zip"

// PackageRoot holds the locations a package's files may live in. File is
// the single source file of a package placed directly in the packages
// directory; it is empty when the source extension is unknown.
type PackageRoot struct {
	Package string
	Archive string
	Dir     string
	File    string
}

// Bases returns the package roots in match order.
func (r PackageRoot) Bases() []string {
	if r.File == "" {
		return []string{r.Archive, r.Dir}
	}
	return []string{r.Archive, r.Dir, r.File}
}

// Roots derives package roots from the host's installed and loose package
// directories. SourceExt enables single-file packages.
type Roots struct {
	Installed string
	Packages  string
	SourceExt string
}

// For returns the roots of a single package.
func (r Roots) For(pkg string) PackageRoot {
	root := PackageRoot{
		Package: pkg,
		Archive: filepath.Join(r.Installed, pkg+ArchiveExt),
		Dir:     filepath.Join(r.Packages, pkg),
	}
	if r.SourceExt != "" {
		root.File = filepath.Join(r.Packages, pkg+r.SourceExt)
	}
	return root
}

// Classification is a loaded module and whether it sits directly in a
// package root, which makes it a plugin the host must be told about.
type Classification struct {
	Module   module.Module
	IsPlugin bool
}

// Match is the base a module path fell under. File is set when Path is the
// module's single source file rather than one of its search-path roots.
type Match struct {
	Base string
	Path string
	File bool
}

// PackageModules yields every module in reg that lives under the roots of
// pkgs. The sequence takes a registry snapshot each time it is ranged over.
func PackageModules(reg *module.Registry, roots Roots, pkgs []string) iter.Seq[Classification] {
	var bases []string
	seen := make(map[string]bool, len(pkgs))
	for _, pkg := range pkgs {
		if seen[pkg] {
			continue
		}
		seen[pkg] = true
		bases = append(bases, roots.For(pkg).Bases()...)
	}

	return func(yield func(Classification) bool) {
		for _, m := range reg.Modules() {
			match, ok := FirstMatch(m, bases)
			if !ok {
				continue
			}
			c := Classification{
				Module:   m,
				IsPlugin: match.Plugin(),
			}
			if !yield(c) {
				return
			}
		}
	}
}

// FirstMatch returns the first base that one of m's paths falls under.
// The single source file is checked before the search-path roots.
func FirstMatch(m module.Module, bases []string) (Match, bool) {
	if file, ok := m.File(); ok {
		if base, ok := firstBase(file, bases); ok {
			return Match{Base: base, Path: file, File: true}, true
		}
	}
	if roots, ok := m.Paths(); ok {
		for _, root := range roots {
			if base, ok := firstBase(root, bases); ok {
				return Match{Base: base, Path: root}, true
			}
		}
	}
	return Match{}, false
}

// Plugin reports whether the match makes its module a plugin: its source
// file sits directly in a package root or is the package itself.
func (m Match) Plugin() bool {
	return m.File && (m.Path == m.Base || filepath.Dir(m.Path) == m.Base)
}

func firstBase(path string, bases []string) (string, bool) {
	if path == "" {
		return "", false
	}
	for _, base := range bases {
		if Under(path, base) {
			return base, true
		}
	}
	return "", false
}

// Under reports whether path equals base or lies beneath it on a separator
// boundary, so "foopkg" is not under "foo".
func Under(path, base string) bool {
	return path == base || strings.HasPrefix(path, base+string(os.PathSeparator))
}

// Sort orders classifications by the segments of their dotted names, so a
// package precedes its submodules.
func Sort(cs []Classification) {
	slices.SortStableFunc(cs, func(a, b Classification) int {
		return module.CompareNames(a.Module.Name(), b.Module.Name())
	})
}

// Collect gathers and sorts a discovery sequence.
func Collect(seq iter.Seq[Classification]) []Classification {
	cs := slices.Collect(seq)
	Sort(cs)
	return cs
}

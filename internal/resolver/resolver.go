// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package resolver computes which loaded packages depend on another package
// by walking references between live modules.
package resolver

import (
	"log/slog"
	"slices"

	"github.com/holomush/reloader/internal/module"
)

// Index maps a package to the set of other packages whose modules reference it.
type Index map[string]map[string]struct{}

// Graph builds the reverse-reference index over every module in reg.
//
// A package P is recorded as referencing package Q when some module owned by P
// holds, in its namespace, a module owned by Q or a value owned by one.
// Ownership is decided by the top-level segment of the dotted name.
// Modules whose namespace cannot be read contribute nothing.
func Graph(reg *module.Registry) Index {
	index := make(Index)
	for _, m := range reg.Modules() {
		owner := module.TopLevel(m.Name())

		ns, err := m.Namespace()
		if err != nil {
			slog.Debug("skipping module without readable namespace",
				"module", m.Name(),
				"error", err)
			continue
		}

		for _, v := range ns {
			ref, ok := module.ReferencedModule(v)
			if !ok {
				continue
			}
			target := module.TopLevel(ref)
			if target == owner {
				continue
			}
			if index[target] == nil {
				index[target] = make(map[string]struct{})
			}
			index[target][owner] = struct{}{}
		}
	}
	return index
}

// Dependents returns the packages that reach pkg through the index, excluding
// pkg itself.
func (idx Index) Dependents(pkg string) map[string]struct{} {
	parents := make(map[string]struct{})
	seen := map[string]bool{pkg: true}
	queue := []string{pkg}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for referrer := range idx[current] {
			if seen[referrer] {
				continue
			}
			seen[referrer] = true
			parents[referrer] = struct{}{}
			queue = append(queue, referrer)
		}
	}
	return parents
}

// ResolveParents returns every other loaded package whose modules reference,
// directly or transitively, a module of pkg. The result may over-approximate:
// any reference to a foreign module counts, even an incidental re-export.
func ResolveParents(reg *module.Registry, pkg string) map[string]struct{} {
	return Graph(reg).Dependents(pkg)
}

// ResolveAll unions ResolveParents over pkgs using a single index. Packages
// listed in pkgs are not excluded from each other's results.
func ResolveAll(reg *module.Registry, pkgs []string) map[string]struct{} {
	idx := Graph(reg)
	all := make(map[string]struct{})
	for _, pkg := range pkgs {
		for parent := range idx.Dependents(pkg) {
			all[parent] = struct{}{}
		}
	}
	return all
}

// Sorted returns the members of a package set in lexical order.
func Sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

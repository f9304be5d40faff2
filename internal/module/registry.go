// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package module

import (
	"slices"
	"sync"
)

// Registry is the live module table keyed by dotted name.
//
// Registry is safe for concurrent use. The zero value is ready to use.
// Reads are always consistent, but callers that mutate overlapping entries
// must serialize themselves.
type Registry struct {
	modules map[string]Module
	mu      sync.RWMutex
}

// NewRegistry creates a registry seeded with the given modules.
func NewRegistry(mods ...Module) *Registry {
	r := &Registry{modules: make(map[string]Module, len(mods))}
	for _, m := range mods {
		r.modules[m.Name()] = m
	}
	return r
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Set installs m under its own name, replacing any previous entry.
func (r *Registry) Set(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modules == nil {
		r.modules = make(map[string]Module)
	}
	r.modules[m.Name()] = m
}

// Delete removes name from the registry. Deleting an unknown name is a no-op.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Names returns the registered names sorted by dotted segments.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.SortFunc(names, CompareNames)
	return names
}

// Modules returns a snapshot of the registered modules sorted by name.
// The snapshot does not observe later mutations.
func (r *Registry) Modules() []Module {
	r.mu.RLock()
	mods := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		mods = append(mods, m)
	}
	r.mu.RUnlock()

	slices.SortFunc(mods, func(a, b Module) int {
		return CompareNames(a.Name(), b.Name())
	})
	return mods
}

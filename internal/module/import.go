// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package module

import (
	"context"

	"github.com/samber/oops"
)

// CachedImporter is the host's ordinary import path: registered modules are
// returned as-is and missing ones are executed once and registered.
//
// CachedImporter is not safe for concurrent use; the host serializes imports.
type CachedImporter struct {
	registry *Registry
	loader   Loader
	inflight map[string]bool
}

// NewCachedImporter creates an importer over reg that executes missing
// modules with loader.
func NewCachedImporter(reg *Registry, loader Loader) *CachedImporter {
	return &CachedImporter{
		registry: reg,
		loader:   loader,
		inflight: make(map[string]bool),
	}
}

// Import returns the registered module, executing it first if needed.
func (c *CachedImporter) Import(ctx context.Context, name string) (Module, error) {
	if m, ok := c.registry.Get(name); ok {
		return m, nil
	}
	if c.inflight[name] {
		return nil, oops.In("module").Code("IMPORT_CYCLE").With("module", name).Errorf("import cycle through %s", name)
	}

	c.inflight[name] = true
	defer delete(c.inflight, name)

	m, err := c.loader.Exec(ctx, name, c)
	if err != nil {
		return nil, err
	}
	c.registry.Set(m)
	return m, nil
}

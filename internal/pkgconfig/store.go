// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgconfig

import (
	"archive/zip"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/pkg/errutil"
)

// Store reads package manifests from loose package directories and
// installed archives, caching each one until it is invalidated.
type Store struct {
	roots discovery.Roots

	mu    sync.Mutex
	cache map[string]*Manifest
}

// NewStore creates a store over the given package roots.
func NewStore(roots discovery.Roots) *Store {
	return &Store{
		roots: roots,
		cache: make(map[string]*Manifest),
	}
}

// Manifest returns the manifest of pkg. A package without a manifest has an
// empty one. The loose directory wins over the installed archive.
func (s *Store) Manifest(pkg string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.cache[pkg]; ok {
		return m, nil
	}

	data, err := s.read(pkg)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if data != nil {
		if err := ValidateSchema(data); err != nil {
			return nil, oops.With("package", pkg).Wrap(err)
		}
		if m, err = ParseManifest(data); err != nil {
			return nil, oops.With("package", pkg).Wrap(err)
		}
	}
	s.cache[pkg] = m
	return m, nil
}

// Strings implements reload.Settings. Invalid manifests are logged and
// treated as empty.
func (s *Store) Strings(pkg, key string, def []string) []string {
	m, err := s.Manifest(pkg)
	if err != nil {
		errutil.LogError(slog.Default(), "ignoring package manifest", err)
		return def
	}
	if v, ok := m.Strings(key); ok {
		return v
	}
	return def
}

// Invalidate drops the cached manifest of pkg.
func (s *Store) Invalidate(pkg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, pkg)
}

func (s *Store) read(pkg string) ([]byte, error) {
	root := s.roots.For(pkg)

	path := filepath.Join(root.Dir, FileName)
	data, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		return data, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, oops.In("pkgconfig").With("path", path).Hint("failed to read manifest").Wrap(err)
	}

	return readArchive(root.Archive)
}

func readArchive(archive string) ([]byte, error) {
	zr, err := zip.OpenReader(archive)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("pkgconfig").With("archive", archive).Hint("failed to open package archive").Wrap(err)
	}
	defer func() {
		if cerr := zr.Close(); cerr != nil {
			slog.Debug("closing package archive", "archive", archive, "error", cerr)
		}
	}()

	f, err := zr.Open(FileName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("pkgconfig").With("archive", archive).Wrap(err)
	}
	defer f.Close() //nolint:errcheck // read-only

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, oops.In("pkgconfig").With("archive", archive).Hint("failed to read manifest").Wrap(err)
	}
	return data, nil
}

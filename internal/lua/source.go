// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"archive/zip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/internal/module"
)

// SourceExt is the extension of Lua source files.
const SourceExt = ".lua"

// initFile makes a directory a package with its own source.
const initFile = "init" + SourceExt

// source is what a dotted module name resolves to on disk. Code is nil for
// namespace packages, which have search paths but nothing to execute.
type source struct {
	file  string
	paths []string
	code  []byte
}

// resolve finds the source of name. The loose package directory is searched
// before the installed archive. A single-segment name with no package
// directory may be a source file directly in the packages directory.
func resolve(roots discovery.Roots, name string) (source, error) {
	pkg := module.TopLevel(name)
	rel := module.Segments(name)[1:]
	root := roots.For(pkg)

	if src, ok, err := resolveDir(root.Dir, rel); ok || err != nil {
		return src, err
	}
	if src, ok, err := resolveArchive(root.Archive, rel); ok || err != nil {
		return src, err
	}
	if len(rel) == 0 {
		file := filepath.Join(roots.Packages, pkg+SourceExt)
		if code, err := readFile(file); err == nil {
			return source{file: file, code: code}, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return source{}, err
		}
	}
	return source{}, oops.In("lua").Code("MODULE_NOT_FOUND").With("module", name).Errorf("module %s not found", name)
}

func resolveDir(dir string, rel []string) (source, bool, error) {
	base := filepath.Join(append([]string{dir}, rel...)...)

	if len(rel) > 0 {
		file := base + SourceExt
		code, err := readFile(file)
		if err == nil {
			return source{file: file, code: code}, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return source{}, false, err
		}
	}

	info, err := os.Stat(base)
	if err != nil || !info.IsDir() {
		return source{}, false, nil
	}
	src := source{paths: []string{base}}
	initPath := filepath.Join(base, initFile)
	code, err := readFile(initPath)
	switch {
	case err == nil:
		src.file, src.code = initPath, code
	case !errors.Is(err, fs.ErrNotExist):
		return source{}, false, err
	}
	return src, true, nil
}

func resolveArchive(archive string, rel []string) (source, bool, error) {
	zr, err := zip.OpenReader(archive)
	if errors.Is(err, fs.ErrNotExist) {
		return source{}, false, nil
	}
	if err != nil {
		return source{}, false, oops.In("lua").With("archive", archive).Hint("failed to open package archive").Wrap(err)
	}
	defer zr.Close() //nolint:errcheck // read-only

	entry := path.Join(rel...)
	if len(rel) > 0 {
		code, err := readEntry(zr, entry+SourceExt)
		if err == nil {
			return source{file: archivePath(archive, entry+SourceExt), code: code}, true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return source{}, false, oops.In("lua").With("archive", archive).Wrap(err)
		}
		if !hasDir(zr, entry) {
			return source{}, false, nil
		}
	}

	src := source{paths: []string{archivePath(archive, entry)}}
	initPath := path.Join(entry, initFile)
	code, err := readEntry(zr, initPath)
	switch {
	case err == nil:
		src.file, src.code = archivePath(archive, initPath), code
	case !errors.Is(err, fs.ErrNotExist):
		return source{}, false, oops.In("lua").With("archive", archive).Wrap(err)
	}
	return src, true, nil
}

// archivePath names an archive entry as a path beneath the archive file, so
// it falls under the archive's package root.
func archivePath(archive, entry string) string {
	if entry == "" || entry == "." {
		return archive
	}
	return filepath.Join(archive, filepath.FromSlash(entry))
}

func hasDir(zr *zip.ReadCloser, dir string) bool {
	prefix := dir + "/"
	return slices.ContainsFunc(zr.File, func(f *zip.File) bool {
		return strings.HasPrefix(f.Name, prefix)
	})
}

func readEntry(zr *zip.ReadCloser, name string) ([]byte, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, err //nolint:wrapcheck // callers test for fs.ErrNotExist
	}
	defer f.Close() //nolint:errcheck // read-only
	return io.ReadAll(f)
}

func readFile(path string) ([]byte, error) {
	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, oops.In("lua").With("path", path).Hint("failed to read source").Wrap(err)
	}
	return code, err //nolint:wrapcheck // fs.ErrNotExist is tested by callers
}

// topLevelPlugins lists the plugin module names of pkg: source files
// directly in its directory, or else at the top of its archive.
func topLevelPlugins(roots discovery.Roots, pkg string) ([]string, error) {
	root := roots.For(pkg)
	var names []string

	entries, err := os.ReadDir(root.Dir)
	switch {
	case err == nil:
		for _, e := range entries {
			if n, ok := pluginName(pkg, e.Name(), e.IsDir()); ok {
				names = append(names, n)
			}
		}
		slices.SortFunc(names, module.CompareNames)
		return names, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, oops.In("lua").With("path", root.Dir).Wrap(err)
	}

	zr, err := zip.OpenReader(root.Archive)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("lua").With("archive", root.Archive).Wrap(err)
	}
	defer zr.Close() //nolint:errcheck // read-only
	for _, f := range zr.File {
		if strings.Contains(f.Name, "/") {
			continue
		}
		if n, ok := pluginName(pkg, f.Name, false); ok {
			names = append(names, n)
		}
	}
	slices.SortFunc(names, module.CompareNames)
	return names, nil
}

func pluginName(pkg, file string, isDir bool) (string, bool) {
	if isDir || filepath.Ext(file) != SourceExt || file == initFile {
		return "", false
	}
	stem := strings.TrimSuffix(file, SourceExt)
	if stem == "" || strings.Contains(stem, ".") {
		return "", false
	}
	return pkg + "." + stem, true
}

// installedPackages lists packages from both package directories.
func installedPackages(roots discovery.Roots) ([]string, error) {
	seen := make(map[string]bool)
	var pkgs []string
	add := func(name string) {
		if name != "" && !seen[name] && !strings.Contains(name, ".") {
			seen[name] = true
			pkgs = append(pkgs, name)
		}
	}

	for _, dir := range []string{roots.Packages, roots.Installed} {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, oops.In("lua").With("path", dir).Wrap(err)
		}
		for _, e := range entries {
			switch {
			case dir == roots.Packages && e.IsDir():
				add(e.Name())
			case dir == roots.Installed && !e.IsDir() && filepath.Ext(e.Name()) == discovery.ArchiveExt:
				add(strings.TrimSuffix(e.Name(), discovery.ArchiveExt))
			}
		}
	}
	slices.Sort(pkgs)
	return pkgs, nil
}

// rootFiles lists single-file plugins placed directly in the packages
// directory.
func rootFiles(packages string) []string {
	entries, err := os.ReadDir(packages)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != SourceExt || e.Name() == initFile {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), SourceExt)
		if stem == "" || strings.Contains(stem, ".") || strings.HasPrefix(stem, "_") {
			continue
		}
		names = append(names, stem)
	}
	slices.Sort(names)
	return names
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/pkg/errutil"
)

func testRoots(t *testing.T) discovery.Roots {
	t.Helper()
	base := t.TempDir()
	roots := discovery.Roots{
		Installed: filepath.Join(base, "Installed Packages"),
		Packages:  filepath.Join(base, "Packages"),
	}
	require.NoError(t, os.MkdirAll(roots.Installed, 0o750))
	require.NoError(t, os.MkdirAll(roots.Packages, 0o750))
	return roots
}

func writeSource(t *testing.T, path, code string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(code), 0o600))
}

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, code := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(code))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestResolve_LooseDirectory(t *testing.T) {
	roots := testRoots(t)
	demo := filepath.Join(roots.Packages, "demo")
	writeSource(t, filepath.Join(demo, "loader.lua"), "return {}")
	writeSource(t, filepath.Join(demo, "util", "init.lua"), "x = 1")
	require.NoError(t, os.MkdirAll(filepath.Join(demo, "empty"), 0o750))

	src, err := resolve(roots, "demo")
	require.NoError(t, err)
	assert.Empty(t, src.file)
	assert.Nil(t, src.code)
	assert.Equal(t, []string{demo}, src.paths)

	src, err = resolve(roots, "demo.loader")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(demo, "loader.lua"), src.file)
	assert.Equal(t, "return {}", string(src.code))
	assert.Nil(t, src.paths)

	src, err = resolve(roots, "demo.util")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(demo, "util", "init.lua"), src.file)
	assert.Equal(t, []string{filepath.Join(demo, "util")}, src.paths)

	src, err = resolve(roots, "demo.empty")
	require.NoError(t, err)
	assert.Nil(t, src.code)
}

func TestResolve_Archive(t *testing.T) {
	roots := testRoots(t)
	archive := filepath.Join(roots.Installed, "zipped.zip")
	writeArchive(t, archive, map[string]string{
		"main.lua":        "return {}",
		"lib/helpers.lua": "return 1",
	})

	src, err := resolve(roots, "zipped")
	require.NoError(t, err)
	assert.Equal(t, []string{archive}, src.paths)

	src, err = resolve(roots, "zipped.main")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(archive, "main.lua"), src.file)

	src, err = resolve(roots, "zipped.lib")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(archive, "lib")}, src.paths)
	assert.Nil(t, src.code)

	src, err = resolve(roots, "zipped.lib.helpers")
	require.NoError(t, err)
	assert.Equal(t, "return 1", string(src.code))
}

func TestResolve_LooseOverridesArchive(t *testing.T) {
	roots := testRoots(t)
	writeArchive(t, filepath.Join(roots.Installed, "demo.zip"), map[string]string{"main.lua": "return 'zip'"})
	writeSource(t, filepath.Join(roots.Packages, "demo", "main.lua"), "return 'loose'")

	src, err := resolve(roots, "demo.main")
	require.NoError(t, err)
	assert.Equal(t, "return 'loose'", string(src.code))
}

func TestResolve_RootFile(t *testing.T) {
	roots := testRoots(t)
	writeSource(t, filepath.Join(roots.Packages, "_dummy.lua"), "")

	src, err := resolve(roots, "_dummy")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(roots.Packages, "_dummy.lua"), src.file)
	assert.NotNil(t, src.code)
}

func TestResolve_NotFound(t *testing.T) {
	roots := testRoots(t)

	_, err := resolve(roots, "missing.module")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MODULE_NOT_FOUND")
	errutil.AssertErrorContext(t, err, "module", "missing.module")
}

func TestTopLevelPlugins(t *testing.T) {
	roots := testRoots(t)
	demo := filepath.Join(roots.Packages, "demo")
	writeSource(t, filepath.Join(demo, "b.lua"), "")
	writeSource(t, filepath.Join(demo, "a.lua"), "")
	writeSource(t, filepath.Join(demo, "init.lua"), "")
	writeSource(t, filepath.Join(demo, "notes.txt"), "")
	writeSource(t, filepath.Join(demo, "x.y.lua"), "")
	writeSource(t, filepath.Join(demo, "util", "helpers.lua"), "")
	writeArchive(t, filepath.Join(roots.Installed, "zipped.zip"), map[string]string{
		"main.lua":        "",
		"lib/helpers.lua": "",
	})

	names, err := topLevelPlugins(roots, "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo.a", "demo.b"}, names)

	names, err = topLevelPlugins(roots, "zipped")
	require.NoError(t, err)
	assert.Equal(t, []string{"zipped.main"}, names)

	names, err = topLevelPlugins(roots, "absent")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestInstalledPackages(t *testing.T) {
	roots := testRoots(t)
	require.NoError(t, os.MkdirAll(filepath.Join(roots.Packages, "demo"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(roots.Packages, "shared"), 0o750))
	writeArchive(t, filepath.Join(roots.Installed, "shared.zip"), map[string]string{"a.lua": ""})
	writeArchive(t, filepath.Join(roots.Installed, "zipped.zip"), map[string]string{"a.lua": ""})
	writeSource(t, filepath.Join(roots.Installed, "readme.txt"), "")

	pkgs, err := installedPackages(roots)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo", "shared", "zipped"}, pkgs)
}

func TestRootFiles(t *testing.T) {
	roots := testRoots(t)
	writeSource(t, filepath.Join(roots.Packages, "solo.lua"), "")
	writeSource(t, filepath.Join(roots.Packages, "_dummy.lua"), "")
	writeSource(t, filepath.Join(roots.Packages, "init.lua"), "")
	writeSource(t, filepath.Join(roots.Packages, "a.b.lua"), "")

	assert.Equal(t, []string{"solo"}, rootFiles(roots.Packages))
	assert.Empty(t, rootFiles(filepath.Join(roots.Packages, "missing")))
}

func TestPluginFile(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
		ok    bool
	}{
		{[]string{"_dummy.lua"}, "_dummy", true},
		{[]string{"User", "_dummy.lua"}, "User._dummy", true},
		{[]string{"demo", "init.lua"}, "", false},
		{[]string{"demo", "util", "helpers.lua"}, "", false},
		{[]string{"demo"}, "", false},
		{[]string{"notes.txt"}, "", false},
	}
	for _, tt := range tests {
		got, ok := pluginFile(tt.parts)
		assert.Equal(t, tt.ok, ok, "%v", tt.parts)
		assert.Equal(t, tt.want, got, "%v", tt.parts)
	}
}

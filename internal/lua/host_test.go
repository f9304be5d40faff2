// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/reloader/internal/discovery"
	luahost "github.com/holomush/reloader/internal/lua"
	"github.com/holomush/reloader/internal/module"
	"github.com/holomush/reloader/internal/reload"
	"github.com/holomush/reloader/internal/resolver"
	"github.com/holomush/reloader/pkg/errutil"
)

const journalLua = `
local M = { events = {} }
M.commands = {
  events = function() return table.concat(M.events, ",") end,
}
return M
`

const loaderLua = `
local log = require("journal.log")
local helpers = require("demo.util.helpers")

commands = {
  greet = function(name) return helpers.greeting .. ", " .. name end,
}

function plugin_loaded() table.insert(log.events, "loaded:" .. helpers.greeting) end
function plugin_unloaded() table.insert(log.events, "unloaded") end
`

const helpersLua = `
local M = { greeting = "hello" }
function M.shout(s) return string.upper(s) end
return M
`

type env struct {
	roots discovery.Roots
	reg   *module.Registry
	host  *luahost.Host
}

func newEnv(t *testing.T) env {
	t.Helper()
	base := t.TempDir()
	roots := discovery.Roots{
		Installed: filepath.Join(base, "Installed Packages"),
		Packages:  filepath.Join(base, "Packages"),
	}
	require.NoError(t, os.MkdirAll(roots.Installed, 0o750))
	require.NoError(t, os.MkdirAll(roots.Packages, 0o750))

	reg := module.NewRegistry()
	host, err := luahost.NewHost(reg, roots)
	require.NoError(t, err)
	t.Cleanup(host.Close)
	return env{roots: roots, reg: reg, host: host}
}

func (e env) write(t *testing.T, rel, code string) {
	t.Helper()
	path := filepath.Join(e.roots.Packages, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(code), 0o600))
}

// demo writes package demo (one plugin importing a nested helper) and
// package journal (a plugin recording hook calls).
func (e env) demo(t *testing.T) {
	t.Helper()
	e.write(t, "journal/log.lua", journalLua)
	e.write(t, "demo/loader.lua", loaderLua)
	e.write(t, "demo/util/helpers.lua", helpersLua)
}

func writeZip(t *testing.T, path string, files map[string]string) {
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

func run(t *testing.T, h *luahost.Host, cmd string, args ...string) string {
	t.Helper()
	out, err := h.Run(context.Background(), cmd, args...)
	require.NoError(t, err)
	return out
}

func TestHost_Boot(t *testing.T) {
	e := newEnv(t)
	e.demo(t)

	require.NoError(t, e.host.Boot(context.Background()))

	assert.Equal(t, []string{"demo.loader", "journal.log"}, e.host.Plugins())
	assert.Equal(t, []string{"events", "greet"}, e.host.Commands())
	assert.Equal(t, []string{"demo", "demo.loader", "demo.util", "demo.util.helpers", "journal", "journal.log"}, e.reg.Names())
	assert.Equal(t, "hello, bob", run(t, e.host, "greet", "bob"))
	assert.Equal(t, "loaded:hello", run(t, e.host, "events"))
	assert.True(t, e.host.IsLoaded("demo.loader"))
	assert.False(t, e.host.IsLoaded("demo.util.helpers"))
}

func TestHost_ModuleShape(t *testing.T) {
	e := newEnv(t)
	e.demo(t)
	imp := module.NewCachedImporter(e.reg, e.host)

	m, err := imp.Import(context.Background(), "demo.util.helpers")
	require.NoError(t, err)
	file, ok := m.File()
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(e.roots.Packages, "demo", "util", "helpers.lua"), file)
	_, ok = m.Paths()
	assert.False(t, ok)

	pkg, ok := e.reg.Get("demo.util")
	require.True(t, ok, "the enclosing package is imported first")
	_, ok = pkg.File()
	assert.False(t, ok)
	paths, ok := pkg.Paths()
	assert.True(t, ok)
	assert.Equal(t, []string{filepath.Join(e.roots.Packages, "demo", "util")}, paths)
}

func TestHost_NamespaceReferences(t *testing.T) {
	e := newEnv(t)
	e.demo(t)
	e.write(t, "app/main.lua", `
local helpers = require("demo.util.helpers")
shout = helpers.shout
count = 3
`)
	imp := module.NewCachedImporter(e.reg, e.host)

	m, err := imp.Import(context.Background(), "app.main")
	require.NoError(t, err)
	ns, err := m.Namespace()
	require.NoError(t, err)

	ref, ok := module.ReferencedModule(ns["shout"])
	require.True(t, ok)
	assert.Equal(t, "demo.util.helpers", ref)
	assert.InDelta(t, 3.0, ns["count"], 0)

	dep, ok := module.ReferencedModule(ns["demo.util.helpers"])
	require.True(t, ok)
	assert.Equal(t, "demo.util.helpers", dep)
	assert.NotContains(t, ns, "require")

	deps := resolver.ResolveParents(e.reg, "demo")
	assert.Contains(t, deps, "app")
}

func TestHost_RequireMissingModule(t *testing.T) {
	e := newEnv(t)
	e.write(t, "broken/main.lua", `local x = require("nowhere.at_all")`)

	err := e.host.LoadPlugin(context.Background(), "broken.main")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MODULE_NOT_FOUND")
	assert.False(t, e.reg.Has("broken.main"))
}

func TestHost_SyntaxError(t *testing.T) {
	e := newEnv(t)
	e.write(t, "broken/main.lua", `function (`)

	err := e.host.LoadPlugin(context.Background(), "broken.main")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "LUA_ERROR")
	errutil.AssertErrorDomain(t, err, "lua")
	errutil.AssertErrorContext(t, err, "module", "broken.main")
}

func TestHost_Sandbox(t *testing.T) {
	e := newEnv(t)
	e.write(t, "probe/main.lua", `
commands = {
  probe = function()
    return tostring(os) .. "," .. tostring(io) .. "," .. tostring(dofile)
  end,
}
`)
	require.NoError(t, e.host.LoadPlugin(context.Background(), "probe.main"))

	assert.Equal(t, "nil,nil,nil", run(t, e.host, "probe"))
}

func TestHost_HookFailure(t *testing.T) {
	e := newEnv(t)
	e.write(t, "bad/main.lua", `function plugin_loaded() error("nope") end`)

	err := e.host.LoadPlugin(context.Background(), "bad.main")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "HOOK_FAILED")
	errutil.AssertErrorContext(t, err, "hook", luahost.HookLoaded)
}

func TestHost_RunUnknownCommand(t *testing.T) {
	e := newEnv(t)

	_, err := e.host.Run(context.Background(), "missing")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "COMMAND_NOT_FOUND")
}

func TestHost_Archive(t *testing.T) {
	e := newEnv(t)
	writeZip(t, filepath.Join(e.roots.Installed, "zipped.zip"), map[string]string{
		"main.lua":        `local lib = require("zipped.lib.words") commands = { word = function() return lib.word end }`,
		"lib/words.lua":   `return { word = "zip" }`,
		"lib/unused.lua":  `error("never executed")`,
		"docs/readme.txt": "",
	})

	require.NoError(t, e.host.Boot(context.Background()))

	assert.Equal(t, []string{"zipped.main"}, e.host.Plugins())
	assert.Equal(t, "zip", run(t, e.host, "word"))
}

func TestHost_UnloadPlugin(t *testing.T) {
	e := newEnv(t)
	e.demo(t)
	require.NoError(t, e.host.Boot(context.Background()))

	require.NoError(t, e.host.UnloadPlugin(context.Background(), "demo.loader"))

	assert.False(t, e.host.IsLoaded("demo.loader"))
	assert.False(t, e.reg.Has("demo.loader"))
	assert.NotContains(t, e.host.Commands(), "greet")
	assert.Equal(t, "loaded:hello,unloaded", run(t, e.host, "events"))
}

func TestHost_Closed(t *testing.T) {
	e := newEnv(t)
	e.host.Close()

	err := e.host.LoadPlugin(context.Background(), "anything")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "HOST_CLOSED")
}

func TestHost_ReloadPackage(t *testing.T) {
	e := newEnv(t)
	e.demo(t)
	ctx := context.Background()
	require.NoError(t, e.host.Boot(ctx))
	oldHelpers, _ := e.reg.Get("demo.util.helpers")
	oldJournal, _ := e.reg.Get("journal.log")

	e.write(t, "demo/util/helpers.lua", `return { greeting = "howdy" }`)
	r := reload.New(e.reg, e.host, e.host)
	require.NoError(t, r.ReloadPackage(ctx, "demo", reload.WithDummy(false), reload.WithVerbose(false)))

	assert.Equal(t, "howdy, bob", run(t, e.host, "greet", "bob"))
	assert.Equal(t, "loaded:hello,unloaded,loaded:howdy", run(t, e.host, "events"))

	newHelpers, _ := e.reg.Get("demo.util.helpers")
	assert.NotSame(t, oldHelpers, newHelpers)
	newJournal, _ := e.reg.Get("journal.log")
	assert.Same(t, oldJournal, newJournal, "journal does not depend on demo")
}

func TestHost_ReloadDependency(t *testing.T) {
	e := newEnv(t)
	e.demo(t)
	ctx := context.Background()
	require.NoError(t, e.host.Boot(ctx))
	oldLoader, _ := e.reg.Get("demo.loader")

	r := reload.New(e.reg, e.host, e.host)
	require.NoError(t, r.ReloadPackage(ctx, "journal", reload.WithDummy(false), reload.WithVerbose(false)))

	newLoader, _ := e.reg.Get("demo.loader")
	assert.NotSame(t, oldLoader, newLoader, "demo references journal and is reloaded with it")
	// The journal was re-executed, so the event log starts over.
	assert.Equal(t, "loaded:hello", run(t, e.host, "events"))
}

func TestHost_ReloadFailureKeepsOldCode(t *testing.T) {
	e := newEnv(t)
	e.demo(t)
	ctx := context.Background()
	require.NoError(t, e.host.Boot(ctx))
	before := e.reg.Modules()

	e.write(t, "demo/util/helpers.lua", `return {`)
	r := reload.New(e.reg, e.host, e.host)
	err := r.ReloadPackage(ctx, "demo", reload.WithDummy(false), reload.WithVerbose(false))
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "package", "demo")

	after := e.reg.Modules()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Same(t, before[i], after[i], "%s must be the original object", before[i].Name())
	}
	assert.True(t, e.host.IsLoaded("demo.loader"))
	assert.Equal(t, "hello, bob", run(t, e.host, "greet", "bob"))
	assert.Equal(t, "loaded:hello,unloaded,loaded:hello", run(t, e.host, "events"))
}

func TestHost_ReloadRootFilePackage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.write(t, "hello.lua", `commands = { hi = function() return "v1" end }`)
	require.NoError(t, e.host.Boot(ctx))
	require.Equal(t, "v1", run(t, e.host, "hi"))

	e.write(t, "hello.lua", `commands = { hi = function() return "v2" end }`)
	r := reload.New(e.reg, e.host, e.host)
	plan := r.Plan("hello")
	require.Len(t, plan.Plugins, 1)
	assert.Equal(t, "hello", plan.Plugins[0].Name())

	require.NoError(t, r.ReloadPackage(ctx, "hello", reload.WithDummy(false), reload.WithVerbose(false)))
	assert.Equal(t, "v2", run(t, e.host, "hi"))
	assert.True(t, e.host.IsLoaded("hello"))
}

// startWatch starts h's plugin watch and stops it when the test ends.
func startWatch(t *testing.T, h *luahost.Host) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh, err := h.StartWatch(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return ctx
}

func TestHost_StartWatchLoadsPluginsAddedAfterBoot(t *testing.T) {
	e := newEnv(t)
	e.demo(t)
	require.NoError(t, e.host.Boot(context.Background()))

	e.write(t, "extra/main.lua", `commands = { extra = function() return "extra" end }`)
	e.write(t, "hello.lua", `commands = { hi = function() return "hi" end }`)
	startWatch(t, e.host)

	assert.Equal(t, []string{"demo.loader", "extra.main", "hello", "journal.log"}, e.host.Plugins())
	assert.Equal(t, "extra", run(t, e.host, "extra"))
	assert.Equal(t, "hi", run(t, e.host, "hi"))
	// Plugins loaded at boot keep their hooks to a single call.
	assert.Equal(t, "loaded:hello", run(t, e.host, "events"))
}

func TestHost_WatchLoadsDummy(t *testing.T) {
	e := newEnv(t)
	ctx := startWatch(t, e.host)

	opts := reload.RefreshOptions{Interval: 10 * time.Millisecond, MaxTries: 300, Timeout: 5 * time.Second}
	handle := reload.StartRefresh(ctx, e.host, opts, nil, nil)

	assert.True(t, handle.Wait(ctx), "outcome %q", handle.Outcome())
	assert.Equal(t, "User._dummy", handle.Layout().Module)
	assert.False(t, e.host.IsLoaded("User._dummy"))
	assert.NoFileExists(t, handle.Layout().Path)
}

func TestHost_WatchLegacyDummy(t *testing.T) {
	e := newEnv(t)
	host, err := luahost.NewHost(e.reg, e.roots, luahost.WithVersion("3.3.0"))
	require.NoError(t, err)
	t.Cleanup(host.Close)

	ctx := startWatch(t, host)

	opts := reload.RefreshOptions{Interval: 10 * time.Millisecond, MaxTries: 300, Timeout: 5 * time.Second}
	handle := reload.StartRefresh(ctx, host, opts, nil, nil)

	assert.True(t, handle.Wait(ctx), "outcome %q", handle.Outcome())
	assert.Equal(t, "_dummy", handle.Layout().Module)
}

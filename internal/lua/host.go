// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/reloader/internal/discovery"
	"github.com/holomush/reloader/internal/module"
	"github.com/holomush/reloader/internal/reload"
)

// Hook and export names a plugin module may define.
const (
	HookLoaded   = "plugin_loaded"
	HookUnloaded = "plugin_unloaded"
	ExportCmds   = "commands"
)

// DefaultVersion is the runtime version reported when none is configured.
const DefaultVersion = "3.8.0"

// Compile-time interface checks.
var (
	_ module.Loader = (*Host)(nil)
	_ reload.Host   = (*Host)(nil)
)

type stateKey struct{}

type command struct {
	module string
	fn     *lua.LFunction
}

// Host runs Lua plugin packages in one sandboxed state.
//
// Top-level executions, hooks and commands are serialized; a module
// executing may require others re-entrantly on the same state.
type Host struct {
	roots    discovery.Roots
	version  string
	registry *module.Registry
	importer *module.CachedImporter
	libs     []library

	mu     sync.Mutex
	L      *lua.LState
	owners *owners
	active context.Context
	closed bool

	pluginMu sync.RWMutex
	commands map[string]command
	plugins  map[string]bool
}

// Option configures a Host.
type Option func(*Host)

// WithVersion sets the runtime version the host reports.
func WithVersion(v string) Option {
	return func(h *Host) {
		h.version = v
	}
}

// NewHost creates a host over reg for packages under roots.
func NewHost(reg *module.Registry, roots discovery.Roots, opts ...Option) (*Host, error) {
	roots.SourceExt = SourceExt
	h := &Host{
		roots:    roots,
		version:  DefaultVersion,
		registry: reg,
		libs:     safeLibraries,
		owners:   newOwners(),
		commands: make(map[string]command),
		plugins:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.importer = module.NewCachedImporter(reg, h)

	L, err := newState(h.libs)
	if err != nil {
		return nil, err
	}
	h.L = L
	return h, nil
}

// Registry returns the module registry the host imports into.
func (h *Host) Registry() *module.Registry { return h.registry }

// InstalledPackagesPath implements reload.Host.
func (h *Host) InstalledPackagesPath() string { return h.roots.Installed }

// PackagesPath implements reload.Host.
func (h *Host) PackagesPath() string { return h.roots.Packages }

// Version implements reload.Host.
func (h *Host) Version() string { return h.version }

// SourceExt implements reload.Host.
func (h *Host) SourceExt() string { return SourceExt }

// IsLoaded implements reload.Host. A plugin is loaded between its load and
// unload hooks.
func (h *Host) IsLoaded(name string) bool {
	h.pluginMu.RLock()
	defer h.pluginMu.RUnlock()
	return h.plugins[name]
}

// Plugins returns the loaded plugin names in order.
func (h *Host) Plugins() []string {
	h.pluginMu.RLock()
	defer h.pluginMu.RUnlock()
	return slices.SortedFunc(maps.Keys(h.plugins), module.CompareNames)
}

// Commands returns the registered command names in order.
func (h *Host) Commands() []string {
	h.pluginMu.RLock()
	defer h.pluginMu.RUnlock()
	return slices.Sorted(maps.Keys(h.commands))
}

// Exec implements module.Loader. The enclosing package is imported first
// and recorded in the namespace. Namespace packages produce a module with
// search paths and nothing executed.
func (h *Host) Exec(ctx context.Context, name string, imp module.Importer) (module.Module, error) {
	var m *Module
	err := h.withState(ctx, func(ctx context.Context) error {
		required := make(map[string]module.Module)
		if parent := module.Parent(name); parent != "" {
			pm, err := imp.Import(ctx, parent)
			if err != nil {
				return err
			}
			required[parent] = pm
		}

		src, err := resolve(h.roots, name)
		if err != nil {
			return err
		}
		if src.code == nil {
			ns := make(map[string]any, len(required))
			for k, v := range required {
				ns[k] = v
			}
			m = &Module{name: name, paths: src.paths, namespace: ns}
			return nil
		}

		m, err = h.execute(ctx, name, src, imp, required)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// frame is one module execution. Requires made while it runs go through
// imp; later (lazy) requires go through the host's own importer.
type frame struct {
	ctx      context.Context
	imp      module.Importer
	required map[string]module.Module
	err      error
	done     bool
}

func (h *Host) execute(ctx context.Context, name string, src source, imp module.Importer, required map[string]module.Module) (*Module, error) {
	L := h.L

	env := L.NewTable()
	meta := L.NewTable()
	meta.RawSetString("__index", L.Get(lua.GlobalsIndex))
	L.SetMetatable(env, meta)

	fr := &frame{ctx: ctx, imp: imp, required: required}
	env.RawSetString("_NAME", lua.LString(name))
	env.RawSetString("require", L.NewFunction(h.requireFunc(fr)))

	fn, err := L.Load(bytes.NewReader(src.code), src.file)
	if err != nil {
		return nil, oops.In("lua").Code("LUA_ERROR").With("module", name).With("path", src.file).Hint("syntax error").Wrap(err)
	}
	fn.Env = env

	L.Push(fn)
	callErr := L.PCall(0, 1, nil)
	fr.done = true
	if callErr != nil {
		if fr.err != nil {
			return nil, oops.In("lua").With("module", name).Wrap(fr.err)
		}
		return nil, oops.In("lua").Code("LUA_ERROR").With("module", name).With("path", src.file).Wrap(callErr)
	}
	ret := L.Get(-1)
	L.Pop(1)

	m := &Module{
		name:    name,
		file:    src.file,
		paths:   src.paths,
		env:     env,
		exports: ret,
	}
	if ret == lua.LNil {
		m.exports = env
	}

	tables := []*lua.LTable{env}
	if t, ok := m.exports.(*lua.LTable); ok && t != env {
		tables = append(tables, t)
	}
	h.owners.add(name, tables...)
	m.namespace = h.owners.capture(m, fr.required)
	return m, nil
}

func (h *Host) requireFunc(fr *frame) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)

		imp, ctx := fr.imp, fr.ctx
		if fr.done {
			imp, ctx = h.importer, h.active
		}

		m, err := imp.Import(ctx, name)
		if err != nil {
			if !fr.done && fr.err == nil {
				fr.err = err
			}
			L.RaiseError("require %s: %s", name, err.Error())
			return 0
		}
		if !fr.done {
			fr.required[name] = m
		}
		L.Push(exportsOf(m))
		return 1
	}
}

func exportsOf(m module.Module) lua.LValue {
	if lm, ok := m.(*Module); ok && lm.exports != nil {
		return lm.exports
	}
	return lua.LTrue
}

// withState runs fn with exclusive use of the Lua state. Calls made while
// the state is already held by this host reuse it.
func (h *Host) withState(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(stateKey{}) == h {
		return fn(ctx)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return oops.In("lua").Code("HOST_CLOSED").New("host is closed")
	}

	ctx = context.WithValue(ctx, stateKey{}, h)
	h.active = ctx
	h.L.SetContext(ctx)
	defer func() {
		h.L.RemoveContext()
		h.active = nil
	}()
	return fn(ctx)
}

// UnloadModule implements reload.Host: it runs the plugin's unload hook
// and drops its commands.
func (h *Host) UnloadModule(ctx context.Context, m module.Module) error {
	lm, ok := m.(*Module)
	if !ok {
		return oops.In("lua").With("module", m.Name()).Errorf("%s is not a Lua module", m.Name())
	}

	err := h.withState(ctx, func(context.Context) error {
		return h.callHook(lm, HookUnloaded)
	})

	h.pluginMu.Lock()
	for name, cmd := range h.commands {
		if cmd.module == lm.name {
			delete(h.commands, name)
		}
	}
	delete(h.plugins, lm.name)
	h.pluginMu.Unlock()

	slog.DebugContext(ctx, "plugin unloaded", "module", lm.name)
	return err
}

// LoadModule implements reload.Host: it registers the plugin's commands
// and runs its load hook.
func (h *Host) LoadModule(ctx context.Context, m module.Module) error {
	lm, ok := m.(*Module)
	if !ok {
		return oops.In("lua").With("module", m.Name()).Errorf("%s is not a Lua module", m.Name())
	}

	return h.withState(ctx, func(ctx context.Context) error {
		cmds := lm.commands()

		h.pluginMu.Lock()
		for name, cmd := range cmds {
			if prev, exists := h.commands[name]; exists && prev.module != lm.name {
				slog.WarnContext(ctx, "command redefined",
					"command", name,
					"module", lm.name,
					"previous", prev.module)
			}
			h.commands[name] = cmd
		}
		h.plugins[lm.name] = true
		h.pluginMu.Unlock()

		slog.DebugContext(ctx, "plugin loaded", "module", lm.name, "commands", len(cmds))
		return h.callHook(lm, HookLoaded)
	})
}

func (h *Host) callHook(m *Module, hook string) error {
	fn, ok := m.lookup(hook).(*lua.LFunction)
	if !ok {
		return nil
	}
	if err := h.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
		return oops.In("lua").Code("HOOK_FAILED").With("module", m.name).With("hook", hook).Wrap(err)
	}
	return nil
}

func (m *Module) commands() map[string]command {
	cmds := make(map[string]command)
	t, ok := m.lookup(ExportCmds).(*lua.LTable)
	if !ok {
		return cmds
	}
	t.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		fn, isFn := v.(*lua.LFunction)
		if ok && isFn {
			cmds[string(name)] = command{module: m.name, fn: fn}
		}
	})
	return cmds
}

// lookup finds key in the module's exports, then its globals.
func (m *Module) lookup(key string) lua.LValue {
	if t, ok := m.exports.(*lua.LTable); ok {
		if v := t.RawGetString(key); v != lua.LNil {
			return v
		}
	}
	if m.env != nil {
		return m.env.RawGetString(key)
	}
	return lua.LNil
}

// Run invokes a registered command with string arguments and returns its
// result as a string.
func (h *Host) Run(ctx context.Context, name string, args ...string) (string, error) {
	h.pluginMu.RLock()
	cmd, ok := h.commands[name]
	h.pluginMu.RUnlock()
	if !ok {
		return "", oops.In("lua").Code("COMMAND_NOT_FOUND").With("command", name).Errorf("unknown command %q", name)
	}

	var out string
	err := h.withState(ctx, func(context.Context) error {
		largs := make([]lua.LValue, len(args))
		for i, a := range args {
			largs[i] = lua.LString(a)
		}
		if err := h.L.CallByParam(lua.P{Fn: cmd.fn, NRet: 1, Protect: true}, largs...); err != nil {
			return oops.In("lua").Code("LUA_ERROR").With("command", name).With("module", cmd.module).Wrap(err)
		}
		ret := h.L.Get(-1)
		h.L.Pop(1)
		if ret != lua.LNil {
			out = h.L.ToStringMeta(ret).String()
		}
		return nil
	})
	return out, err
}

// LoadPlugin imports a plugin through the host's import path and loads it.
func (h *Host) LoadPlugin(ctx context.Context, name string) error {
	return h.withState(ctx, func(ctx context.Context) error {
		m, err := h.importer.Import(ctx, name)
		if err != nil {
			return err
		}
		return h.LoadModule(ctx, m)
	})
}

// UnloadPlugin unloads a plugin and forgets its module.
func (h *Host) UnloadPlugin(ctx context.Context, name string) error {
	return h.withState(ctx, func(ctx context.Context) error {
		m, ok := h.registry.Get(name)
		if !ok {
			return nil
		}
		err := h.UnloadModule(ctx, m)
		h.registry.Delete(name)
		h.owners.drop(name)
		return err
	})
}

// Boot loads every plugin of every package, in package then plugin order,
// plus source files placed directly in the packages directory. Failures
// are logged and joined; the remaining plugins still load.
func (h *Host) Boot(ctx context.Context) error {
	pkgs, err := installedPackages(h.roots)
	if err != nil {
		return err
	}

	var names []string
	for _, pkg := range pkgs {
		plugins, err := topLevelPlugins(h.roots, pkg)
		if err != nil {
			return err
		}
		names = append(names, plugins...)
	}
	names = append(names, rootFiles(h.roots.Packages)...)

	var errs []error
	for _, name := range names {
		if err := h.LoadPlugin(ctx, name); err != nil {
			slog.ErrorContext(ctx, "failed to load plugin", "module", name, "error", err)
			errs = append(errs, err)
		}
	}
	slog.InfoContext(ctx, "host booted",
		"packages", len(pkgs),
		"plugins", len(names)-len(errs))
	return errors.Join(errs...)
}

// Close releases the Lua state. Later calls fail with HOST_CLOSED.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.L.Close()
}

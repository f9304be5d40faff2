// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lua hosts Lua plugin packages: it executes module source, tracks
// plugin lifecycle hooks and commands, and watches the packages directory
// for plugins appearing and disappearing.
package lua

import (
	"log/slog"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

type library struct {
	name string
	fn   lua.LGFunction
}

// Safe: base, table, string, math.
// Blocked: os, io, debug, package (require is provided per module).
var safeLibraries = []library{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Base functions that reach the filesystem.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// newState creates the sandboxed state every module of a host runs in.
func newState(libs []library) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.name).Hint("failed to open library").Wrap(err)
		}
	}

	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("print", L.NewFunction(luaPrint))

	return L, nil
}

// luaPrint routes print to the structured log, tagged with the calling
// module when known.
func luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}

	attrs := []any{"output", strings.Join(parts, "\t")}
	if dbg, ok := L.GetStack(1); ok {
		if _, err := L.GetInfo("S", dbg, lua.LNil); err == nil {
			attrs = append(attrs, "source", dbg.Source)
		}
	}
	slog.Info("lua print", attrs...)
	return 0
}

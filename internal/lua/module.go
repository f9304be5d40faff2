// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/reloader/internal/module"
)

// Module is an executed Lua module. Its namespace is captured when the
// chunk finishes: the globals it defined, the fields of the value it
// returned and the modules it required.
type Module struct {
	name      string
	file      string
	paths     []string
	env       *lua.LTable
	exports   lua.LValue
	namespace map[string]any
}

var _ module.Module = (*Module)(nil)

// Name implements module.Module.
func (m *Module) Name() string { return m.name }

// File implements module.Module.
func (m *Module) File() (string, bool) { return m.file, m.file != "" }

// Paths implements module.Module.
func (m *Module) Paths() ([]string, bool) { return m.paths, m.paths != nil }

// Namespace implements module.Module.
func (m *Module) Namespace() (map[string]any, error) {
	return m.namespace, nil
}

// owners maps Lua tables back to the module that created them: each
// module's global table and exported table. Only the two latest executions
// of a name are kept, enough to survive a rollback.
type owners struct {
	byTable map[*lua.LTable]string
	gens    map[string][][]*lua.LTable
}

const keptGenerations = 2

func newOwners() *owners {
	return &owners{
		byTable: make(map[*lua.LTable]string),
		gens:    make(map[string][][]*lua.LTable),
	}
}

func (o *owners) add(name string, tables ...*lua.LTable) {
	for _, t := range tables {
		o.byTable[t] = name
	}
	gens := append(o.gens[name], tables)
	for len(gens) > keptGenerations {
		for _, t := range gens[0] {
			delete(o.byTable, t)
		}
		gens = gens[1:]
	}
	o.gens[name] = gens
}

func (o *owners) drop(name string) {
	for _, gen := range o.gens[name] {
		for _, t := range gen {
			delete(o.byTable, t)
		}
	}
	delete(o.gens, name)
}

// valueOf converts a Lua value for a namespace. Functions and tables owned
// by a module become references to it.
func (o *owners) valueOf(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if name, ok := o.byTable[val]; ok {
			return module.Ref{Module: name}
		}
		return val
	case *lua.LFunction:
		if val.Env != nil {
			if name, ok := o.byTable[val.Env]; ok {
				return module.Ref{Module: name}
			}
		}
		return val
	default:
		return v
	}
}

// capture builds the namespace of m once its chunk has run.
func (o *owners) capture(m *Module, required map[string]module.Module) map[string]any {
	ns := make(map[string]any)
	collect := func(t *lua.LTable) {
		t.ForEach(func(k, v lua.LValue) {
			key, ok := k.(lua.LString)
			if !ok {
				return
			}
			if _, seen := ns[string(key)]; seen || reserved[string(key)] {
				return
			}
			ns[string(key)] = o.valueOf(v)
		})
	}

	for name, dep := range required {
		ns[name] = dep
	}
	if m.env != nil {
		collect(m.env)
	}
	if t, ok := m.exports.(*lua.LTable); ok && t != m.env {
		collect(t)
	}
	return ns
}

// Globals injected into every module environment.
var reserved = map[string]bool{
	"require": true,
	"_NAME":   true,
}

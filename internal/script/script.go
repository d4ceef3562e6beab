// Package script builds systems from Lua chunks.
//
// A chunk defines a global function update(e). For every entity matching the
// system's query, update receives a table holding the entity's id and one
// field per readable component, keyed by component name. The return value
// decides the effect:
//
//	nil or nothing   no change
//	false            destroy the entity
//	table            write each field naming a writable component
//
// Table fields are applied in key order. Scripts may also call spawn(table)
// to create an entity, remove(id, name) to drop a component, and retry(msg)
// to fail the activation with a retryable error.
//
// Each activation runs in its own lua.LState, so activations of one group
// never share interpreter state.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/canon"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/system"
)

// EntryPoint is the global function every chunk must define.
const EntryPoint = "update"

// Program is a compiled chunk.
type Program struct {
	name  string
	proto *lua.FunctionProto
}

// Name returns the chunk name used in error messages.
func (p *Program) Name() string {
	return p.name
}

// Compile parses source and checks that running it defines update.
func Compile(name, source string) (*Program, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	p := &Program{name: name, proto: proto}

	L := newState()
	defer L.Close()
	if _, err := p.load(L); err != nil {
		return nil, err
	}
	return p, nil
}

func newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// No file or process access from scenario scripts.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// load runs the chunk in L and returns its update function.
func (p *Program) load(L *lua.LState) (*lua.LFunction, error) {
	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, fmt.Errorf("script %s: %w", p.name, err)
	}
	fn, ok := L.GetGlobal(EntryPoint).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("script %s: no %s function defined", p.name, EntryPoint)
	}
	return fn, nil
}

// Spec describes a scripted system. Component types are referenced by name.
type Spec struct {
	Name   string
	Source string

	// Query lists the component types an entity must hold to be visited.
	// Empty means every written type, or every read type when nothing is
	// written.
	Query  []string
	Reads  []string
	Writes []string
	Dev    bool
}

// System compiles spec and returns a buffered descriptor running it.
func System(reg *component.Registry, spec Spec) (*system.Descriptor, error) {
	prog, err := Compile(spec.Name, spec.Source)
	if err != nil {
		return nil, err
	}
	reads, err := resolve(reg, spec.Reads)
	if err != nil {
		return nil, fmt.Errorf("system %s reads: %w", spec.Name, err)
	}
	writes, err := resolve(reg, spec.Writes)
	if err != nil {
		return nil, fmt.Errorf("system %s writes: %w", spec.Name, err)
	}
	query, err := resolve(reg, spec.Query)
	if err != nil {
		return nil, fmt.Errorf("system %s query: %w", spec.Name, err)
	}
	if len(query) == 0 {
		query = writes
		if len(query) == 0 {
			query = reads
		}
	}

	visible := uniqueTypes(append(slices.Clone(reads), writes...))
	r := &runner{prog: prog, query: query, visible: visible, writable: writes}

	opts := []system.Option{system.WithReads(reads...), system.WithWrites(writes...)}
	if spec.Dev {
		opts = append(opts, system.AsDev())
		r.visible = nil
	}
	return system.NewBuffered(spec.Name, r.run, opts...), nil
}

func resolve(reg *component.Registry, names []string) ([]component.TypeID, error) {
	out := make([]component.TypeID, 0, len(names))
	for _, name := range names {
		info, err := reg.ByName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, info.ID)
	}
	return uniqueTypes(out), nil
}

func uniqueTypes(ts []component.TypeID) []component.TypeID {
	slices.Sort(ts)
	return slices.Compact(ts)
}

type runner struct {
	prog     *Program
	query    []component.TypeID
	visible  []component.TypeID // nil: every type on the entity
	writable []component.TypeID
}

var errRetry = errors.New("retry requested")

func (r *runner) run(ctx context.Context, a *access.Scoped) error {
	L := newState()
	defer L.Close()
	L.SetContext(ctx)

	var hostErr error
	retry := false
	L.SetGlobal("spawn", L.NewFunction(func(L *lua.LState) int {
		values, err := r.spawnValues(a, L.CheckTable(1))
		if err == nil {
			var id entity.ID
			id, err = a.Spawn(values...)
			if err == nil {
				L.Push(lua.LString(id.String()))
				return 1
			}
		}
		hostErr = err
		L.RaiseError("spawn: %s", err.Error())
		return 0
	}))
	L.SetGlobal("remove", L.NewFunction(func(L *lua.LState) int {
		id, err := entity.ParseID(L.CheckString(1))
		if err == nil {
			var info *component.Info
			if info, err = a.Registry().ByName(L.CheckString(2)); err == nil {
				if err = a.Remove(id, info.ID); err == nil {
					return 0
				}
			}
		}
		hostErr = err
		L.RaiseError("remove: %s", err.Error())
		return 0
	}))
	L.SetGlobal("retry", L.NewFunction(func(L *lua.LState) int {
		retry = true
		L.RaiseError("%s", L.OptString(1, errRetry.Error()))
		return 0
	}))

	update, err := r.prog.load(L)
	if err != nil {
		return err
	}

	rows, err := a.Query(access.Query{Required: r.query})
	if err != nil {
		return err
	}
	for id := range rows {
		e, err := r.entityTable(L, a, id)
		if err != nil {
			return err
		}
		if err := L.CallByParam(lua.P{Fn: update, NRet: 1, Protect: true}, e); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case retry:
				return errs.Transient(fmt.Errorf("script %s: %w", r.prog.name, err))
			case hostErr != nil:
				return hostErr
			}
			return fmt.Errorf("script %s on %s: %w", r.prog.name, id, err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		if err := r.apply(a, id, ret); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) entityTable(L *lua.LState, a *access.Scoped, id entity.ID) (*lua.LTable, error) {
	types := r.visible
	if types == nil {
		var err error
		if types, err = a.Components(id); err != nil {
			return nil, err
		}
	}
	t := L.NewTable()
	t.RawSetString("id", lua.LString(id.String()))
	for _, typ := range types {
		v, ok, err := a.Read(id, typ)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		info := a.Registry().MustLookup(typ)
		lv, err := toLua(L, info, v)
		if err != nil {
			return nil, err
		}
		t.RawSetString(info.Name, lv)
	}
	return t, nil
}

func (r *runner) apply(a *access.Scoped, id entity.ID, ret lua.LValue) error {
	switch v := ret.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		if bool(v) {
			return nil
		}
		return a.Destroy(id)
	case *lua.LTable:
		keys, _ := stringKeys(v)
		for _, name := range keys {
			if name == "id" {
				continue
			}
			if err := r.write(a, id, name, v.RawGetString(name)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("script %s: update returned %s", r.prog.name, ret.Type())
}

func (r *runner) write(a *access.Scoped, id entity.ID, name string, value lua.LValue) error {
	info, err := a.Registry().ByName(name)
	if err != nil {
		return fmt.Errorf("script %s: %w", r.prog.name, err)
	}
	v, err := fromLua(info, value)
	if err != nil {
		return fmt.Errorf("script %s: %w", r.prog.name, err)
	}
	return a.Write(id, info.ID, v)
}

func (r *runner) spawnValues(a *access.Scoped, t *lua.LTable) ([]any, error) {
	keys, bad := stringKeys(t)
	if bad != nil {
		return nil, fmt.Errorf("component names must be strings, got %s", bad.Type())
	}
	values := make([]any, 0, len(keys))
	for _, name := range keys {
		info, err := a.Registry().ByName(name)
		if err != nil {
			return nil, err
		}
		v, err := fromLua(info, t.RawGetString(name))
		if err != nil {
			return nil, err
		}
		values = append(values, component.Value{Type: info.ID, Data: v})
	}
	return values, nil
}

// stringKeys returns the sorted string keys of t and the first key of any
// other type it meets.
func stringKeys(t *lua.LTable) ([]string, lua.LValue) {
	var keys []string
	var bad lua.LValue
	t.ForEach(func(key, _ lua.LValue) {
		if k, ok := key.(lua.LString); ok {
			keys = append(keys, string(k))
		} else if bad == nil {
			bad = key
		}
	})
	slices.Sort(keys)
	return keys, bad
}

// toLua converts a component value through its JSON form.
func toLua(L *lua.LState, info *component.Info, v any) (lua.LValue, error) {
	data, err := info.Encode(v)
	if err != nil {
		return nil, err
	}
	generic, err := canon.Decode(data)
	if err != nil {
		return nil, err
	}
	return genericToLua(L, generic), nil
}

func genericToLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case json.Number:
		f, _ := x.Float64()
		return lua.LNumber(f)
	case float64:
		return lua.LNumber(x)
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, elem := range x {
			t.Append(genericToLua(L, elem))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, elem := range x {
			t.RawSetString(k, genericToLua(L, elem))
		}
		return t
	}
	return lua.LNil
}

// fromLua converts a Lua value into a value of the component type by way of
// JSON.
func fromLua(info *component.Info, v lua.LValue) (any, error) {
	generic, err := luaToGeneric(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", info.Name, err)
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", info.Name, err)
	}
	return info.Decode(data)
}

func luaToGeneric(v lua.LValue) (any, error) {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LString:
		return string(x), nil
	case lua.LNumber:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v is not finite", f)
		}
		return f, nil
	case *lua.LTable:
		if n := x.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				elem, err := luaToGeneric(x.RawGetInt(i))
				if err != nil {
					return nil, err
				}
				out = append(out, elem)
			}
			return out, nil
		}
		keys, bad := stringKeys(x)
		if bad != nil {
			return nil, fmt.Errorf("table keys must be strings, got %s", bad.Type())
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			elem, err := luaToGeneric(x.RawGetString(k))
			if err != nil {
				return nil, err
			}
			out[k] = elem
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot convert lua %s", v.Type())
}

package system

import (
	"fmt"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
)

type resultKind uint8

const (
	resultWrite resultKind = iota
	resultWriteTyped
	resultRemove
	resultSpawn
	resultDestroy
)

type resultOp struct {
	kind   resultKind
	entity entity.ID
	typ    component.TypeID
	value  any
	values []any
}

// Result describes the changes a pure activation intends. It is converted
// into an equivalent write buffer, validated against the system's rights,
// before merge.
type Result struct {
	ops    []resultOp
	spawns uint32
}

// NewResult returns an empty result.
func NewResult() *Result {
	return &Result{}
}

// Set records a write of a Go component value whose type is resolved from
// the registry.
func (r *Result) Set(id entity.ID, v any) *Result {
	r.ops = append(r.ops, resultOp{kind: resultWrite, entity: id, value: v})
	return r
}

// Write records a write of v at (id, t).
func (r *Result) Write(id entity.ID, t component.TypeID, v any) *Result {
	r.ops = append(r.ops, resultOp{kind: resultWriteTyped, entity: id, typ: t, value: v})
	return r
}

// Remove records the removal of (id, t).
func (r *Result) Remove(id entity.ID, t component.TypeID) *Result {
	r.ops = append(r.ops, resultOp{kind: resultRemove, entity: id, typ: t})
	return r
}

// Spawn records a new entity and returns its placeholder. The placeholder may
// be used as a target by later operations of the same result.
func (r *Result) Spawn(values ...any) entity.ID {
	id := entity.Placeholder(r.spawns)
	r.spawns++
	r.ops = append(r.ops, resultOp{kind: resultSpawn, entity: id, values: values})
	return id
}

// Destroy records the destruction of id.
func (r *Result) Destroy(id entity.ID) *Result {
	r.ops = append(r.ops, resultOp{kind: resultDestroy, entity: id})
	return r
}

// Len returns the number of recorded operations.
func (r *Result) Len() int {
	return len(r.ops)
}

// replay applies the result through a scoped access so that it is validated
// exactly like a buffered activation's writes.
func (r *Result) replay(a *access.Scoped) error {
	for _, op := range r.ops {
		var err error
		switch op.kind {
		case resultWrite:
			var t component.TypeID
			t, err = a.Registry().TypeOfValue(op.value)
			data := op.value
			if cv, ok := data.(component.Value); ok {
				data = cv.Data
			}
			if err == nil {
				err = a.Write(op.entity, t, data)
			}
		case resultWriteTyped:
			err = a.Write(op.entity, op.typ, op.value)
		case resultRemove:
			err = a.Remove(op.entity, op.typ)
		case resultSpawn:
			var got entity.ID
			got, err = a.Spawn(op.values...)
			if err == nil && got != op.entity {
				err = fmt.Errorf("spawn placeholder mismatch: %s != %s", got, op.entity)
			}
		case resultDestroy:
			err = a.Destroy(op.entity)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/storage"
	"github.com/extensivelabs/agentecs/internal/testutil"
)

func setup(t *testing.T) (*component.Registry, testutil.Types, *storage.Memory, entity.ID) {
	t.Helper()
	reg, types := testutil.NewRegistry(t)
	store := storage.NewMemory(reg)
	id := store.ReserveID()
	cs := storage.NewChangeset()
	cs.Spawned = []entity.ID{id}
	cs.Sets[storage.Slot{Entity: id, Type: types.Credits}] = testutil.Credits{Amount: 10}
	require.NoError(t, store.Commit(context.Background(), cs))
	return reg, types, store, id
}

func TestValidate(t *testing.T) {
	noop := func(context.Context, *access.Scoped) error { return nil }

	tests := []struct {
		name    string
		desc    *Descriptor
		wantErr string
	}{
		{"ok", NewBuffered("a", noop), ""},
		{"missing name", NewBuffered("", noop), "name is required"},
		{"missing func", &Descriptor{Name: "b", Mode: ModePure}, "exactly one"},
		{"mode mismatch", &Descriptor{Name: "c", Mode: ModePure, Run: noop}, "pure mode requires Pure"},
		{
			"readonly with writes",
			NewObserver("d", func(context.Context, *access.ReadOnly) error { return nil }, WithWrites(1)),
			"cannot declare writes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptions(t *testing.T) {
	d := NewBuffered("s", nil, WithReads(1), WithReads(2), WithWrites(3), AsDev())
	assert.Equal(t, []component.TypeID{1, 2}, d.Reads.List())
	assert.Equal(t, []component.TypeID{3}, d.Writes.List())
	assert.True(t, d.Rights().Dev)

	all := NewBuffered("s", nil, WithAllReads(), WithAllWrites())
	assert.True(t, all.Reads.IsAll())
	assert.True(t, all.Writes.IsAll())
}

func TestActivate_Buffered(t *testing.T) {
	reg, types, store, id := setup(t)
	d := NewBuffered("pay", func(_ context.Context, a *access.Scoped) error {
		c, _, err := access.Get[testutil.Credits](a, id)
		if err != nil {
			return err
		}
		return access.Set(a, id, testutil.Credits{Amount: c.Amount + 5})
	}, WithWrites(types.Credits))

	buf, err := d.Activate(context.Background(), reg, store.ReadView())
	require.NoError(t, err)
	assert.Equal(t, "pay", buf.System)
	require.Equal(t, 1, buf.Len())
	assert.Equal(t, testutil.Credits{Amount: 15}, buf.Ops()[0].Value)
}

func TestActivate_ErrorsCarrySystemName(t *testing.T) {
	reg, types, store, id := setup(t)
	d := NewBuffered("thief", func(_ context.Context, a *access.Scoped) error {
		return access.Set(a, id, testutil.Credits{})
	}, WithReads(types.Credits))

	_, err := d.Activate(context.Background(), reg, store.ReadView())
	require.Error(t, err)
	assert.True(t, errs.IsAccessViolation(err))
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "thief", e.System)
}

func TestActivate_PlainErrorIsFatal(t *testing.T) {
	reg, _, store, _ := setup(t)
	d := NewBuffered("broken", func(context.Context, *access.Scoped) error {
		return errors.New("boom")
	})

	_, err := d.Activate(context.Background(), reg, store.ReadView())
	assert.True(t, errs.IsFatal(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestActivate_PanicIsFatal(t *testing.T) {
	reg, _, store, _ := setup(t)
	d := NewBuffered("panicky", func(context.Context, *access.Scoped) error {
		panic("nope")
	})

	buf, err := d.Activate(context.Background(), reg, store.ReadView())
	assert.Nil(t, buf)
	assert.True(t, errs.IsFatal(err))
	assert.Contains(t, err.Error(), "panic: nope")
}

func TestActivate_PureResultBecomesBuffer(t *testing.T) {
	reg, types, store, id := setup(t)
	d := NewPure("mint", func(_ context.Context, r *access.ReadOnly) (*Result, error) {
		c, _, err := access.Get[testutil.Credits](r, id)
		if err != nil {
			return nil, err
		}
		res := NewResult().Set(id, testutil.Credits{Amount: c.Amount * 2})
		child := res.Spawn(testutil.Credits{Amount: 1})
		res.Write(child, types.Credits, testutil.Credits{Amount: 2})
		return res, nil
	}, WithWrites(types.Credits))

	buf, err := d.Activate(context.Background(), reg, store.ReadView())
	require.NoError(t, err)

	kinds := make([]buffer.OpKind, 0, buf.Len())
	for _, op := range buf.Ops() {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []buffer.OpKind{buffer.OpUpdate, buffer.OpSpawn, buffer.OpUpdate}, kinds)
	assert.Equal(t, testutil.Credits{Amount: 20}, buf.Ops()[0].Value)
	assert.Equal(t, entity.Placeholder(0), buf.Ops()[2].Entity)
}

func TestActivate_PureResultValidated(t *testing.T) {
	reg, types, store, id := setup(t)
	d := NewPure("sneaky", func(context.Context, *access.ReadOnly) (*Result, error) {
		return NewResult().Remove(id, types.Credits), nil
	}, WithReads(types.Credits))

	_, err := d.Activate(context.Background(), reg, store.ReadView())
	assert.True(t, errs.IsAccessViolation(err))
}

func TestActivate_ReadOnlyHasNoEffects(t *testing.T) {
	reg, types, store, id := setup(t)
	var seen float64
	d := NewObserver("watch", func(_ context.Context, r *access.ReadOnly) error {
		c, _, err := access.Get[testutil.Credits](r, id)
		seen = c.Amount
		return err
	}, WithReads(types.Credits))

	buf, err := d.Activate(context.Background(), reg, store.ReadView())
	require.NoError(t, err)
	assert.True(t, buf.Empty())
	assert.Equal(t, 10.0, seen)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "pure", ModePure.String())
	assert.Equal(t, "mode(9)", Mode(9).String())
}

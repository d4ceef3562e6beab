package ops

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/merge"
	"github.com/extensivelabs/agentecs/internal/storage"
	"github.com/extensivelabs/agentecs/internal/testutil"
)

type fixture struct {
	reg   *component.Registry
	types testutil.Types
	store *storage.Memory
	ops   *Ops
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, types := testutil.NewRegistry(t)
	store := storage.NewMemory(reg)
	return &fixture{reg: reg, types: types, store: store, ops: New(store, merge.New(reg))}
}

func (f *fixture) spawn(t *testing.T, values Components) entity.ID {
	t.Helper()
	id := f.store.ReserveID()
	cs := storage.NewChangeset()
	cs.Spawned = []entity.ID{id}
	for typ, v := range values {
		cs.Sets[storage.Slot{Entity: id, Type: typ}] = v
	}
	require.NoError(t, f.store.Commit(context.Background(), cs))
	return id
}

func (f *fixture) get(t *testing.T, id entity.ID, typ component.TypeID) (any, bool) {
	t.Helper()
	return f.store.ReadView().Get(id, typ)
}

func TestMergeEntities_CombinesNumericValues(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, Components{f.types.Credits: testutil.Credits{Amount: 100}})
	b := f.spawn(t, Components{f.types.Credits: testutil.Credits{Amount: 50}})

	merged, err := f.ops.MergeEntities(context.Background(), a, b)
	require.NoError(t, err)

	v, ok := f.get(t, merged, f.types.Credits)
	require.True(t, ok)
	assert.Equal(t, testutil.Credits{Amount: 150}, v)
	assert.False(t, f.store.IsAlive(a))
	assert.False(t, f.store.IsAlive(b))
	assert.True(t, f.store.IsAlive(merged))
}

func TestMergeEntities_Fallbacks(t *testing.T) {
	f := newFixture(t)
	first := Components{
		f.types.Position: testutil.Position{X: 1},
		f.types.Tags:     testutil.Tags{Values: []string{"a"}},
	}
	second := Components{
		f.types.Position: testutil.Position{X: 2},
		f.types.Credits:  testutil.Credits{Amount: 3},
	}

	tests := []struct {
		name    string
		opts    []MergeOption
		want    Components
		wantErr bool
	}{
		{
			name: "default keeps second and one-sided values",
			want: Components{
				f.types.Position: testutil.Position{X: 2},
				f.types.Tags:     testutil.Tags{Values: []string{"a"}},
				f.types.Credits:  testutil.Credits{Amount: 3},
			},
		},
		{
			name: "first",
			opts: []MergeOption{WithCombineFallback(CombineFirst)},
			want: Components{
				f.types.Position: testutil.Position{X: 1},
				f.types.Tags:     testutil.Tags{Values: []string{"a"}},
				f.types.Credits:  testutil.Credits{Amount: 3},
			},
		},
		{
			name: "skip",
			opts: []MergeOption{WithCombineFallback(CombineSkip)},
			want: Components{
				f.types.Tags:    testutil.Tags{Values: []string{"a"}},
				f.types.Credits: testutil.Credits{Amount: 3},
			},
		},
		{
			name: "symmetric first",
			opts: []MergeOption{WithCombineFallback(CombineFirst), Symmetric()},
			want: Components{
				f.types.Position: testutil.Position{X: 1},
				f.types.Tags:     testutil.Tags{Values: []string{"a"}},
			},
		},
		{
			name: "symmetric skip",
			opts: []MergeOption{WithCombineFallback(CombineSkip), Symmetric()},
			want: Components{},
		},
		{
			name:    "error",
			opts:    []MergeOption{WithCombineFallback(CombineError)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CombineSets(f.reg, first, second, tt.opts...)
			if tt.wantErr {
				assert.True(t, errs.IsNotCombinable(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeEntities_InvalidInputs(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, nil)
	ghost := entity.ID{Index: a.Index + 10}

	_, err := f.ops.MergeEntities(context.Background(), a, a)
	assert.True(t, errs.IsInvalidEntity(err))
	_, err = f.ops.MergeEntities(context.Background(), a, ghost)
	assert.True(t, errs.IsInvalidEntity(err))
	assert.True(t, f.store.IsAlive(a))
}

func TestSplitEntity_ValuesSumToOriginal(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, Components{
		f.types.Credits:  testutil.Credits{Amount: 100},
		f.types.Position: testutil.Position{X: 5},
	})

	left, right, err := f.ops.SplitEntity(context.Background(), a)
	require.NoError(t, err)
	assert.NotEqual(t, left, right)
	assert.False(t, f.store.IsAlive(a))

	l, _ := f.get(t, left, f.types.Credits)
	r, _ := f.get(t, right, f.types.Credits)
	assert.Equal(t, 100.0, l.(testutil.Credits).Amount+r.(testutil.Credits).Amount)
	assert.Equal(t, 50.0, l.(testutil.Credits).Amount)

	lp, ok := f.get(t, left, f.types.Position)
	require.True(t, ok)
	rp, ok := f.get(t, right, f.types.Position)
	require.True(t, ok)
	assert.Equal(t, lp, rp, "non-splittable values are duplicated by default")
}

func TestSplitEntity_Ratio(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, Components{f.types.Credits: testutil.Credits{Amount: 100}})

	left, right, err := f.ops.SplitEntity(context.Background(), a, WithRatio(0.25))
	require.NoError(t, err)
	l, _ := f.get(t, left, f.types.Credits)
	r, _ := f.get(t, right, f.types.Credits)
	assert.Equal(t, 25.0, l.(testutil.Credits).Amount)
	assert.Equal(t, 75.0, r.(testutil.Credits).Amount)

	b := f.spawn(t, nil)
	_, _, err = f.ops.SplitEntity(context.Background(), b, WithRatio(1))
	assert.ErrorContains(t, err, "ratio")
	assert.True(t, f.store.IsAlive(b))
}

func TestSplitSet_Fallbacks(t *testing.T) {
	f := newFixture(t)
	set := Components{f.types.Tags: testutil.Tags{Values: []string{"x"}}}

	first, second, err := SplitSet(f.reg, set)
	require.NoError(t, err)
	first[f.types.Tags].(testutil.Tags).Values[0] = "changed"
	assert.Equal(t, "x", second[f.types.Tags].(testutil.Tags).Values[0], "duplicates do not alias")

	first, second, err = SplitSet(f.reg, set, WithSplitFallback(SplitFirst))
	require.NoError(t, err)
	assert.Contains(t, first, f.types.Tags)
	assert.NotContains(t, second, f.types.Tags)

	first, second, err = SplitSet(f.reg, set, WithSplitFallback(SplitSkip))
	require.NoError(t, err)
	assert.Empty(t, first)
	assert.Empty(t, second)

	_, _, err = SplitSet(f.reg, set, WithSplitFallback(SplitError))
	assert.True(t, errs.IsNotSplittable(err))
}

func TestReduceMany(t *testing.T) {
	f := newFixture(t)
	credits := f.reg.MustLookup(f.types.Credits)

	v, err := ReduceMany(credits, []any{
		testutil.Credits{Amount: 1}, testutil.Credits{Amount: 2}, testutil.Credits{Amount: 3},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, testutil.Credits{Amount: 6}, v)

	v, err = ReduceMany(credits, []any{testutil.Credits{Amount: 1}, testutil.Credits{Amount: 9}},
		func(vs []any) any { return vs[len(vs)-1] })
	require.NoError(t, err)
	assert.Equal(t, testutil.Credits{Amount: 9}, v)

	_, err = ReduceMany(credits, nil, nil)
	assert.Error(t, err)

	position := f.reg.MustLookup(f.types.Position)
	_, err = ReduceMany(position, []any{testutil.Position{}, testutil.Position{}}, nil)
	assert.True(t, errs.IsNotCombinable(err))

	v, err = ReduceMany(position, []any{testutil.Position{X: 4}}, nil)
	require.NoError(t, err)
	assert.Equal(t, testutil.Position{X: 4}, v)
}

func TestReduce_Typed(t *testing.T) {
	f := newFixture(t)

	trail, err := Reduce(f.reg, []testutil.Trail{{Steps: "a"}, {Steps: "b"}, {Steps: "c"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", trail.Steps)

	longest, err := Reduce(f.reg, []testutil.Trail{{Steps: "a"}, {Steps: "bbb"}}, func(ts []testutil.Trail) testutil.Trail {
		best := ts[0]
		for _, tr := range ts[1:] {
			if len(tr.Steps) > len(best.Steps) {
				best = tr
			}
		}
		return best
	})
	require.NoError(t, err)
	assert.Equal(t, "bbb", longest.Steps)
}

func TestMergeBuffered(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, Components{f.types.Credits: testutil.Credits{Amount: 100}})
	b := f.spawn(t, Components{f.types.Credits: testutil.Credits{Amount: 50}})

	buf := buffer.New("merger")
	scoped := access.NewScoped(f.reg, f.store.ReadView(), buf, access.Rights{Writes: access.Types(f.types.Credits)})
	ph, err := MergeBuffered(scoped, a, b)
	require.NoError(t, err)
	assert.True(t, ph.IsPlaceholder())
	assert.True(t, f.store.IsAlive(a), "nothing is applied before merge")

	out, err := merge.New(f.reg).Apply(context.Background(), []*buffer.Buffer{buf}, f.store)
	require.NoError(t, err)
	id, ok := out.Resolve(0, ph)
	require.True(t, ok)

	v, _ := f.get(t, id, f.types.Credits)
	assert.Equal(t, testutil.Credits{Amount: 150}, v)
	assert.False(t, f.store.IsAlive(a))
	assert.False(t, f.store.IsAlive(b))
}

func TestMergeBuffered_NeedsRights(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, Components{f.types.Credits: testutil.Credits{Amount: 1}})
	b := f.spawn(t, Components{f.types.Position: testutil.Position{}})

	scoped := access.NewScoped(f.reg, f.store.ReadView(), buffer.New("merger"),
		access.Rights{Reads: access.Types(f.types.Position), Writes: access.Types(f.types.Credits)})
	_, err := MergeBuffered(scoped, a, b)
	assert.True(t, errs.IsAccessViolation(err))
}

func TestSplitBuffered(t *testing.T) {
	f := newFixture(t)
	a := f.spawn(t, Components{f.types.Credits: testutil.Credits{Amount: 80}})

	buf := buffer.New("splitter")
	scoped := access.NewScoped(f.reg, f.store.ReadView(), buf, access.Rights{Dev: true})
	p1, p2, err := SplitBuffered(scoped, a, WithRatio(0.75))
	require.NoError(t, err)

	out, err := merge.New(f.reg).Apply(context.Background(), []*buffer.Buffer{buf}, f.store)
	require.NoError(t, err)
	id1, _ := out.Resolve(0, p1)
	id2, _ := out.Resolve(0, p2)

	v1, _ := f.get(t, id1, f.types.Credits)
	v2, _ := f.get(t, id2, f.types.Credits)
	assert.Equal(t, 60.0, v1.(testutil.Credits).Amount)
	assert.Equal(t, 20.0, v2.(testutil.Credits).Amount)
	assert.False(t, f.store.IsAlive(a))
}

func TestFallback_String(t *testing.T) {
	assert.Equal(t, "second", CombineSecond.String())
	assert.Equal(t, "both", SplitBoth.String())
}

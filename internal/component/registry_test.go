package component

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extensivelabs/agentecs/internal/errs"
)

type gold struct{ Amount int }

func (g gold) Combine(other gold) gold { return gold{Amount: g.Amount + other.Amount} }

func (g gold) Split(ratio float64) (gold, gold) {
	first := int(float64(g.Amount) * ratio)
	return gold{Amount: first}, gold{Amount: g.Amount - first}
}

type tally struct{ N int }

func (t *tally) Reduce(rest []tally) tally {
	out := *t
	for _, r := range rest {
		out.N += r.N * 10
	}
	return out
}

type label struct{ Value string }

type bag struct{ Items []string }

func (b bag) Clone() bag { return bag{Items: append([]string(nil), b.Items...)} }

type leaky struct{ Items []string }

func TestRegister_CapabilityTable(t *testing.T) {
	r := NewRegistry()

	goldID, err := Register[gold](r)
	require.NoError(t, err)
	nameID, err := Register[label](r)
	require.NoError(t, err)

	g := r.MustLookup(goldID)
	assert.True(t, g.CanCombine())
	assert.True(t, g.CanSplit())
	assert.False(t, g.CanReduce())

	n := r.MustLookup(nameID)
	assert.False(t, n.CanCombine())
	assert.False(t, n.CanSplit())

	combined, err := g.Combine(gold{100}, gold{50})
	require.NoError(t, err)
	assert.Equal(t, gold{150}, combined)

	a, b, err := g.Split(gold{100}, 0.25)
	require.NoError(t, err)
	assert.Equal(t, gold{25}, a)
	assert.Equal(t, gold{75}, b)

	_, err = n.Combine(label{"a"}, label{"b"})
	assert.True(t, errs.IsNotCombinable(err))
	_, _, err = n.Split(label{"a"}, 0.5)
	assert.True(t, errs.IsNotSplittable(err))
}

func TestRegister_DenseIDsAndIdempotence(t *testing.T) {
	r := NewRegistry()
	first, err := Register[gold](r)
	require.NoError(t, err)
	second, err := Register[label](r)
	require.NoError(t, err)
	again, err := Register[gold](r)
	require.NoError(t, err)

	assert.Equal(t, TypeID(0), first)
	assert.Equal(t, TypeID(1), second)
	assert.Equal(t, first, again)
	assert.Equal(t, 2, r.Len())
}

func TestRegister_PointerReceiverReducer(t *testing.T) {
	r := NewRegistry()
	id, err := Register[tally](r)
	require.NoError(t, err)

	info := r.MustLookup(id)
	require.True(t, info.CanReduce())
	out, err := info.Reduce([]any{tally{1}, tally{2}, tally{3}})
	require.NoError(t, err)
	assert.Equal(t, tally{51}, out)
}

func TestRegister_OptionsOverrideInterfaces(t *testing.T) {
	r := NewRegistry()
	id, err := Register[gold](r,
		WithName[gold]("Gold"),
		WithCombine(func(a, b gold) gold { return gold{Amount: a.Amount*2 + b.Amount} }),
	)
	require.NoError(t, err)

	info, err := r.ByName("Gold")
	require.NoError(t, err)
	assert.Equal(t, id, info.ID)

	out, err := info.Combine(gold{1}, gold{5})
	require.NoError(t, err)
	assert.Equal(t, gold{7}, out)
}

func TestRegister_ReferencesNeedClone(t *testing.T) {
	r := NewRegistry()

	_, err := Register[leaky](r)
	require.Error(t, err)
	assert.True(t, errs.IsInvalidType(err))

	_, err = Register[*gold](r)
	assert.True(t, errs.IsInvalidType(err))

	_, err = Register[[]int](r, WithClone(func(v []int) []int { return append([]int(nil), v...) }))
	assert.NoError(t, err)

	id, err := Register[bag](r)
	require.NoError(t, err)
	info := r.MustLookup(id)
	orig := bag{Items: []string{"a"}}
	cp := info.Clone(orig).(bag)
	cp.Items[0] = "changed"
	assert.Equal(t, "a", orig.Items[0])
}

func TestReduce_FallsBackToCombineFold(t *testing.T) {
	r := NewRegistry()
	id, err := Register[gold](r)
	require.NoError(t, err)

	out, err := r.MustLookup(id).Reduce([]any{gold{1}, gold{2}, gold{3}})
	require.NoError(t, err)
	assert.Equal(t, gold{6}, out)

	nameID, err := Register[label](r)
	require.NoError(t, err)
	_, err = r.MustLookup(nameID).Reduce([]any{label{"a"}, label{"b"}})
	assert.True(t, errs.IsNotCombinable(err))

	_, err = r.MustLookup(id).Reduce(nil)
	assert.Error(t, err)
}

func TestTypeOfValue(t *testing.T) {
	r := NewRegistry()
	id, err := Register[gold](r)
	require.NoError(t, err)

	got, err := r.TypeOfValue(gold{3})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = r.TypeOfValue(Value{Type: id, Data: gold{3}})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = r.TypeOfValue(label{"x"})
	assert.True(t, errs.IsInvalidType(err))
	assert.Equal(t, id, MustTypeOf[gold](r))
}

func TestCheckAndCodec(t *testing.T) {
	r := NewRegistry()
	id, err := Register[gold](r)
	require.NoError(t, err)
	info := r.MustLookup(id)

	assert.NoError(t, info.Check(gold{1}))
	assert.Error(t, info.Check(label{"x"}))

	data, err := info.Encode(gold{12})
	require.NoError(t, err)
	v, err := info.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, gold{12}, v)
}

func TestRegisterDynamic(t *testing.T) {
	r := NewRegistry()
	id, err := RegisterDynamic(r, "mana", Dynamic{
		Combine: func(a, b any) any { return a.(float64) + b.(float64) },
	})
	require.NoError(t, err)

	info := r.MustLookup(id)
	assert.Nil(t, info.GoType)
	assert.True(t, info.CanCombine())
	assert.NoError(t, info.Check(3.0))
	assert.Error(t, info.Check(3))

	_, err = RegisterDynamic(r, "mana", Dynamic{})
	assert.True(t, errs.IsInvalidType(err), "duplicate dynamic name")

	orig := map[string]any{"tags": []any{"a"}}
	cp := info.Clone(orig).(map[string]any)
	cp["tags"].([]any)[0] = "b"
	assert.Equal(t, "a", orig["tags"].([]any)[0])

	v, err := info.Decode([]byte(`4.5`))
	require.NoError(t, err)
	assert.Equal(t, 4.5, v)
}

func TestKeysAreStableAndDistinct(t *testing.T) {
	r1 := NewRegistry()
	r2 := NewRegistry()
	_, err := Register[label](r1)
	require.NoError(t, err)
	a, err := Register[gold](r1)
	require.NoError(t, err)
	b, err := Register[gold](r2)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "ids are dense per registry")
	assert.Equal(t, r1.MustLookup(a).Key, r2.MustLookup(b).Key, "keys depend only on the type")
	assert.NotEqual(t, r1.MustLookup(0).Key, r1.MustLookup(a).Key)
}

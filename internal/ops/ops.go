// Package ops implements entity combine and split operations on top of the
// type capability table and the merge engine.
//
// Each operation comes in two forms: a standalone form that commits against
// storage as a single-buffer group, and a buffered form that runs inside a
// system activation and only stages destroy and spawn ops.
package ops

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/extensivelabs/agentecs/internal/access"
	"github.com/extensivelabs/agentecs/internal/buffer"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/errs"
	"github.com/extensivelabs/agentecs/internal/merge"
	"github.com/extensivelabs/agentecs/internal/storage"
)

// CombineFallback decides what happens to a type that both entities carry
// but that has no combine capability.
type CombineFallback uint8

const (
	// CombineSecond keeps the second entity's value.
	CombineSecond CombineFallback = iota
	// CombineFirst keeps the first entity's value.
	CombineFirst
	// CombineSkip drops the type from the result.
	CombineSkip
	// CombineError fails with NotCombinable.
	CombineError
)

func (f CombineFallback) String() string {
	switch f {
	case CombineSecond:
		return "second"
	case CombineFirst:
		return "first"
	case CombineSkip:
		return "skip"
	case CombineError:
		return "error"
	}
	return fmt.Sprintf("combine-fallback(%d)", uint8(f))
}

// SplitFallback decides what happens to a type without a split capability.
type SplitFallback uint8

const (
	// SplitBoth copies the value to both new entities.
	SplitBoth SplitFallback = iota
	// SplitFirst gives the value to the first new entity only.
	SplitFirst
	// SplitSkip drops the type from both.
	SplitSkip
	// SplitError fails with NotSplittable.
	SplitError
)

func (f SplitFallback) String() string {
	switch f {
	case SplitBoth:
		return "both"
	case SplitFirst:
		return "first"
	case SplitSkip:
		return "skip"
	case SplitError:
		return "error"
	}
	return fmt.Sprintf("split-fallback(%d)", uint8(f))
}

// DefaultRatio is the split ratio used when none is given.
const DefaultRatio = 0.5

type mergeOptions struct {
	fallback  CombineFallback
	symmetric bool
}

// MergeOption configures MergeEntities.
type MergeOption func(*mergeOptions)

// WithCombineFallback sets the fallback for non-combinable types.
func WithCombineFallback(f CombineFallback) MergeOption {
	return func(o *mergeOptions) {
		o.fallback = f
	}
}

// Symmetric applies the fallback to types present on only one entity too:
// CombineFirst keeps only the first entity's one-sided types, CombineSecond
// only the second's, CombineSkip drops them and CombineError fails.
func Symmetric() MergeOption {
	return func(o *mergeOptions) {
		o.symmetric = true
	}
}

type splitOptions struct {
	fallback SplitFallback
	ratio    float64
}

// SplitOption configures SplitEntity.
type SplitOption func(*splitOptions)

// WithSplitFallback sets the fallback for non-splittable types.
func WithSplitFallback(f SplitFallback) SplitOption {
	return func(o *splitOptions) {
		o.fallback = f
	}
}

// WithRatio sets the ratio handed to split capabilities. It must lie in (0, 1).
func WithRatio(r float64) SplitOption {
	return func(o *splitOptions) {
		o.ratio = r
	}
}

// Components is an entity's component set keyed by type.
type Components map[component.TypeID]any

// values lists the set as spawn values in ascending type order.
func (c Components) values() []any {
	out := make([]any, 0, len(c))
	for _, t := range slices.Sorted(maps.Keys(c)) {
		out = append(out, component.Value{Type: t, Data: c[t]})
	}
	return out
}

// CombineSets resolves the component sets of two entities into one.
func CombineSets(reg *component.Registry, first, second Components, opts ...MergeOption) (Components, error) {
	o := mergeOptions{fallback: CombineSecond}
	for _, opt := range opts {
		opt(&o)
	}

	types := slices.Sorted(maps.Keys(first))
	for t := range second {
		if _, ok := first[t]; !ok {
			types = append(types, t)
		}
	}
	slices.Sort(types)

	out := make(Components, len(types))
	for _, t := range types {
		info, err := reg.Lookup(t)
		if err != nil {
			return nil, err
		}
		a, inFirst := first[t]
		b, inSecond := second[t]

		switch {
		case inFirst && inSecond && info.CanCombine():
			v, err := info.Combine(a, b)
			if err != nil {
				return nil, err
			}
			out[t] = v
		case inFirst && inSecond:
			switch o.fallback {
			case CombineFirst:
				out[t] = a
			case CombineSecond:
				out[t] = b
			case CombineError:
				return nil, errs.NotCombinable(info.Name)
			}
		case !o.symmetric:
			if inFirst {
				out[t] = a
			} else {
				out[t] = b
			}
		default:
			switch o.fallback {
			case CombineFirst:
				if inFirst {
					out[t] = a
				}
			case CombineSecond:
				if inSecond {
					out[t] = b
				}
			case CombineError:
				return nil, errs.NotCombinable(info.Name)
			}
		}
	}
	return out, nil
}

// SplitSet divides one entity's component set into two.
func SplitSet(reg *component.Registry, set Components, opts ...SplitOption) (Components, Components, error) {
	o := splitOptions{fallback: SplitBoth, ratio: DefaultRatio}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ratio <= 0 || o.ratio >= 1 {
		return nil, nil, fmt.Errorf("split ratio must be in (0, 1), got %v", o.ratio)
	}

	first := make(Components, len(set))
	second := make(Components, len(set))
	for _, t := range slices.Sorted(maps.Keys(set)) {
		info, err := reg.Lookup(t)
		if err != nil {
			return nil, nil, err
		}
		v := set[t]
		if info.CanSplit() {
			a, b, err := info.Split(v, o.ratio)
			if err != nil {
				return nil, nil, err
			}
			first[t], second[t] = a, b
			continue
		}
		switch o.fallback {
		case SplitBoth:
			first[t], second[t] = info.Clone(v), info.Clone(v)
		case SplitFirst:
			first[t] = v
		case SplitError:
			return nil, nil, errs.NotSplittable(info.Name)
		}
	}
	return first, second, nil
}

// ReduceMany reduces values of one type to a single value. It uses strategy
// when non-nil, then the type's reduction, then a pairwise combine in list
// order. A single value is returned as a copy without consulting capabilities.
func ReduceMany(info *component.Info, values []any, strategy func([]any) any) (any, error) {
	switch {
	case len(values) == 0:
		return nil, fmt.Errorf("reduce %s: no values", info.Name)
	case len(values) == 1:
		return info.Clone(values[0]), nil
	case strategy != nil:
		return strategy(values), nil
	}
	return info.Reduce(values)
}

// Reduce is the typed form of ReduceMany.
func Reduce[T any](reg *component.Registry, values []T, strategy func([]T) T) (T, error) {
	var zero T
	t, err := component.TypeOf[T](reg)
	if err != nil {
		return zero, err
	}
	untyped := make([]any, len(values))
	for i, v := range values {
		untyped[i] = v
	}
	var wrapped func([]any) any
	if strategy != nil {
		wrapped = func([]any) any { return strategy(values) }
	}
	v, err := ReduceMany(reg.MustLookup(t), untyped, wrapped)
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

// Ops runs standalone combine and split operations against storage. Every
// operation commits through the merge engine as a single-buffer group.
type Ops struct {
	store  storage.Storage
	merger *merge.Engine
}

// New creates an Ops bound to store.
func New(store storage.Storage, merger *merge.Engine) *Ops {
	return &Ops{store: store, merger: merger}
}

func snapshotSet(snap storage.Snapshot, id entity.ID) (Components, error) {
	if !snap.Alive(id) {
		return nil, errs.InvalidEntity(id.String(), "entity does not exist")
	}
	set := make(Components)
	for _, t := range snap.Components(id) {
		v, _ := snap.Get(id, t)
		set[t] = v
	}
	return set, nil
}

func (o *Ops) commit(ctx context.Context, buf *buffer.Buffer) (*merge.Outcome, error) {
	return o.merger.Apply(ctx, []*buffer.Buffer{buf}, o.store)
}

// MergeEntities destroys a and b and spawns one entity carrying their
// combined components.
func (o *Ops) MergeEntities(ctx context.Context, a, b entity.ID, opts ...MergeOption) (entity.ID, error) {
	if a == b {
		return entity.ID{}, errs.InvalidEntity(a.String(), "cannot merge an entity with itself")
	}
	snap := o.store.ReadView()
	first, err := snapshotSet(snap, a)
	if err != nil {
		return entity.ID{}, err
	}
	second, err := snapshotSet(snap, b)
	if err != nil {
		return entity.ID{}, err
	}
	merged, err := CombineSets(o.store.Registry(), first, second, opts...)
	if err != nil {
		return entity.ID{}, err
	}

	buf := buffer.New("merge_entities")
	ph := buf.Spawn(spawnValues(merged))
	buf.Destroy(a)
	buf.Destroy(b)

	out, err := o.commit(ctx, buf)
	if err != nil {
		return entity.ID{}, err
	}
	id, _ := out.Resolve(0, ph)
	return id, nil
}

// SplitEntity destroys a and spawns two entities sharing its components.
func (o *Ops) SplitEntity(ctx context.Context, a entity.ID, opts ...SplitOption) (entity.ID, entity.ID, error) {
	set, err := snapshotSet(o.store.ReadView(), a)
	if err != nil {
		return entity.ID{}, entity.ID{}, err
	}
	first, second, err := SplitSet(o.store.Registry(), set, opts...)
	if err != nil {
		return entity.ID{}, entity.ID{}, err
	}

	buf := buffer.New("split_entity")
	ph1 := buf.Spawn(spawnValues(first))
	ph2 := buf.Spawn(spawnValues(second))
	buf.Destroy(a)

	out, err := o.commit(ctx, buf)
	if err != nil {
		return entity.ID{}, entity.ID{}, err
	}
	id1, _ := out.Resolve(0, ph1)
	id2, _ := out.Resolve(0, ph2)
	return id1, id2, nil
}

func spawnValues(set Components) []component.Value {
	out := make([]component.Value, 0, len(set))
	for _, t := range slices.Sorted(maps.Keys(set)) {
		out = append(out, component.Value{Type: t, Data: set[t]})
	}
	return out
}

func scopedSet(a *access.Scoped, id entity.ID) (Components, error) {
	types, err := a.Components(id)
	if err != nil {
		return nil, err
	}
	set := make(Components, len(types))
	for _, t := range types {
		v, ok, err := a.Read(id, t)
		if err != nil {
			return nil, err
		}
		if ok {
			set[t] = v
		}
	}
	return set, nil
}

// MergeBuffered stages a merge of a and b inside an activation and returns
// the placeholder of the merged entity. The activation needs write rights on
// every type the two entities carry.
func MergeBuffered(a *access.Scoped, x, y entity.ID, opts ...MergeOption) (entity.ID, error) {
	if x == y {
		return entity.ID{}, errs.InvalidEntity(x.String(), "cannot merge an entity with itself")
	}
	first, err := scopedSet(a, x)
	if err != nil {
		return entity.ID{}, err
	}
	second, err := scopedSet(a, y)
	if err != nil {
		return entity.ID{}, err
	}
	merged, err := CombineSets(a.Registry(), first, second, opts...)
	if err != nil {
		return entity.ID{}, err
	}
	if err := a.Destroy(x); err != nil {
		return entity.ID{}, err
	}
	if err := a.Destroy(y); err != nil {
		return entity.ID{}, err
	}
	return a.Spawn(merged.values()...)
}

// SplitBuffered stages a split of x inside an activation and returns the
// placeholders of the two new entities.
func SplitBuffered(a *access.Scoped, x entity.ID, opts ...SplitOption) (entity.ID, entity.ID, error) {
	set, err := scopedSet(a, x)
	if err != nil {
		return entity.ID{}, entity.ID{}, err
	}
	first, second, err := SplitSet(a.Registry(), set, opts...)
	if err != nil {
		return entity.ID{}, entity.ID{}, err
	}
	if err := a.Destroy(x); err != nil {
		return entity.ID{}, entity.ID{}, err
	}
	p1, err := a.Spawn(first.values()...)
	if err != nil {
		return entity.ID{}, entity.ID{}, err
	}
	p2, err := a.Spawn(second.values()...)
	if err != nil {
		return entity.ID{}, entity.ID{}, err
	}
	return p1, p2, nil
}

package component

// Combiner is implemented by component types that can resolve two concurrent
// writes into one value. Combine is order-sensitive: the receiver is the
// earlier value and other the later one.
type Combiner[T any] interface {
	Combine(other T) T
}

// Splitter is implemented by component types that can divide one value
// between two entities. ratio is the share given to the first result.
type Splitter[T any] interface {
	Split(ratio float64) (T, T)
}

// Reducer is implemented by component types with a dedicated n-ary
// reduction. The receiver is the first value; rest holds the others in order.
type Reducer[T any] interface {
	Reduce(rest []T) T
}

// Cloner is implemented by component types holding references (pointers,
// slices, maps) that need a deep copy to avoid aliasing.
type Cloner[T any] interface {
	Clone() T
}

// Capabilities is the capability table entry of one component type.
//
// All functions operate on type-erased values that have already been checked
// against the type. Nil means the capability is absent.
type Capabilities struct {
	Combine func(a, b any) any
	Split   func(v any, ratio float64) (any, any)
	Reduce  func(values []any) any
	Clone   func(v any) any
}

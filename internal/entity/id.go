package entity

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a logical entity.
//
// An ID is live iff the allocator's recorded generation for (Shard, Index)
// equals Generation and the index is not on the free list. IDs are plain
// values; copies held after a recycle become stale rather than dangling.
type ID struct {
	Shard      uint16 `json:"shard"`
	Index      uint32 `json:"index"`
	Generation uint32 `json:"generation"`
}

// ReservedCount is the number of low indices never handed out by Allocate.
const ReservedCount = 1000

// PlaceholderShard marks ids minted by a write buffer for spawns that have
// not been applied yet. Placeholders are never live.
const PlaceholderShard uint16 = 0xFFFF

// Reserved system entities. They always exist on shard 0 and carry
// singleton components.
var (
	World     = ID{Shard: 0, Index: 0}
	Clock     = ID{Shard: 0, Index: 1}
	Scheduler = ID{Shard: 0, Index: 2}
)

// SystemEntities lists the reserved entities that storage creates eagerly.
var SystemEntities = []ID{World, Clock}

// Placeholder returns the n-th placeholder id of a buffer.
func Placeholder(n uint32) ID {
	return ID{Shard: PlaceholderShard, Index: n}
}

// IsPlaceholder reports whether id was minted by a write buffer.
func (id ID) IsPlaceholder() bool {
	return id.Shard == PlaceholderShard
}

// IsReserved reports whether id falls in the reserved index range.
func (id ID) IsReserved() bool {
	return !id.IsPlaceholder() && id.Index < ReservedCount
}

// String renders the id as shard:index:generation.
func (id ID) String() string {
	if id.IsPlaceholder() {
		return fmt.Sprintf("placeholder:%d", id.Index)
	}
	return fmt.Sprintf("%d:%d:%d", id.Shard, id.Index, id.Generation)
}

// ParseID parses the shard:index:generation form produced by String.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("parse entity id %q: want shard:index:generation", s)
	}
	shard, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return ID{}, fmt.Errorf("parse entity id %q: shard: %w", s, err)
	}
	index, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("parse entity id %q: index: %w", s, err)
	}
	gen, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("parse entity id %q: generation: %w", s, err)
	}
	return ID{Shard: uint16(shard), Index: uint32(index), Generation: uint32(gen)}, nil
}

// Compare orders ids by shard, index, then generation.
func Compare(a, b ID) int {
	if c := cmp.Compare(a.Shard, b.Shard); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	return cmp.Compare(a.Generation, b.Generation)
}

package storage

import (
	"encoding/json"
	"fmt"

	"github.com/extensivelabs/agentecs/internal/canon"
	"github.com/extensivelabs/agentecs/internal/component"
	"github.com/extensivelabs/agentecs/internal/entity"
)

// Dump is the serializable form of a storage: allocator tables plus every
// entity's components keyed by type name.
type Dump struct {
	Allocator entity.State `json:"allocator"`
	Entities  []EntityDump `json:"entities"`
}

// EntityDump holds one entity's components.
type EntityDump struct {
	ID         string                     `json:"id"`
	Components map[string]json.RawMessage `json:"components"`
}

// DumpSnapshot serializes the entities of a snapshot in ascending id order.
func DumpSnapshot(reg *component.Registry, snap Snapshot) ([]EntityDump, error) {
	ids := snap.Entities()
	out := make([]EntityDump, 0, len(ids))
	for _, id := range ids {
		ed := EntityDump{ID: id.String(), Components: map[string]json.RawMessage{}}
		for _, t := range snap.Components(id) {
			info, err := reg.Lookup(t)
			if err != nil {
				return nil, err
			}
			v, _ := snap.Get(id, t)
			data, err := info.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("dump %s: %w", id, err)
			}
			ed.Components[info.Name] = data
		}
		out = append(out, ed)
	}
	return out, nil
}

// Canonical renders a snapshot as canonical JSON. Two snapshots holding the
// same entities and values render byte-identically.
func Canonical(reg *component.Registry, snap Snapshot) ([]byte, error) {
	entities, err := DumpSnapshot(reg, snap)
	if err != nil {
		return nil, err
	}
	return canon.Normalize(map[string]any{"entities": entities})
}

// Export captures allocator tables and the current state.
func (m *Memory) Export() (*Dump, error) {
	m.mu.Lock()
	snap := m.current
	alloc := m.allocator.State()
	m.mu.Unlock()

	entities, err := DumpSnapshot(m.registry, snap)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return &Dump{Allocator: alloc, Entities: entities}, nil
}

// Import replaces the whole storage content with d. Component types are
// resolved by name in the storage's registry.
func (m *Memory) Import(d *Dump) error {
	entities := make(map[entity.ID]*record, len(d.Entities)+len(entity.SystemEntities))
	for _, id := range entity.SystemEntities {
		entities[id] = &record{values: map[component.TypeID]any{}}
	}
	for _, ed := range d.Entities {
		id, err := entity.ParseID(ed.ID)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		rec := &record{values: make(map[component.TypeID]any, len(ed.Components))}
		for name, raw := range ed.Components {
			info, err := m.registry.ByName(name)
			if err != nil {
				return fmt.Errorf("import %s: %w", id, err)
			}
			v, err := info.Decode(raw)
			if err != nil {
				return fmt.Errorf("import %s: %w", id, err)
			}
			rec.values[info.ID] = v
		}
		rec.rebuildMask()
		entities[id] = rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.allocator.Restore(d.Allocator); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	m.current = &state{
		version:  m.current.version + 1,
		registry: m.registry,
		entities: entities,
	}
	return nil
}

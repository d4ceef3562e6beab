package world

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/extensivelabs/agentecs/internal/canon"
	"github.com/extensivelabs/agentecs/internal/history"
	"github.com/extensivelabs/agentecs/internal/scheduler"
	"github.com/extensivelabs/agentecs/internal/storage"
)

// snapshotDoc is the serialized form of a world.
type snapshotDoc struct {
	Version int           `json:"version"`
	Tick    uint64        `json:"tick"`
	Storage *storage.Dump `json:"storage"`
}

const snapshotVersion = 1

// Snapshot serializes the committed state, the allocator tables and the tick
// counter as canonical JSON.
func (w *World) Snapshot() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump, err := w.store.Export()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	data, err := canon.Normalize(snapshotDoc{Version: snapshotVersion, Tick: w.Tick(), Storage: dump})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the world's state with a snapshot taken by Snapshot. The
// component types it names must be registered. Registered systems are kept.
func (w *World) Restore(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if doc.Version != snapshotVersion {
		return fmt.Errorf("restore: unsupported snapshot version %d", doc.Version)
	}
	if doc.Storage == nil {
		return fmt.Errorf("restore: snapshot has no storage")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.store.Import(doc.Storage); err != nil {
		return err
	}
	w.sched.Clock().Reset(doc.Tick)
	return nil
}

// Canonical renders the committed entities as canonical JSON.
func (w *World) Canonical() ([]byte, error) {
	return storage.Canonical(w.registry, w.store.ReadView())
}

// StateHash fingerprints the committed entities.
func (w *World) StateHash() (string, error) {
	data, err := w.Canonical()
	if err != nil {
		return "", err
	}
	return canon.StateHash(data), nil
}

// record writes the history record of one tick. Called with w.mu held.
func (w *World) record(ctx context.Context, report *scheduler.TickReport) error {
	state, err := w.Canonical()
	if err != nil {
		return err
	}
	r := &history.Record{
		Tick:      report.Tick,
		RunID:     w.runID,
		Timestamp: w.now(),
		Effect:    report.Effect.String(),
		StateHash: canon.StateHash(state),
		Snapshot:  state,
		Events:    []history.Event{},
		Timings:   []history.Timing{},
		Metadata:  w.metadata,
	}
	for _, g := range report.Groups {
		for _, s := range g.Systems {
			r.Timings = append(r.Timings, history.Timing{
				System:   s.Name,
				Group:    g.Index,
				Attempts: s.Attempts,
				Status:   s.Status.String(),
				Duration: s.Duration,
			})
			switch s.Status {
			case scheduler.StatusSkipped:
				r.Events = append(r.Events, history.Event{Kind: history.EventSkipped, Group: g.Index, System: s.Name, Detail: errString(s.Err)})
			case scheduler.StatusFailed:
				r.Events = append(r.Events, history.Event{Kind: history.EventFailed, Group: g.Index, System: s.Name, Detail: errString(s.Err)})
			}
		}
		if g.Outcome == nil {
			continue
		}
		for _, id := range g.Outcome.Spawned {
			r.Events = append(r.Events, history.Event{Kind: history.EventSpawn, Group: g.Index, Entity: id.String()})
		}
		for _, id := range g.Outcome.Destroyed {
			r.Events = append(r.Events, history.Event{Kind: history.EventDestroy, Group: g.Index, Entity: id.String()})
		}
	}
	if report.Err != nil {
		r.Events = append(r.Events, history.Event{Kind: history.EventAbort, Group: len(report.Groups) - 1, Detail: report.Err.Error()})
	}
	return w.history.RecordTick(ctx, r)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

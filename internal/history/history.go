// Package history records what every tick did.
//
// A Record holds the tick number, the run it belongs to, a fingerprint and a
// canonical snapshot of the committed state, per-system timings and the
// structural events (spawns, destroys, failed or skipped systems) of the tick.
// Records are written after the tick's last commit and never change.
//
// Three backends implement Store: an in-memory ring for tests and short runs,
// SQLite for single-process runs, and PostgreSQL for shared archives.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested tick or run was never recorded.
var ErrNotFound = errors.New("history: not found")

var errClosed = errors.New("history: store closed")

// Event kinds.
const (
	EventSpawn   = "spawn"
	EventDestroy = "destroy"
	EventSkipped = "skipped"
	EventFailed  = "failed"
	EventAbort   = "abort"
)

// Event is one structural change or notable outcome of a tick.
type Event struct {
	Kind   string `json:"kind"`
	Group  int    `json:"group"`
	Entity string `json:"entity,omitempty"`
	System string `json:"system,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Timing is one system activation of a tick.
type Timing struct {
	System   string        `json:"system"`
	Group    int           `json:"group"`
	Attempts int           `json:"attempts"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration_ns"`
}

// Record is the trace of one tick.
type Record struct {
	Tick      uint64            `json:"tick"`
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Effect    string            `json:"effect"`
	StateHash string            `json:"state_hash"`
	Snapshot  json.RawMessage   `json:"snapshot"`
	Events    []Event           `json:"events"`
	Timings   []Timing          `json:"timings"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Span describes the ticks held for one run.
type Span struct {
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
	Count int    `json:"count"`
}

// TickEvents is the event list of one tick.
type TickEvents struct {
	Tick   uint64  `json:"tick"`
	Events []Event `json:"events"`
}

// Store persists tick records. Implementations are safe for concurrent use.
type Store interface {
	// RecordTick stores r. Recording the same (run, tick) twice fails.
	RecordTick(ctx context.Context, r *Record) error

	// GetTick returns the record of one tick.
	GetTick(ctx context.Context, runID string, tick uint64) (*Record, error)

	// GetSnapshot returns the canonical state committed by one tick.
	GetSnapshot(ctx context.Context, runID string, tick uint64) ([]byte, error)

	// GetEvents returns the events of one tick in recorded order.
	GetEvents(ctx context.Context, runID string, tick uint64) ([]Event, error)

	// GetTickRange returns the records with from <= tick <= to in tick order.
	GetTickRange(ctx context.Context, runID string, from, to uint64) ([]*Record, error)

	// GetEventRange returns the events of the ticks with from <= tick <= to,
	// one entry per recorded tick in tick order.
	GetEventRange(ctx context.Context, runID string, from, to uint64) ([]TickEvents, error)

	// Ticks reports the span of ticks held for a run. A run without
	// records yields ErrNotFound.
	Ticks(ctx context.Context, runID string) (Span, error)

	// Runs lists recorded run ids, most recent first.
	Runs(ctx context.Context) ([]string, error)

	// Clear deletes every record of runID, or of all runs when runID is empty.
	Clear(ctx context.Context, runID string) error

	Close() error
}

// Latest returns the most recently recorded run id.
func Latest(ctx context.Context, s Store) (string, error) {
	runs, err := s.Runs(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNotFound
	}
	return runs[0], nil
}

func validate(r *Record) error {
	if r == nil {
		return errors.New("history: nil record")
	}
	if r.RunID == "" {
		return errors.New("history: record without run id")
	}
	return nil
}

// Backend names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver   string
	Path     string
	DSN      string
	Capacity int
}

// Open creates the backend named by o.Driver. An empty driver selects memory.
func Open(ctx context.Context, o Options) (Store, error) {
	switch o.Driver {
	case "", DriverMemory:
		return NewMemory(o.Capacity), nil
	case DriverSQLite:
		if o.Path == "" {
			return nil, errors.New("history: sqlite driver needs a path")
		}
		return OpenSQLite(o.Path)
	case DriverPostgres:
		if o.DSN == "" {
			return nil, errors.New("history: postgres driver needs a dsn")
		}
		return OpenPostgres(ctx, o.DSN)
	}
	return nil, fmt.Errorf("history: unknown driver %q", o.Driver)
}

package scheduler

import (
	"fmt"
	"time"

	"github.com/extensivelabs/agentecs/internal/merge"
)

// Effect tells the host how much of an aborted tick reached storage.
type Effect uint8

const (
	// EffectNone means no group committed.
	EffectNone Effect = iota
	// EffectPartial means some groups committed before the tick aborted.
	EffectPartial
	// EffectFull means every group committed.
	EffectFull
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectPartial:
		return "partial"
	case EffectFull:
		return "full"
	}
	return fmt.Sprintf("effect(%d)", uint8(e))
}

// MarshalText encodes the effect by name.
func (e Effect) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Status is the final state of one system in one tick.
type Status uint8

const (
	StatusOK Status = iota
	StatusSkipped
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SystemReport describes one system's activation in a tick.
type SystemReport struct {
	Name     string        `json:"name"`
	Attempts int           `json:"attempts"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

// GroupReport describes one execution group.
type GroupReport struct {
	Index     int            `json:"index"`
	Systems   []SystemReport `json:"systems"`
	Committed bool           `json:"committed"`
	Outcome   *merge.Outcome `json:"-"`
	Duration  time.Duration  `json:"duration_ns"`
}

// TickReport describes one tick.
type TickReport struct {
	Tick     uint64        `json:"tick"`
	Groups   []GroupReport `json:"groups"`
	Effect   Effect        `json:"effect"`
	Duration time.Duration `json:"duration_ns"`
	Err      error         `json:"-"`
}

// Committed counts the groups that reached storage.
func (r *TickReport) Committed() int {
	n := 0
	for _, g := range r.Groups {
		if g.Committed {
			n++
		}
	}
	return n
}

// System returns the report of the named system, if it ran in this tick.
func (r *TickReport) System(name string) (SystemReport, bool) {
	for _, g := range r.Groups {
		for _, s := range g.Systems {
			if s.Name == name {
				return s, true
			}
		}
	}
	return SystemReport{}, false
}

package harness

import (
	"encoding/json"
)

// State maps an entity key to its components, keyed by component name, in
// canonical JSON. Labeled entities are keyed by label; entities spawned
// during the run by their id.
type State map[string]map[string]json.RawMessage

// TickSummary is the part of a tick report a scenario can depend on.
type TickSummary struct {
	Tick    uint64   `json:"tick"`
	Effect  string   `json:"effect"`
	Groups  int      `json:"groups"`
	Retried []string `json:"retried,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	Failed  []string `json:"failed,omitempty"`

	// Error is the abort cause. Not part of golden output.
	Error string `json:"-"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation held.
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	Ticks     []TickSummary `json:"ticks"`
	State     State         `json:"state"`
	StateHash string        `json:"state_hash"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Ticks:  []TickSummary{},
		State:  State{},
	}
}

// AddError adds a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

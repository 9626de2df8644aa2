package harness

import (
	"github.com/roach88/tarn/internal/ir"
)

// TraceStep records what one scenario step did: the seq it was applied
// at, the published delta, and the error code when it failed.
type TraceStep struct {
	Seq     int64            `json:"seq"`
	Changes []ir.EventChange `json:"changes"`
	Error   string           `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// Trace holds one entry per step, in order.
	Trace []TraceStep `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State maps every view to its final rows in ascending order.
	State map[string][]ir.Tuple `json:"state,omitempty"`

	// Diagnostics counts row errors reported while running.
	Diagnostics int `json:"diagnostics"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceStep{},
		Errors: []string{},
		State:  make(map[string][]ir.Tuple),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step to the trace.
func (r *Result) AddStep(seq int64, changes []ir.EventChange, code string) {
	if changes == nil {
		changes = []ir.EventChange{}
	}
	r.Trace = append(r.Trace, TraceStep{Seq: seq, Changes: changes, Error: code})
}

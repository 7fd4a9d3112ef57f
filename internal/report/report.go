// Package report accumulates per-step outcomes for one load run. Purely
// additive: it aggregates and renders, nothing else.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fhirload/internal/fhir"
)

// Status is the terminal state of one load step.
type Status string

const (
	// StatusCreated: the put created a new resource.
	StatusCreated Status = "created"
	// StatusUpdated: the put overwrote an existing resource.
	StatusUpdated Status = "updated"
	// StatusUnchanged: a resumed run found the step already journaled as
	// done and skipped the network call.
	StatusUnchanged Status = "unchanged"
	// StatusFailed: the put failed after exhausting its retry budget, or
	// was rejected by store validation.
	StatusFailed Status = "failed"
	// StatusDependencyFailed: not attempted because a prerequisite step
	// failed.
	StatusDependencyFailed Status = "dependency-failed"
	// StatusSkipped: not attempted because the run halted or was cancelled
	// before reaching this step.
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one step.
type Result struct {
	Target   fhir.Identity `json:"target"`
	Mode     string        `json:"mode"`
	Status   Status        `json:"status"`
	Attempts int           `json:"attempts"`
	Err      string        `json:"error,omitempty"`
}

// Run collects results as execution proceeds. Discarded at process end; the
// journal, when enabled, is the durable record.
type Run struct {
	ID       string
	Started  time.Time
	Finished time.Time
	Results  []Result
}

// NewRun creates a run with a fresh UUIDv7 identifier.
func NewRun() *Run {
	return &Run{
		ID:      uuid.Must(uuid.NewV7()).String(),
		Started: time.Now().UTC(),
	}
}

// Record appends one result.
func (r *Run) Record(result Result) {
	r.Results = append(r.Results, result)
}

// Summary returns counts by status.
func (r *Run) Summary() map[Status]int {
	counts := make(map[Status]int)
	for _, result := range r.Results {
		counts[result.Status]++
	}
	return counts
}

// OK reports whether every step ended Created, Updated, or Unchanged.
func (r *Run) OK() bool {
	for _, result := range r.Results {
		switch result.Status {
		case StatusCreated, StatusUpdated, StatusUnchanged:
		default:
			return false
		}
	}
	return true
}

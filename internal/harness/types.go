package harness

import (
	"github.com/roach88/pretest/internal/ir"
)

// Trace event types.
const (
	EventCommit    = "commit"
	EventCycle     = "cycle"
	EventReset     = "reset"
	EventRetry     = "retry"
	EventPushError = "push_error"
)

// TraceEvent is one recorded step or cycle outcome.
type TraceEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`

	// Commit is set for commit events.
	Commit *ir.Commit `json:"commit,omitempty"`

	// Cycle is set for cycle events.
	Cycle *ir.CycleRecord `json:"cycle,omitempty"`

	// Revision and Cleared are set for retry events.
	Revision string `json:"revision,omitempty"`
	Cleared  int    `json:"cleared,omitempty"`

	// Error is set for push_error events.
	Error string `json:"error,omitempty"`
}

// canonical returns the event as a canonical-JSON-ready map.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"type": e.Type,
		"seq":  e.Seq,
	}
	switch e.Type {
	case EventCommit:
		m["revision"] = e.Commit.ID
		m["branch"] = e.Commit.Branch
		if e.Commit.Author != "" {
			m["author"] = e.Commit.Author
		}
	case EventCycle:
		for k, v := range e.Cycle.Details() {
			m[k] = v
		}
	case EventRetry:
		m["revision"] = e.Revision
		m["cleared"] = e.Cleared
	case EventPushError:
		m["error"] = e.Error
	}
	return m
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains every step and cycle outcome in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the project's integration state after the flow.
	State ir.IntegrationState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Outcomes returns the cycle records of the trace in order.
func (r *Result) Outcomes() []ir.CycleRecord {
	var out []ir.CycleRecord
	for _, e := range r.Trace {
		if e.Type == EventCycle {
			out = append(out, *e.Cycle)
		}
	}
	return out
}

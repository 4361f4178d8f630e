package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/vcs/vcstest"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describe(event))
		}
	}

	return buf.String()
}

func describe(e TraceEvent) string {
	switch e.Type {
	case EventCommit:
		return fmt.Sprintf("commit %s on %s", e.Commit.ID, e.Commit.Branch)
	case EventCycle:
		s := fmt.Sprintf("%s %s", e.Cycle.ID, e.Cycle.Outcome)
		if e.Cycle.Candidate != "" {
			s += " " + e.Cycle.Candidate
		}
		return s
	case EventRetry:
		return fmt.Sprintf("retry %s (cleared %d)", e.Revision, e.Cleared)
	case EventPushError:
		return "push_error " + e.Error
	}
	return e.Type
}

// AssertionContext provides the final repository and state for assertions.
type AssertionContext struct {
	Repo  *vcstest.Repo
	State ir.IntegrationState
}

// assertOutcomes checks the cycle outcomes, in order.
func assertOutcomes(result *Result, assertion Assertion) error {
	var actual []string
	for _, rec := range result.Outcomes() {
		actual = append(actual, string(rec.Outcome))
	}
	if slices.Equal(actual, assertion.Outcomes) {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutcomes,
		Expected: fmt.Sprint(assertion.Outcomes),
		Actual:   fmt.Sprint(actual),
		Trace:    result.Trace,
	}
}

// assertOutcomeCount checks that an outcome occurs exactly Count times.
func assertOutcomeCount(result *Result, assertion Assertion) error {
	count := 0
	for _, rec := range result.Outcomes() {
		if string(rec.Outcome) == assertion.Outcome {
			count++
		}
	}
	if count == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutcomeCount,
		Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Outcome),
		Actual:   fmt.Sprintf("%d occurrences", count),
		Trace:    result.Trace,
	}
}

// assertState checks the set fields against the final integration state.
// Rejected is compared as a set of revisions.
func assertState(state ir.IntegrationState, assertion Assertion) error {
	var diffs []string
	if want := assertion.LastIntegrated; want != nil && *want != state.LastIntegratedRevision {
		diffs = append(diffs, fmt.Sprintf("last_integrated %q, want %q", state.LastIntegratedRevision, *want))
	}
	if want := assertion.ResetRequested; want != nil && *want != state.ResetRequested {
		diffs = append(diffs, fmt.Sprintf("reset_requested %t, want %t", state.ResetRequested, *want))
	}
	if assertion.Rejected != nil {
		var got []string
		for _, r := range state.Rejected {
			got = append(got, r.Revision)
		}
		want := slices.Clone(assertion.Rejected)
		slices.Sort(got)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			diffs = append(diffs, fmt.Sprintf("rejected %v, want %v", got, want))
		}
	}
	if len(diffs) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertState,
		Expected: "state matching assertion",
		Actual:   strings.Join(diffs, "; "),
	}
}

// assertRevision checks a branch head or the last pushed revision.
func assertRevision(repo *vcstest.Repo, assertion Assertion) error {
	var got string
	if assertion.Type == AssertPushed {
		got = repo.Pushed(assertion.Branch)
	} else {
		got = repo.BranchHead(assertion.Branch)
	}
	if got == assertion.Revision {
		return nil
	}
	return &AssertionError{
		Type:     assertion.Type,
		Expected: fmt.Sprintf("%s at %q", assertion.Branch, assertion.Revision),
		Actual:   fmt.Sprintf("%q", got),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertOutcomes:
			err = assertOutcomes(result, assertion)
		case AssertOutcomeCount:
			err = assertOutcomeCount(result, assertion)
		case AssertState:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: state requires assertion context", i)
			} else {
				err = assertState(actx.State, assertion)
			}
		case AssertBranchHead, AssertPushed:
			if actx == nil || actx.Repo == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a repository", i, assertion.Type)
			} else {
				err = assertRevision(actx.Repo, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

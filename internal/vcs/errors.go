package vcs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pretest/internal/process"
)

var (
	// ErrMergeConflict is returned by Merge when the tool could not merge cleanly.
	ErrMergeConflict = errors.New("merge conflict")

	// ErrNothingToCommit is returned by Commit when the working copy is unchanged.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrBranchNotFound is returned by Head for an unknown branch.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrUnsupportedBackend is returned for an unknown backend kind.
	ErrUnsupportedBackend = errors.New("unsupported backend")
)

// CommandError is an unexpected non-zero exit from the backend tool.
// It carries the full command and output for manual triage.
type CommandError struct {
	Op     string
	Result process.Result
	Err    error // optional classification such as ErrMergeConflict
}

func (e *CommandError) Error() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "%s: %q exited %d", e.Op, e.Result.Command(), e.Result.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(b, " (%v)", e.Err)
	}
	if out := strings.TrimSpace(e.Result.Output()); out != "" {
		fmt.Fprintf(b, "\n%s", out)
	}
	return b.String()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func commandError(op string, res process.Result, classified error) error {
	return &CommandError{Op: op, Result: res, Err: classified}
}

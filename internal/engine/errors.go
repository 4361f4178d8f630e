package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes integration failures.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates an unusable project configuration.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// ErrCodeToolNotFound indicates the VCS executable is not on PATH.
	ErrCodeToolNotFound ErrorCode = "TOOL_NOT_FOUND"

	// ErrCodeEstablishWorkspace indicates the clean checkout failed.
	ErrCodeEstablishWorkspace ErrorCode = "ESTABLISH_WORKSPACE"

	// ErrCodeMergeConflict indicates the candidate did not merge cleanly.
	ErrCodeMergeConflict ErrorCode = "MERGE_CONFLICT"

	// ErrCodeBuildFailed indicates the build rejected the merged candidate.
	ErrCodeBuildFailed ErrorCode = "BUILD_FAILED"

	// ErrCodeCommitFailed indicates the merge could not be committed.
	ErrCodeCommitFailed ErrorCode = "COMMIT_FAILED"

	// ErrCodePushFailed indicates the integration commit was not pushed.
	ErrCodePushFailed ErrorCode = "PUSH_FAILED"

	// ErrCodeUnexpected covers any other VCS or store failure.
	ErrCodeUnexpected ErrorCode = "UNEXPECTED"
)

// Recoverable reports whether a cycle ending with this code leaves the
// project ready for the next cycle without operator action.
func (c ErrorCode) Recoverable() bool {
	return c == ErrCodeMergeConflict || c == ErrCodeBuildFailed
}

// IntegrationError describes why a cycle did not integrate its candidate.
type IntegrationError struct {
	Code    ErrorCode
	Message string

	Project   string
	CycleID   string
	Candidate string

	// Command, ExitCode and Output are set when a subprocess failed.
	Command  string
	ExitCode int
	Output   string

	Err error
}

func (e *IntegrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Project != "" {
		fmt.Fprintf(&b, " (project=%s", e.Project)
		if e.Candidate != "" {
			fmt.Fprintf(&b, ", candidate=%s", e.Candidate)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// CodeOf returns the code of the first IntegrationError in err's chain,
// or "" if there is none.
func CodeOf(err error) ErrorCode {
	var ie *IntegrationError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// IsMergeConflict returns true if err is a merge conflict rejection.
func IsMergeConflict(err error) bool { return CodeOf(err) == ErrCodeMergeConflict }

// IsBuildFailed returns true if err is a build rejection.
func IsBuildFailed(err error) bool { return CodeOf(err) == ErrCodeBuildFailed }

// IsPushFailed returns true if err is a push failure.
func IsPushFailed(err error) bool { return CodeOf(err) == ErrCodePushFailed }

// IsToolNotFound returns true if the VCS tool could not be located.
func IsToolNotFound(err error) bool { return CodeOf(err) == ErrCodeToolNotFound }

// IsFatal returns true if err is an integration error that needs an operator.
func IsFatal(err error) bool {
	code := CodeOf(err)
	return code != "" && !code.Recoverable()
}

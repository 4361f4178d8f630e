package process

import (
	"errors"
	"fmt"
	"strings"
)

// ToolNotFoundError is returned when the executable cannot be located.
type ToolNotFoundError struct {
	Tool string
	Err  error
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("no '%s' program on path: %v", e.Tool, e.Err)
}

func (e *ToolNotFoundError) Unwrap() error {
	return e.Err
}

// ExecutionError is returned when a subprocess could not be started or was
// killed before it exited on its own.
type ExecutionError struct {
	Args   []string
	Dir    string
	Err    error
	Result Result
}

func (e *ExecutionError) Error() string {
	b := new(strings.Builder)
	fmt.Fprintf(b, "running %q", strings.Join(e.Args, " "))
	if e.Dir != "" {
		fmt.Fprintf(b, " in %s", e.Dir)
	}
	fmt.Fprintf(b, ": %v", e.Err)
	return b.String()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsToolNotFound reports whether err (or anything it wraps) is a
// ToolNotFoundError.
func IsToolNotFound(err error) bool {
	var tnf *ToolNotFoundError
	return errors.As(err, &tnf)
}

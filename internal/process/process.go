// Package process runs external version-control and build commands.
//
// The runner captures exit code, stdout and stderr and never interprets
// what a command meant. A non-zero exit is a Result, not an error: callers
// decide which exit codes are recoverable. Errors are reserved for commands
// that could not be located or started.
package process

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result is the captured outcome of one command invocation.
type Result struct {
	Args     []string // tool name followed by its arguments
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns stdout and stderr joined, for diagnostics.
func (r Result) Output() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + r.Stderr
	}
}

// Lines splits stdout into non-empty trimmed lines.
func (r Result) Lines() []string {
	var lines []string
	for _, line := range strings.Split(r.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Command renders the invocation as a single line for logs.
func (r Result) Command() string {
	return strings.Join(r.Args, " ")
}

const waitDelay = 2 * time.Second

// Runner invokes a command in a working directory.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (Result, error)
}

// ExecRunner runs a fixed tool through os/exec.
//
// The tool is resolved on PATH at every invocation so that installing the
// tool after startup is picked up without a restart.
type ExecRunner struct {
	tool   string
	env    []string
	logger *slog.Logger
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *ExecRunner) {
		r.env = append(r.env, env...)
	}
}

// WithLogger sets the logger used for per-command debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *ExecRunner) {
		r.logger = logger
	}
}

// NewExecRunner returns a runner for the named tool (for example "hg").
func NewExecRunner(tool string, opts ...Option) *ExecRunner {
	r := &ExecRunner{tool: tool, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tool returns the tool name the runner invokes.
func (r *ExecRunner) Tool() string {
	return r.tool
}

// Run executes the tool with args in dir.
//
// Cancelling ctx kills the subprocess; the returned error then wraps
// ctx.Err() so callers can tell a timeout from a failed command.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	res := Result{Args: append([]string{r.tool}, args...)}

	path, err := exec.LookPath(r.tool)
	if err != nil {
		return res, &ToolNotFoundError{Tool: r.tool, Err: err}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	// Grandchildren holding the output pipes must not outlive a cancelled ctx.
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), r.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, &ExecutionError{Args: res.Args, Dir: dir, Err: ctxErr, Result: res}
			}
			res.ExitCode = exitErr.ExitCode()
			r.logger.Debug("command exited", "cmd", res.Command(), "dir", dir, "exit", res.ExitCode)
			return res, nil
		}
		if isToolMissing(err) {
			return res, &ToolNotFoundError{Tool: r.tool, Err: err}
		}
		return res, &ExecutionError{Args: res.Args, Dir: dir, Err: err, Result: res}
	}

	r.logger.Debug("command ok", "cmd", res.Command(), "dir", dir)
	return res, nil
}

// isToolMissing matches the failure signatures of a program that cannot be
// found or executed.
func isToolMissing(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Op != "chdir" && errors.Is(pe.Err, fs.ErrNotExist)
	}
	return MatchesToolNotFound(err.Error())
}

// MatchesToolNotFound reports whether text carries the well-known
// "cannot run program ... no such file or directory" signature.
func MatchesToolNotFound(text string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "executable file not found") {
		return true
	}
	return strings.Contains(lower, "cannot run program") && strings.Contains(lower, "no such file or directory")
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/process"
)

// BuildExecutor verifies a merged candidate in its workspace.
//
// A returned error means the build could not be run at all; the
// controller treats it as BuildAborted.
type BuildExecutor interface {
	Build(ctx context.Context, ws Workspace, candidate ir.Commit) (ir.BuildResult, error)
}

// BuildFunc adapts a function to BuildExecutor.
type BuildFunc func(ctx context.Context, ws Workspace, candidate ir.Commit) (ir.BuildResult, error)

// Build calls f.
func (f BuildFunc) Build(ctx context.Context, ws Workspace, candidate ir.Commit) (ir.BuildResult, error) {
	return f(ctx, ws, candidate)
}

// Fixed returns an executor that always yields result.
func Fixed(result ir.BuildResult) BuildExecutor {
	return BuildFunc(func(context.Context, Workspace, ir.Commit) (ir.BuildResult, error) {
		return result, nil
	})
}

// Environment variables exported to build commands.
const (
	EnvProject   = "PRETEST_PROJECT"
	EnvCandidate = "PRETEST_CANDIDATE"
	EnvBranch    = "PRETEST_BRANCH"
)

// CommandExecutor runs a shell command in the workspace.
//
// Exit status 0 is BuildSuccess and any other status BuildFailure. A
// command cut short by Timeout or by ctx is BuildAborted.
type CommandExecutor struct {
	Command string
	Timeout time.Duration

	// Shell defaults to "sh".
	Shell string

	// NewRunner overrides how the shell runner is built, for tests.
	NewRunner func(shell string, env []string) process.Runner

	Logger *slog.Logger
}

// Build implements BuildExecutor.
func (e *CommandExecutor) Build(ctx context.Context, ws Workspace, candidate ir.Commit) (ir.BuildResult, error) {
	if strings.TrimSpace(e.Command) == "" {
		return 0, errors.New("build: empty command")
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	env := []string{
		EnvProject + "=" + ws.Project,
		EnvCandidate + "=" + candidate.ID,
		EnvBranch + "=" + candidate.Branch,
	}

	var runner process.Runner
	if e.NewRunner != nil {
		runner = e.NewRunner(shell, env)
	} else {
		runner = process.NewExecRunner(shell, process.WithEnv(env...), process.WithLogger(logger))
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := runner.Run(ctx, ws.Dir, "-c", e.Command)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("build aborted",
				"project", ws.Project,
				"candidate", candidate.ID,
				"elapsed", elapsed,
				"error", err,
			)
			return ir.BuildAborted, nil
		}
		return 0, fmt.Errorf("build: %w", err)
	}

	if !res.Success() {
		logger.Info("build failed",
			"project", ws.Project,
			"candidate", candidate.ID,
			"exit", res.ExitCode,
			"elapsed", elapsed,
		)
		logger.Debug("build output", "output", res.Output())
		return ir.BuildFailure, nil
	}
	logger.Info("build passed", "project", ws.Project, "candidate", candidate.ID, "elapsed", elapsed)
	return ir.BuildSuccess, nil
}

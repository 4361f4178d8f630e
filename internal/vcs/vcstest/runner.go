// Package vcstest provides test doubles for the vcs package: a scripted
// process runner for command-contract tests and an in-memory repository
// that implements vcs.Backend for controller and scenario tests.
package vcstest

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/pretest/internal/process"
)

// Response is a canned reply for commands whose arguments start with Prefix.
type Response struct {
	Prefix []string
	Result process.Result
	Err    error

	// Sticky responses are reused; others are consumed on first match.
	Sticky bool
	used   bool
}

// Runner is a process.Runner that records every call and replies from a
// script. Unscripted commands succeed with empty output.
type Runner struct {
	mu        sync.Mutex
	Calls     [][]string
	Dirs      []string
	responses []*Response
}

// NewRunner returns an empty scripted runner.
func NewRunner() *Runner {
	return &Runner{}
}

// On scripts a one-shot reply for commands starting with prefix.
func (r *Runner) On(stdout string, exitCode int, prefix ...string) *Runner {
	return r.add(&Response{
		Prefix: prefix,
		Result: process.Result{Stdout: stdout, ExitCode: exitCode},
	})
}

// OnStderr scripts a one-shot reply with stderr output.
func (r *Runner) OnStderr(stderr string, exitCode int, prefix ...string) *Runner {
	return r.add(&Response{
		Prefix: prefix,
		Result: process.Result{Stderr: stderr, ExitCode: exitCode},
	})
}

// OnError scripts a one-shot runner error.
func (r *Runner) OnError(err error, prefix ...string) *Runner {
	return r.add(&Response{Prefix: prefix, Err: err})
}

func (r *Runner) add(resp *Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
	return r
}

// Run implements process.Runner.
func (r *Runner) Run(_ context.Context, dir string, args ...string) (process.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls = append(r.Calls, slices.Clone(args))
	r.Dirs = append(r.Dirs, dir)

	for _, resp := range r.responses {
		if resp.used || !hasPrefix(args, resp.Prefix) {
			continue
		}
		if !resp.Sticky {
			resp.used = true
		}
		res := resp.Result
		res.Args = slices.Clone(args)
		return res, resp.Err
	}
	return process.Result{Args: slices.Clone(args)}, nil
}

// Commands returns the recorded calls joined with spaces.
func (r *Runner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Calls))
	for i, c := range r.Calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func hasPrefix(args, prefix []string) bool {
	if len(prefix) > len(args) {
		return false
	}
	return slices.Equal(args[:len(prefix)], prefix)
}

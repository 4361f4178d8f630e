// Package vcs drives version-control tools as black-box subprocesses.
//
// A Backend exposes the handful of operations an integration cycle needs.
// Implementations are selected by Kind through a Registry populated at
// startup; callers never inspect the concrete type.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/process"
)

// Kind names a supported version-control backend.
type Kind string

const (
	KindMercurial Kind = "hg"
	KindGit       Kind = "git"
)

// ParseKind accepts the backend names used in project configuration.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hg", "mercurial":
		return KindMercurial, nil
	case "git":
		return KindGit, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
}

// DefaultBranch is the branch a log record belongs to when it names none.
func (k Kind) DefaultBranch() string {
	if k == KindGit {
		return "master"
	}
	return "default"
}

// Tool is the executable name for the backend.
func (k Kind) Tool() string {
	return string(k)
}

// LogQuery selects candidate commits.
type LogQuery struct {
	// Base excludes every commit reachable from it. Empty means no exclusion.
	Base string

	// BranchPattern is a regular expression matched against whole branch names.
	BranchPattern string
}

// Backend is the capability set used by the integration controller.
//
// All operations run in the backend's working directory. Pull and Push
// treat "no changes" as success.
type Backend interface {
	Kind() Kind

	// Pull refreshes local knowledge of the remote.
	Pull(ctx context.Context) error

	// Head returns the tip of branch, or ErrBranchNotFound.
	Head(ctx context.Context, branch string) (string, error)

	// Log returns commits matching q, oldest first in ancestry order.
	Log(ctx context.Context, q LogQuery) ([]ir.Commit, error)

	// Update checks out branch, discarding local modifications.
	Update(ctx context.Context, branch string) error

	// Merge merges rev into the working copy without committing.
	// A conflicting merge returns an error matching ErrMergeConflict.
	Merge(ctx context.Context, rev string) error

	// Commit records the working copy and returns the new commit id.
	// An empty author leaves the tool's configured identity in place.
	Commit(ctx context.Context, message, author string) (string, error)

	// Push propagates branch to the remote.
	Push(ctx context.Context, branch string) error

	// Discard removes rev, an unpushed commit at the tip of branch, leaving
	// branch and a clean working copy on its first parent.
	Discard(ctx context.Context, branch, rev string) error

	// IsClean reports whether the working copy has no pending changes.
	IsClean(ctx context.Context) (bool, error)
}

// Options configures a backend instance.
type Options struct {
	// Dir is the working directory of the local clone.
	Dir string

	// Remote is the pull source and push destination. Empty uses the
	// tool's default path ("default" for hg, "origin" for git).
	Remote string

	// MergeTool is passed to hg merge --tool. Ignored by git.
	MergeTool string

	// Runner overrides the subprocess runner, mainly for tests.
	Runner process.Runner

	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// quoteRevsetString escapes s for use inside a single-quoted revset string.
func quoteRevsetString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, `'`, `\'`) + "'"
}

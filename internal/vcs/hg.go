package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/pretest/internal/commitlog"
	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/process"
)

// DefaultMergeTool is the Mercurial merge tool used when none is configured.
// internal:merge leaves conflict markers and never prompts.
const DefaultMergeTool = "internal:merge"

// hgLogTemplate renders log records in the commitlog layout. The \n escapes
// are expanded by hg's templater, not by Go.
const hgLogTemplate = `changeset: {node}\nbranch: {branch}\nuser: {author}\ndate: {date|isodate}\nsummary: {desc|firstline}\n\n`

// Mercurial drives the hg command line.
type Mercurial struct {
	dir       string
	remote    string
	mergeTool string
	runner    process.Runner
	logger    *slog.Logger
}

// NewMercurial returns a Mercurial backend. opts.Runner must be set; use
// Registry.Open to get the default runner.
func NewMercurial(opts Options) *Mercurial {
	tool := opts.MergeTool
	if tool == "" {
		tool = DefaultMergeTool
	}
	return &Mercurial{
		dir:       opts.Dir,
		remote:    opts.Remote,
		mergeTool: tool,
		runner:    opts.Runner,
		logger:    opts.logger(),
	}
}

func (m *Mercurial) Kind() Kind { return KindMercurial }

func (m *Mercurial) run(ctx context.Context, args ...string) (process.Result, error) {
	res, err := m.runner.Run(ctx, m.dir, args...)
	if err != nil {
		return res, fmt.Errorf("hg %s: %w", args[0], err)
	}
	return res, nil
}

func (m *Mercurial) Pull(ctx context.Context) error {
	args := []string{"pull"}
	if m.remote != "" {
		args = append(args, m.remote)
	}
	res, err := m.run(ctx, args...)
	if err != nil {
		return err
	}
	if res.Success() || isNoChanges(res) {
		return nil
	}
	return commandError("pull", res, nil)
}

func (m *Mercurial) Head(ctx context.Context, branch string) (string, error) {
	res, err := m.run(ctx, "heads", branch, "--template", `{node}\n`)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		out := strings.ToLower(res.Output())
		if strings.Contains(out, "unknown revision") || strings.Contains(out, "no open branch heads") {
			return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return "", commandError("heads", res, nil)
	}
	lines := res.Lines()
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return lines[0], nil
}

// Log runs a revset selecting staging-branch commits not reachable from the
// base, sorted by local revision number, which is a topological order.
func (m *Mercurial) Log(ctx context.Context, q LogQuery) ([]ir.Commit, error) {
	res, err := m.run(ctx, "log", "-r", hgRevset(q), "--template", hgLogTemplate)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, commandError("log", res, nil)
	}
	return commitlog.ParseAll(res.Stdout, commitlog.Options{DefaultBranch: KindMercurial.DefaultBranch()})
}

func hgRevset(q LogQuery) string {
	set := fmt.Sprintf("branch(%s)", quoteRevsetString("re:^(?:"+q.BranchPattern+")$"))
	if q.Base != "" {
		set = fmt.Sprintf("%s and not ancestors(%s)", set, quoteRevsetString(q.Base))
	}
	return fmt.Sprintf("sort(%s, rev)", set)
}

func (m *Mercurial) Update(ctx context.Context, branch string) error {
	res, err := m.run(ctx, "update", "-C", branch)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("update", res, nil)
	}
	return nil
}

// Merge treats exit status 1 (unresolved files) as a conflict; other
// failures such as an unknown revision abort with 255.
func (m *Mercurial) Merge(ctx context.Context, rev string) error {
	res, err := m.run(ctx, "merge", rev, "--tool", m.mergeTool)
	if err != nil {
		return err
	}
	switch res.ExitCode {
	case 0:
		return nil
	case 1:
		return commandError("merge", res, ErrMergeConflict)
	default:
		return commandError("merge", res, nil)
	}
}

func (m *Mercurial) Commit(ctx context.Context, message, author string) (string, error) {
	args := []string{"commit", "-m", message}
	if author != "" {
		args = append(args, "-u", author)
	}
	res, err := m.run(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		if strings.Contains(res.Output(), "nothing changed") {
			return "", commandError("commit", res, ErrNothingToCommit)
		}
		return "", commandError("commit", res, nil)
	}

	res, err = m.run(ctx, "log", "-r", ".", "--template", "{node}")
	if err != nil {
		return "", err
	}
	if !res.Success() || strings.TrimSpace(res.Stdout) == "" {
		return "", commandError("log", res, nil)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Push exits 1 when there is nothing to push, which is not a failure.
func (m *Mercurial) Push(ctx context.Context, branch string) error {
	args := []string{"push", "--branch", branch}
	if m.remote != "" {
		args = append(args, m.remote)
	}
	res, err := m.run(ctx, args...)
	if err != nil {
		return err
	}
	if res.Success() || (res.ExitCode == 1 && isNoChanges(res)) {
		return nil
	}
	return commandError("push", res, nil)
}

// Discard strips rev from the local repository. Strip moves the working
// copy to the parent when it was on rev.
func (m *Mercurial) Discard(ctx context.Context, branch, rev string) error {
	res, err := m.run(ctx, "log", "-r", "max(branch("+quoteRevsetString(branch)+"))", "--template", "{node}")
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("log", res, nil)
	}
	if head := strings.TrimSpace(res.Stdout); head != rev {
		return fmt.Errorf("discard %s: branch %s is at %q", rev, branch, head)
	}

	res, err = m.run(ctx, "strip", "--config", "extensions.strip=", "--no-backup", "-r", rev)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("strip", res, nil)
	}
	return nil
}

func (m *Mercurial) IsClean(ctx context.Context) (bool, error) {
	res, err := m.run(ctx, "status")
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, commandError("status", res, nil)
	}
	if len(res.Lines()) > 0 {
		return false, nil
	}

	res, err = m.run(ctx, "parents", "--template", `{node}\n`)
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, commandError("parents", res, nil)
	}
	return len(res.Lines()) <= 1, nil
}

func isNoChanges(res process.Result) bool {
	return strings.Contains(res.Output(), "no changes found")
}

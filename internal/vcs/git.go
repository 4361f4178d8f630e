package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/roach88/pretest/internal/commitlog"
	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/process"
)

// gitLogFormat renders log records in the commitlog layout. %S is the ref
// named on the command line through which the commit was reached.
const gitLogFormat = "changeset: %H%nbranch: %S%nuser: %an <%ae>%ndate: %aI%nsummary: %s%n"

// Git drives the git command line. Branches are tracked through the
// remote-tracking refs of a single remote; the remote is the source of
// truth for the integration branch.
type Git struct {
	dir    string
	remote string
	runner process.Runner
	logger *slog.Logger
}

// NewGit returns a Git backend. opts.Runner must be set; use Registry.Open
// to get the default runner.
func NewGit(opts Options) *Git {
	remote := opts.Remote
	if remote == "" {
		remote = "origin"
	}
	return &Git{
		dir:    opts.Dir,
		remote: remote,
		runner: opts.Runner,
		logger: opts.logger(),
	}
}

func (g *Git) Kind() Kind { return KindGit }

func (g *Git) run(ctx context.Context, args ...string) (process.Result, error) {
	res, err := g.runner.Run(ctx, g.dir, args...)
	if err != nil {
		return res, fmt.Errorf("git %s: %w", args[0], err)
	}
	return res, nil
}

func (g *Git) remoteRef(branch string) string {
	return "refs/remotes/" + g.remote + "/" + branch
}

func (g *Git) Pull(ctx context.Context) error {
	res, err := g.run(ctx, "fetch", "--prune", g.remote)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("fetch", res, nil)
	}
	return nil
}

// resolve returns the commit a ref points to, or "" when it does not exist.
func (g *Git) resolve(ctx context.Context, ref string) (string, error) {
	res, err := g.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	switch {
	case res.Success():
		return strings.TrimSpace(res.Stdout), nil
	case res.ExitCode == 1:
		return "", nil
	default:
		return "", commandError("rev-parse", res, nil)
	}
}

func (g *Git) Head(ctx context.Context, branch string) (string, error) {
	id, _, err := g.tip(ctx, branch)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return id, nil
}

// tip returns the commit branch is built on and the ref naming it. The
// remote-tracking ref wins when the local branch is missing or is one of
// its ancestors; a local branch holding unpushed integrations is kept.
func (g *Git) tip(ctx context.Context, branch string) (string, string, error) {
	remoteRef, localRef := g.remoteRef(branch), "refs/heads/"+branch
	remote, err := g.resolve(ctx, remoteRef)
	if err != nil {
		return "", "", err
	}
	local, err := g.resolve(ctx, localRef)
	if err != nil {
		return "", "", err
	}
	switch {
	case remote == "" && local == "":
		return "", "", nil
	case remote == "":
		return local, localRef, nil
	case local == "" || local == remote:
		return remote, remoteRef, nil
	}
	behind, err := g.isAncestor(ctx, local, remote)
	if err != nil {
		return "", "", err
	}
	if behind {
		return remote, remoteRef, nil
	}
	return local, localRef, nil
}

// isAncestor reports whether a is reachable from b.
func (g *Git) isAncestor(ctx context.Context, a, b string) (bool, error) {
	res, err := g.run(ctx, "merge-base", "--is-ancestor", a, b)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, commandError("merge-base", res, nil)
	}
}

func (g *Git) Log(ctx context.Context, q LogQuery) ([]ir.Commit, error) {
	pattern, err := regexp.Compile("^(?:" + q.BranchPattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("git log: invalid branch pattern: %w", err)
	}

	prefix := "refs/remotes/" + g.remote + "/"
	res, err := g.run(ctx, "for-each-ref", "--format=%(refname)", prefix)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, commandError("for-each-ref", res, nil)
	}

	var refs []string
	for _, ref := range res.Lines() {
		name := strings.TrimPrefix(ref, prefix)
		if name != "HEAD" && pattern.MatchString(name) {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}

	args := []string{"log", "--topo-order", "--reverse", "--format=" + gitLogFormat}
	args = append(args, refs...)
	if q.Base != "" {
		args = append(args, "^"+q.Base)
	}
	args = append(args, "--")

	res, err = g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, commandError("log", res, nil)
	}

	commits, err := commitlog.ParseAll(res.Stdout, commitlog.Options{DefaultBranch: KindGit.DefaultBranch()})
	if err != nil {
		return nil, err
	}
	for i := range commits {
		commits[i].Branch = strings.TrimPrefix(commits[i].Branch, prefix)
	}
	return commits, nil
}

// Update checks out branch at the tip chosen by tip, discarding local
// modifications and untracked files.
func (g *Git) Update(ctx context.Context, branch string) error {
	_, ref, err := g.tip(ctx, branch)
	if err != nil {
		return err
	}
	args := []string{"checkout", "-f", branch}
	if ref != "" {
		args = []string{"checkout", "-f", "-B", branch, ref}
	}
	return g.checkout(ctx, args...)
}

func (g *Git) checkout(ctx context.Context, args ...string) error {
	res, err := g.run(ctx, args...)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("checkout", res, nil)
	}

	res, err = g.run(ctx, "clean", "-fd")
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("clean", res, nil)
	}
	return nil
}

func (g *Git) Merge(ctx context.Context, rev string) error {
	res, err := g.run(ctx, "merge", "--no-ff", "--no-commit", rev)
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

func (g *Git) Commit(ctx context.Context, message, author string) (string, error) {
	args := []string{"commit", "-m", message}
	if author != "" {
		if !strings.Contains(author, "<") {
			author += " <>"
		}
		args = append(args, "--author="+author)
	}
	res, err := g.run(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		if strings.Contains(res.Output(), "nothing to commit") {
			return "", commandError("commit", res, ErrNothingToCommit)
		}
		return "", commandError("commit", res, nil)
	}

	res, err = g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", commandError("rev-parse", res, nil)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (g *Git) Push(ctx context.Context, branch string) error {
	res, err := g.run(ctx, "push", g.remote, "HEAD:refs/heads/"+branch)
	if err != nil {
		return err
	}
	if !res.Success() {
		return commandError("push", res, nil)
	}
	return nil
}

// Discard moves branch back to the first parent of rev, the integration
// head the merge was made on.
func (g *Git) Discard(ctx context.Context, branch, rev string) error {
	local, err := g.resolve(ctx, "refs/heads/"+branch)
	if err != nil {
		return err
	}
	if local != rev {
		return fmt.Errorf("discard %s: branch %s is at %q", rev, branch, local)
	}
	return g.checkout(ctx, "checkout", "-f", "-B", branch, rev+"^1")
}

func (g *Git) IsClean(ctx context.Context) (bool, error) {
	res, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if !res.Success() {
		return false, commandError("status", res, nil)
	}
	if len(res.Lines()) > 0 {
		return false, nil
	}
	merging, err := g.resolve(ctx, "MERGE_HEAD")
	if err != nil {
		return false, err
	}
	return merging == "", nil
}

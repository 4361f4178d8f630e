package vcstest

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/vcs"
)

type node struct {
	commit  ir.Commit
	parents []string
	files   map[string]string
	seq     int
}

// Repo is an in-memory repository with Mercurial-style named branches and
// a single working copy. Commit ids are "r1", "r2", ... in creation order,
// which is also a topological order.
//
// Merges are three-way at file granularity: a file changed on both sides
// since the common ancestor is a conflict.
type Repo struct {
	mu    sync.Mutex
	nodes map[string]*node
	order []string
	heads map[string]string
	seq   int

	wcBranch   string
	wcParent   string
	wcMerge    string
	wcFiles    map[string]string
	dirty      bool
	conflicted []string

	pushed map[string]string
	pulls  int

	pushErr   error
	updateErr error
	commitErr error
}

var _ vcs.Backend = (*Repo)(nil)

// NewRepo returns a repository whose integration branch holds one root
// commit "r1" with a README.
func NewRepo(integrationBranch string) *Repo {
	r := &Repo{
		nodes:  make(map[string]*node),
		heads:  make(map[string]string),
		pushed: make(map[string]string),
	}
	r.addNode(integrationBranch, "root", "initial", nil, map[string]string{"README": "init\n"})
	return r
}

func (r *Repo) addNode(branch, author, message string, parents []string, files map[string]string) ir.Commit {
	r.seq++
	seq := r.seq
	c := ir.Commit{
		ID:        fmt.Sprintf("r%d", seq),
		Branch:    branch,
		Author:    author,
		Timestamp: fmt.Sprintf("2024-01-01 00:%02d +0000", seq%60),
		Message:   message,
	}
	r.nodes[c.ID] = &node{commit: c, parents: parents, files: files, seq: seq}
	r.order = append(r.order, c.ID)
	r.heads[branch] = c.ID
	return c
}

// CommitOn adds a commit on branch. The parent is the branch head, or, for a
// new branch, from (a branch name or commit id). files are applied on top
// of the parent's files; an empty value deletes the file.
//
// CommitOn panics on an unknown parent: that is a broken test, not a
// repository condition.
func (r *Repo) CommitOn(branch, from, author, message string, files map[string]string) ir.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.heads[branch]
	if !ok {
		parent = r.resolveLocked(from)
		if parent == "" {
			panic(fmt.Sprintf("vcstest: unknown parent %q for branch %q", from, branch))
		}
	}

	merged := maps.Clone(r.nodes[parent].files)
	for path, content := range files {
		if content == "" {
			delete(merged, path)
			continue
		}
		merged[path] = content
	}
	return r.addNode(branch, author, message, []string{parent}, merged)
}

func (r *Repo) resolveLocked(ref string) string {
	if id, ok := r.heads[ref]; ok {
		return id
	}
	if _, ok := r.nodes[ref]; ok {
		return ref
	}
	return ""
}

// SetPushError makes every Push fail with err until cleared with nil.
func (r *Repo) SetPushError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushErr = err
}

// SetUpdateError makes every Update fail with err until cleared with nil.
func (r *Repo) SetUpdateError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr = err
}

// SetCommitError makes every Commit through the Backend interface fail.
func (r *Repo) SetCommitError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commitErr = err
}

// Touch modifies a working-copy file, leaving the working copy dirty.
func (r *Repo) Touch(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wcFiles == nil {
		r.wcFiles = make(map[string]string)
	}
	r.wcFiles[path] = content
	r.dirty = true
}

// Pulls returns how many times Pull was called.
func (r *Repo) Pulls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls
}

// Pushed returns the revision last pushed for branch.
func (r *Repo) Pushed(branch string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushed[branch]
}

// BranchHead returns the head of branch or "".
func (r *Repo) BranchHead(branch string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heads[branch]
}

// Parents returns the parent ids of a commit.
func (r *Repo) Parents(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		return slices.Clone(n.parents)
	}
	return nil
}

// Lookup returns the commit with id.
func (r *Repo) Lookup(id string) (ir.Commit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return ir.Commit{}, false
	}
	return n.commit, true
}

// History follows first parents from the head of branch, newest first.
func (r *Repo) History(branch string) []ir.Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ir.Commit
	for id := r.heads[branch]; id != ""; {
		n := r.nodes[id]
		out = append(out, n.commit)
		id = ""
		if len(n.parents) > 0 {
			id = n.parents[0]
		}
	}
	return out
}

// WorkingCopy returns the checked-out branch, its parent revision and a
// copy of the working files.
func (r *Repo) WorkingCopy() (branch, parent string, files map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wcBranch, r.wcParent, maps.Clone(r.wcFiles)
}

// Conflicts lists files left with conflict markers by the last merge.
func (r *Repo) Conflicts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.conflicted)
}

func (r *Repo) Kind() vcs.Kind { return vcs.KindMercurial }

func (r *Repo) Pull(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls++
	return nil
}

func (r *Repo) Head(_ context.Context, branch string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.heads[branch]
	if !ok {
		return "", fmt.Errorf("%w: %s", vcs.ErrBranchNotFound, branch)
	}
	return id, nil
}

func (r *Repo) Log(_ context.Context, q vcs.LogQuery) ([]ir.Commit, error) {
	pattern, err := regexp.Compile("^(?:" + q.BranchPattern + ")$")
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	excluded := map[string]bool{}
	if q.Base != "" {
		if _, ok := r.nodes[q.Base]; !ok {
			return nil, fmt.Errorf("unknown revision %q", q.Base)
		}
		excluded = r.ancestorsLocked(q.Base)
	}

	var out []ir.Commit
	for _, id := range r.order {
		n := r.nodes[id]
		if !excluded[id] && pattern.MatchString(n.commit.Branch) {
			out = append(out, n.commit)
		}
	}
	return out, nil
}

// ancestorsLocked returns id and every commit reachable from it.
func (r *Repo) ancestorsLocked(id string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, r.nodes[cur].parents...)
	}
	return seen
}

func (r *Repo) Update(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	id, ok := r.heads[branch]
	if !ok {
		return fmt.Errorf("%w: %s", vcs.ErrBranchNotFound, branch)
	}
	r.wcBranch = branch
	r.wcParent = id
	r.wcMerge = ""
	r.wcFiles = maps.Clone(r.nodes[id].files)
	r.dirty = false
	r.conflicted = nil
	return nil
}

func (r *Repo) Merge(_ context.Context, rev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wcParent == "" {
		return fmt.Errorf("merge: no working copy checked out")
	}
	if r.wcMerge != "" {
		return fmt.Errorf("merge: outstanding uncommitted merge")
	}
	theirs, ok := r.nodes[rev]
	if !ok {
		return fmt.Errorf("merge: unknown revision %q", rev)
	}
	oursAnc := r.ancestorsLocked(r.wcParent)
	if oursAnc[rev] {
		return fmt.Errorf("merge: %s is an ancestor of the working copy", rev)
	}

	base := r.commonAncestorLocked(oursAnc, r.ancestorsLocked(rev))
	var baseFiles map[string]string
	if base != "" {
		baseFiles = r.nodes[base].files
	}

	paths := map[string]bool{}
	for _, m := range []map[string]string{baseFiles, r.wcFiles, theirs.files} {
		for p := range m {
			paths[p] = true
		}
	}

	merged := make(map[string]string, len(paths))
	var conflicts []string
	for _, p := range slices.Sorted(maps.Keys(paths)) {
		b, inB := baseFiles[p]
		o, inO := r.wcFiles[p]
		t, inT := theirs.files[p]
		switch {
		case inO == inT && o == t:
			if inO {
				merged[p] = o
			}
		case inO == inB && o == b:
			if inT {
				merged[p] = t
			}
		case inT == inB && t == b:
			if inO {
				merged[p] = o
			}
		default:
			conflicts = append(conflicts, p)
			merged[p] = "<<<<<<< working copy\n" + o + "=======\n" + t + ">>>>>>> " + rev + "\n"
		}
	}

	r.wcFiles = merged
	r.wcMerge = rev
	r.dirty = true
	r.conflicted = conflicts
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: %d unresolved files merging %s", vcs.ErrMergeConflict, len(conflicts), rev)
	}
	return nil
}

// commonAncestorLocked picks the most recent commit reachable from both sides.
func (r *Repo) commonAncestorLocked(a, b map[string]bool) string {
	best, bestSeq := "", 0
	for id := range a {
		if b[id] && r.nodes[id].seq > bestSeq {
			best, bestSeq = id, r.nodes[id].seq
		}
	}
	return best
}

func (r *Repo) Commit(_ context.Context, message, author string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.commitErr != nil {
		return "", r.commitErr
	}
	if !r.dirty {
		return "", vcs.ErrNothingToCommit
	}
	if len(r.conflicted) > 0 {
		return "", fmt.Errorf("commit: unresolved merge conflicts in %v", r.conflicted)
	}
	if author == "" {
		author = "pretest"
	}
	parents := []string{r.wcParent}
	if r.wcMerge != "" {
		parents = append(parents, r.wcMerge)
	}
	c := r.addNode(r.wcBranch, author, message, parents, maps.Clone(r.wcFiles))
	r.wcParent = c.ID
	r.wcMerge = ""
	r.dirty = false
	return c.ID, nil
}

func (r *Repo) Push(_ context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushErr != nil {
		return r.pushErr
	}
	r.pushed[branch] = r.heads[branch]
	return nil
}

// Discard removes rev from the repository. Revision numbers are not reused.
func (r *Repo) Discard(_ context.Context, branch, rev string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.heads[branch] != rev {
		return fmt.Errorf("discard %s: branch %s is at %q", rev, branch, r.heads[branch])
	}
	n := r.nodes[rev]
	if len(n.parents) == 0 {
		return fmt.Errorf("discard %s: root commit", rev)
	}
	parent := n.parents[0]
	delete(r.nodes, rev)
	r.order = slices.DeleteFunc(r.order, func(id string) bool { return id == rev })
	r.heads[branch] = parent

	r.wcBranch = branch
	r.wcParent = parent
	r.wcMerge = ""
	r.wcFiles = maps.Clone(r.nodes[parent].files)
	r.dirty = false
	r.conflicted = nil
	return nil
}

func (r *Repo) IsClean(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dirty, nil
}

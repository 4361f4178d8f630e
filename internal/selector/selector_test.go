package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/vcs"
	"github.com/roach88/pretest/internal/vcs/vcstest"
)

func stateFor(last string) ir.IntegrationState {
	return ir.IntegrationState{
		Project:                "shop",
		LastIntegratedRevision: last,
		StagingBranchPattern:   "ready/.*",
		IntegrationBranch:      "default",
	}
}

func TestSelectPicksOldestStagingCommit(t *testing.T) {
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", map[string]string{"a": "1"})
	r.CommitOn("ready/bob", "default", "bob", "b1", map[string]string{"b": "1"})
	r.CommitOn("wip/carol", "default", "carol", "c1", nil)

	sel, err := Select(context.Background(), r, stateFor(""))
	require.NoError(t, err)
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, a.ID, sel.Candidate.ID)
	assert.Equal(t, "r1", sel.Base, "no recorded revision falls back to the integration head")
	assert.False(t, sel.ResetConsumed)
	assert.Equal(t, 1, r.Pulls())
}

func TestSelectExcludesAncestorsOfLastIntegrated(t *testing.T) {
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", nil)
	a2 := r.CommitOn("ready/alice", "", "alice", "a2", nil)

	sel, err := Select(context.Background(), r, stateFor(a.ID))
	require.NoError(t, err)
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, a2.ID, sel.Candidate.ID)
	assert.Equal(t, a.ID, sel.Base)
}

func TestSelectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", map[string]string{"a": "1"})
	r.CommitOn("ready/bob", "default", "bob", "b1", map[string]string{"b": "1"})

	for _, st := range []ir.IntegrationState{stateFor(""), stateFor("r1")} {
		first, err := Select(ctx, r, st)
		require.NoError(t, err)
		second, err := Select(ctx, r, st)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		require.NotNil(t, second.Candidate)
		assert.Equal(t, a.ID, second.Candidate.ID)
	}

	idle := stateFor(r.BranchHead("ready/bob"))
	idle.Rejected = []ir.Rejection{{Revision: a.ID}}
	for range 2 {
		sel, err := Select(ctx, r, idle)
		require.NoError(t, err)
		assert.Nil(t, sel.Candidate)
	}
	assert.Equal(t, "r1", r.BranchHead("default"), "selection never touches the integration branch")
}

func TestSelectNothingPending(t *testing.T) {
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", nil)

	sel, err := Select(context.Background(), r, stateFor(a.ID))
	require.NoError(t, err)
	assert.Nil(t, sel.Candidate)
}

func TestSelectSkipsRejected(t *testing.T) {
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", nil)
	b := r.CommitOn("ready/bob", "default", "bob", "b1", nil)

	st := stateFor("")
	st.Rejected = []ir.Rejection{{Revision: a.ID, Branch: a.Branch, Reason: "conflict"}}

	sel, err := Select(context.Background(), r, st)
	require.NoError(t, err)
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, b.ID, sel.Candidate.ID)
	assert.Len(t, st.Rejected, 1, "state is not modified")
}

func TestSelectResetUsesIntegrationHead(t *testing.T) {
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", nil)
	b := r.CommitOn("ready/bob", "default", "bob", "b1", nil)

	st := stateFor(b.ID)
	st.ResetRequested = true

	sel, err := Select(context.Background(), r, st)
	require.NoError(t, err)
	assert.True(t, sel.ResetConsumed)
	assert.Equal(t, "r1", sel.Base)
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, a.ID, sel.Candidate.ID)
	assert.True(t, st.ResetRequested, "caller owns clearing the flag")
}

func TestSelectMissingIntegrationBranchMeansNoExclusion(t *testing.T) {
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", nil)

	st := stateFor("")
	st.IntegrationBranch = "release"
	sel, err := Select(context.Background(), r, st)
	require.NoError(t, err)
	assert.Empty(t, sel.Base)
	require.NotNil(t, sel.Candidate)
	assert.Equal(t, a.ID, sel.Candidate.ID)
}

func TestCandidatesListsInOrder(t *testing.T) {
	r := vcstest.NewRepo("default")
	a := r.CommitOn("ready/alice", "default", "alice", "a1", nil)
	b := r.CommitOn("ready/bob", "default", "bob", "b1", nil)
	a2 := r.CommitOn("ready/alice", "", "alice", "a2", nil)

	base, pending, err := Candidates(context.Background(), r, stateFor(""))
	require.NoError(t, err)
	assert.Equal(t, "r1", base)
	ids := make([]string, 0, len(pending))
	for _, c := range pending {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{a.ID, b.ID, a2.ID}, ids)

	n, err := Pending(context.Background(), r, stateFor(a2.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "bob is not an ancestor of a2")
}

type failingBackend struct {
	*vcstest.Repo
	pullErr error
	headErr error
}

func (f failingBackend) Pull(ctx context.Context) error {
	if f.pullErr != nil {
		return f.pullErr
	}
	return f.Repo.Pull(ctx)
}

func (f failingBackend) Head(ctx context.Context, branch string) (string, error) {
	if f.headErr != nil {
		return "", f.headErr
	}
	return f.Repo.Head(ctx, branch)
}

func TestSelectPropagatesBackendErrors(t *testing.T) {
	boom := errors.New("boom")

	_, err := Select(context.Background(), failingBackend{Repo: vcstest.NewRepo("default"), pullErr: boom}, stateFor(""))
	assert.ErrorIs(t, err, boom)

	_, err = Select(context.Background(), failingBackend{Repo: vcstest.NewRepo("default"), headErr: boom}, stateFor(""))
	assert.ErrorIs(t, err, boom)
}

var _ vcs.Backend = failingBackend{}

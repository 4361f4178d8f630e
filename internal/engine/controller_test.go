package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/lock"
	"github.com/roach88/pretest/internal/store"
	"github.com/roach88/pretest/internal/vcs/vcstest"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pretest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testProject() ir.Project {
	return ir.Project{
		Name:              "shop",
		Repository:        "https://hg.example.com/shop",
		Backend:           "hg",
		Workspace:         "/work/shop",
		IntegrationBranch: "default",
		StagingPattern:    "ready/.*",
		Push:              true,
		Poll:              true,
	}
}

func newTestController(t *testing.T, repo *vcstest.Repo, opts ...ControllerOption) (*Controller, *store.Store) {
	t.Helper()
	s := setupTestStore(t)
	opts = append([]ControllerOption{WithIDGenerator(NewSequenceGenerator("cycle", 20))}, opts...)
	return NewController(testProject(), repo, s, opts...), s
}

func lastIntegrated(t *testing.T, s *store.Store) string {
	t.Helper()
	st, err := s.LoadState(context.Background(), "shop")
	require.NoError(t, err)
	return st.LastIntegratedRevision
}

func TestController_IntegratesCandidate(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	a := repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a.txt": "a\n"})

	var built Workspace
	exec := BuildFunc(func(_ context.Context, ws Workspace, c ir.Commit) (ir.BuildResult, error) {
		built = ws
		assert.Equal(t, a.ID, c.ID)
		return ir.BuildSuccess, nil
	})

	ctrl, s := newTestController(t, repo)
	out, err := ctrl.Run(ctx, exec)
	require.NoError(t, err)

	assert.Equal(t, ir.OutcomeIntegrated, out.Kind)
	assert.Equal(t, "cycle-1", out.CycleID)
	assert.Equal(t, a.ID, out.Candidate.ID)
	assert.Equal(t, "r1", out.Base)
	assert.Equal(t, Workspace{Dir: "/work/shop", Project: "shop", Branch: "default"}, built)

	head := repo.BranchHead("default")
	assert.Equal(t, head, out.Revision)
	assert.Equal(t, []string{"r1", a.ID}, repo.Parents(head))
	assert.Equal(t, head, repo.Pushed("default"))
	assert.Equal(t, head, lastIntegrated(t, s))

	merge, ok := repo.Lookup(head)
	require.True(t, ok)
	assert.Equal(t, "Merge of revision r2 from ready/alice by alice", merge.Message)
	assert.Equal(t, "pretest", merge.Author)

	assert.Equal(t, StateIdle, ctrl.State())
	assert.False(t, ctrl.lock.Held())

	cycles, err := s.ListCycles(ctx, "shop", 0)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, ir.OutcomeIntegrated, cycles[0].Outcome)
	assert.Equal(t, head, cycles[0].Revision)
	assert.NotEmpty(t, cycles[0].Digest)

	// Steady state: nothing left.
	out, err = ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeNoOp, out.Kind)
	assert.Equal(t, ReasonNoPending, out.Reason)
	assert.Equal(t, head, repo.BranchHead("default"))
}

func TestController_UseAuthor(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice <alice@example.com>", "feature", map[string]string{"a": "1"})

	project := testProject()
	project.UseAuthor = true
	ctrl := NewController(project, repo, setupTestStore(t))

	out, err := ctrl.Run(context.Background(), Fixed(ir.BuildSuccess))
	require.NoError(t, err)

	merge, ok := repo.Lookup(out.Revision)
	require.True(t, ok)
	assert.Equal(t, "alice <alice@example.com>", merge.Author)
}

func TestController_NoPushLeavesRemoteUntouched(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})

	project := testProject()
	project.Push = false
	s := setupTestStore(t)
	ctrl := NewController(project, repo, s)

	out, err := ctrl.Run(context.Background(), Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeIntegrated, out.Kind)
	assert.Empty(t, repo.Pushed("default"))
	assert.Equal(t, out.Revision, lastIntegrated(t, s))
}

func TestController_MergeConflictRejectsAndReoffersOthers(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	a := repo.CommitOn("ready/alice", "default", "alice", "edit readme", map[string]string{"README": "alice\n"})
	repo.CommitOn("default", "", "carol", "direct edit", map[string]string{"README": "carol\n"})
	b := repo.CommitOn("ready/bob", "default", "bob", "add file", map[string]string{"b.txt": "b\n"})

	ctrl, s := newTestController(t, repo)

	out, err := ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeRejectedConflict, out.Kind)
	assert.Equal(t, a.ID, out.Candidate.ID)
	assert.True(t, IsMergeConflict(out.Err))
	assert.Equal(t, []string{"README"}, repo.Conflicts(), "workspace left dirty for inspection")
	assert.False(t, ctrl.lock.Held())
	assert.Empty(t, lastIntegrated(t, s))

	st, err := s.LoadState(ctx, "shop")
	require.NoError(t, err)
	assert.True(t, st.IsRejected(a.ID))

	out, err = ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeIntegrated, out.Kind)
	assert.Equal(t, b.ID, out.Candidate.ID)
	assert.Empty(t, repo.Conflicts())

	out, err = ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeNoOp, out.Kind, "rejected candidate is not retried")
}

func TestController_BuildFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	a := repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a.txt": "a\n"})

	ctrl, s := newTestController(t, repo)

	out, err := ctrl.Run(ctx, Fixed(ir.BuildFailure))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeRejectedBuild, out.Kind)
	assert.Equal(t, ReasonBuildFailure, out.Reason)
	assert.True(t, IsBuildFailed(out.Err))

	assert.Equal(t, "r1", repo.BranchHead("default"), "no commit on failure")
	clean, err := repo.IsClean(ctx)
	require.NoError(t, err)
	assert.True(t, clean)
	_, _, files := repo.WorkingCopy()
	assert.NotContains(t, files, "a.txt")
	assert.Empty(t, lastIntegrated(t, s))
	assert.Empty(t, repo.Pushed("default"))

	// The candidate is offered again.
	out, err = ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeIntegrated, out.Kind)
	assert.Equal(t, a.ID, out.Candidate.ID)
}

func TestController_BuildErrorCountsAsAborted(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	ctrl, _ := newTestController(t, repo)

	exec := BuildFunc(func(context.Context, Workspace, ir.Commit) (ir.BuildResult, error) {
		return 0, errors.New("executor offline")
	})
	out, err := ctrl.Run(context.Background(), exec)
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeRejectedBuild, out.Kind)
	assert.Equal(t, ReasonBuildAborted, out.Reason)
	assert.Equal(t, "r1", repo.BranchHead("default"))
}

func TestController_PushFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	repo.SetPushError(errors.New("remote: permission denied"))

	ctrl, s := newTestController(t, repo)
	out, err := ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.Error(t, err)
	assert.True(t, IsPushFailed(err))
	assert.True(t, IsFatal(err))
	assert.Equal(t, ir.OutcomeFatal, out.Kind)
	assert.NotEmpty(t, out.Revision, "local commit is reported")

	assert.Empty(t, lastIntegrated(t, s), "pointer only moves after a confirmed push")
	assert.False(t, ctrl.lock.Held())
	assert.Equal(t, StateIdle, ctrl.State())

	cycles, err := s.ListCycles(ctx, "shop", 1)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, ir.OutcomeFatal, cycles[0].Outcome)
	assert.Contains(t, cycles[0].Reason, "PUSH_FAILED")
}

func TestController_IntegratesAfterPushFailure(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	a := repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	repo.SetPushError(errors.New("remote: permission denied"))

	ctrl, s := newTestController(t, repo)
	out, err := ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.Error(t, err)
	assert.Equal(t, "r3", out.Revision)
	assert.Equal(t, "r1", repo.BranchHead("default"), "unpushed merge is discarded")
	clean, _ := repo.IsClean(ctx)
	assert.True(t, clean)

	repo.SetPushError(nil)
	out, err = ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeIntegrated, out.Kind)
	assert.Equal(t, a.ID, out.Candidate.ID)
	assert.Equal(t, "r4", out.Revision)
	assert.Equal(t, "r4", repo.Pushed("default"))
	assert.Equal(t, "r4", lastIntegrated(t, s))
}

type panickingBackend struct {
	*vcstest.Repo
}

func (panickingBackend) Merge(context.Context, string) error {
	panic("merge tool crashed")
}

func TestController_PrepareReleasesLockOnPanic(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})

	m := &lock.Mutex{}
	ctrl := NewController(testProject(), panickingBackend{repo}, setupTestStore(t),
		WithIDGenerator(NewSequenceGenerator("cycle", 5)), WithLock(m))

	assert.PanicsWithValue(t, "merge tool crashed", func() {
		_, _ = ctrl.Prepare(context.Background())
	})
	assert.False(t, m.Held())
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestController_UpdateFailureIsFatal(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	repo.SetUpdateError(errors.New("abort: no repository found"))

	ctrl, _ := newTestController(t, repo)
	out, err := ctrl.Run(context.Background(), Fixed(ir.BuildSuccess))
	require.Error(t, err)
	assert.Equal(t, ErrCodeEstablishWorkspace, CodeOf(err))
	assert.Equal(t, ir.OutcomeFatal, out.Kind)
	assert.False(t, ctrl.lock.Held())
}

func TestController_CommitFailureIsFatal(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	repo.SetCommitError(errors.New("abort: lock held"))

	ctrl, s := newTestController(t, repo)
	_, err := ctrl.Run(context.Background(), Fixed(ir.BuildSuccess))
	require.Error(t, err)
	assert.Equal(t, ErrCodeCommitFailed, CodeOf(err))
	assert.Empty(t, lastIntegrated(t, s))

	clean, _ := repo.IsClean(context.Background())
	assert.True(t, clean, "failed commit is rolled back")
}

func TestController_PrepareAndFinish(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	a := repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})

	ctrl, _ := newTestController(t, repo)
	cy, err := ctrl.Prepare(ctx)
	require.NoError(t, err)
	require.NotNil(t, cy)
	require.False(t, cy.Done())
	assert.Equal(t, a.ID, cy.Candidate().ID)
	assert.Equal(t, StateMerged, ctrl.State())
	assert.True(t, ctrl.lock.Held(), "lock is held while the build runs")

	out, err := cy.Finish(ctx, ir.BuildSuccess)
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeIntegrated, out.Kind)
	assert.False(t, ctrl.lock.Held())

	again, err := cy.Finish(ctx, ir.BuildFailure)
	require.NoError(t, err)
	assert.Equal(t, out, again, "finishing twice returns the first outcome")
}

func TestController_PrepareNoCandidateReleasesLock(t *testing.T) {
	ctrl, _ := newTestController(t, vcstest.NewRepo("default"))

	cy, err := ctrl.Prepare(context.Background())
	require.NoError(t, err)
	require.True(t, cy.Done())
	assert.Equal(t, ir.OutcomeNoOp, cy.Outcome().Kind)
	assert.False(t, ctrl.lock.Held())
}

func TestController_PrepareWaitsForLock(t *testing.T) {
	m := &lock.Mutex{}
	holder, err := m.Acquire(context.Background())
	require.NoError(t, err)
	defer holder.Release()

	ctrl, _ := newTestController(t, vcstest.NewRepo("default"), WithLock(m))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	cy, err := ctrl.Prepare(ctx)
	assert.Nil(t, cy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Waiting())
}

func TestController_ResetRebasesOnIntegrationHead(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	a := repo.CommitOn("ready/alice", "default", "alice", "one", map[string]string{"a": "1"})
	a2 := repo.CommitOn("ready/alice", "", "alice", "two", map[string]string{"a": "2"})

	ctrl, s := newTestController(t, repo)
	_, err := s.EnsureState(ctx, "shop", "default", "ready/.*")
	require.NoError(t, err)

	// A pointer past every candidate hides them.
	require.NoError(t, s.AdvanceRevision(ctx, "shop", "", a2.ID))
	out, err := ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeNoOp, out.Kind)

	require.NoError(t, s.RequestReset(ctx, "shop"))
	n, err := ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out, err = ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeIntegrated, out.Kind)
	assert.Equal(t, a.ID, out.Candidate.ID)
	assert.Equal(t, "r1", out.Base)

	st, err := s.LoadState(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, st.ResetRequested)
	assert.Equal(t, out.Revision, st.LastIntegratedRevision)
}

func TestController_ResetConsumedByNoOp(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")

	ctrl, s := newTestController(t, repo)
	_, err := s.EnsureState(ctx, "shop", "default", "ready/.*")
	require.NoError(t, err)
	require.NoError(t, s.RequestReset(ctx, "shop"))

	out, err := ctrl.Run(ctx, Fixed(ir.BuildSuccess))
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeNoOp, out.Kind)
	assert.Equal(t, "r1", out.Base)

	st, err := s.LoadState(ctx, "shop")
	require.NoError(t, err)
	assert.False(t, st.ResetRequested, "the next selection consumes the reset")
	assert.Empty(t, st.LastIntegratedRevision)
}

func TestController_ConcurrentRunsSerialize(t *testing.T) {
	ctx := context.Background()
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "a", map[string]string{"a": "1"})
	repo.CommitOn("ready/bob", "default", "bob", "b", map[string]string{"b": "1"})

	ctrl, s := newTestController(t, repo)

	var inside, maxInside atomic.Int32
	exec := BuildFunc(func(context.Context, Workspace, ir.Commit) (ir.BuildResult, error) {
		n := inside.Add(1)
		if n > maxInside.Load() {
			maxInside.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inside.Add(-1)
		return ir.BuildSuccess, nil
	})

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ctrl.Run(ctx, exec)
			assert.NoError(t, err)
			outs[i] = out
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, ir.OutcomeIntegrated, outs[0].Kind)
	assert.Equal(t, ir.OutcomeIntegrated, outs[1].Kind)
	assert.NotEqual(t, outs[0].Candidate.ID, outs[1].Candidate.ID)
	assert.Equal(t, repo.BranchHead("default"), lastIntegrated(t, s))
}

func TestCommitMessage(t *testing.T) {
	tests := []struct {
		name string
		c    ir.Commit
		want string
	}{
		{"full", ir.Commit{ID: "abc", Branch: "ready/x", Author: "Ann"}, "Merge of revision abc from ready/x by Ann"},
		{"no branch", ir.Commit{ID: "abc", Author: "Ann"}, "Merge of revision abc by Ann"},
		{"id only", ir.Commit{ID: "abc"}, "Merge of revision abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CommitMessage(tt.c))
		})
	}
}

func TestOutcome_Record(t *testing.T) {
	out := Outcome{
		CycleID:   "cycle-1",
		Project:   "shop",
		Kind:      ir.OutcomeIntegrated,
		Candidate: ir.Commit{ID: "r2", Branch: "ready/a", Author: "alice"},
		Base:      "r1",
		Revision:  "r3",
	}
	assert.Equal(t, ir.CycleRecord{
		ID:        "cycle-1",
		Project:   "shop",
		Outcome:   ir.OutcomeIntegrated,
		Candidate: "r2",
		Branch:    "ready/a",
		Author:    "alice",
		Base:      "r1",
		Revision:  "r3",
	}, out.Record())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "rolling_back", StateRollingBack.String())
	assert.Equal(t, "State(42)", State(42).String())
}

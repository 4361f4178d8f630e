package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/vcs/vcstest"
)

func newTestScheduler(t *testing.T, repo *vcstest.Repo, exec BuildExecutor, opts ...SchedulerOption) (*Scheduler, *Controller) {
	t.Helper()
	ctrl, _ := newTestController(t, repo)
	s := NewScheduler(opts...)
	s.Register(ctrl, exec)
	return s, ctrl
}

func kinds(outs []Outcome) []ir.OutcomeKind {
	ks := make([]ir.OutcomeKind, 0, len(outs))
	for _, o := range outs {
		ks = append(ks, o.Kind)
	}
	return ks
}

func TestScheduler_ScheduleCoalesces(t *testing.T) {
	s, _ := newTestScheduler(t, vcstest.NewRepo("default"), Fixed(ir.BuildSuccess))

	assert.True(t, s.Schedule("shop", "notify"))
	assert.False(t, s.Schedule("shop", "notify again"), "already queued")
	assert.False(t, s.Schedule("unknown", "notify"))
	assert.Equal(t, 1, s.Queued())
	assert.Equal(t, []string{"shop"}, s.Projects())
}

func TestScheduler_RunUntilIdleDrainsBacklog(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "a", map[string]string{"a": "1"})
	repo.CommitOn("ready/bob", "default", "bob", "b", map[string]string{"b": "1"})

	s, _ := newTestScheduler(t, repo, Fixed(ir.BuildSuccess))
	require.True(t, s.Schedule("shop", "manual"))

	outs, err := s.RunUntilIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ir.OutcomeKind{ir.OutcomeIntegrated, ir.OutcomeIntegrated, ir.OutcomeNoOp}, kinds(outs))
	assert.Equal(t, 0, s.Queued())
}

func TestScheduler_BuildFailureIsNotRetriedImmediately(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "a", map[string]string{"a": "1"})

	s, _ := newTestScheduler(t, repo, Fixed(ir.BuildFailure))
	require.True(t, s.Schedule("shop", "manual"))

	outs, err := s.RunUntilIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ir.OutcomeKind{ir.OutcomeRejectedBuild}, kinds(outs))
}

func TestScheduler_ConflictContinuesWithOtherBranches(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "edit", map[string]string{"README": "alice\n"})
	repo.CommitOn("default", "", "carol", "edit", map[string]string{"README": "carol\n"})
	repo.CommitOn("ready/bob", "default", "bob", "add", map[string]string{"b": "1"})

	s, _ := newTestScheduler(t, repo, Fixed(ir.BuildSuccess))
	require.True(t, s.Schedule("shop", "manual"))

	outs, err := s.RunUntilIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ir.OutcomeKind{
		ir.OutcomeRejectedConflict,
		ir.OutcomeIntegrated,
		ir.OutcomeNoOp,
	}, kinds(outs))
}

func TestScheduler_FatalErrorsAreJoined(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "a", map[string]string{"a": "1"})
	repo.SetPushError(errors.New("denied"))

	var hooked []Outcome
	s, _ := newTestScheduler(t, repo, Fixed(ir.BuildSuccess), WithOutcomeHook(func(o Outcome, _ error) {
		hooked = append(hooked, o)
	}))
	require.True(t, s.Schedule("shop", "manual"))

	outs, err := s.RunUntilIdle(context.Background())
	require.Error(t, err)
	assert.True(t, IsPushFailed(err))
	assert.Equal(t, []ir.OutcomeKind{ir.OutcomeFatal}, kinds(outs))
	assert.Equal(t, outs, hooked)
}

func TestScheduler_Pending(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "a", nil)

	s, _ := newTestScheduler(t, repo, Fixed(ir.BuildSuccess))
	n, err := s.Pending(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Pending(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestScheduler_RunDispatchesUntilCancelled(t *testing.T) {
	repo := vcstest.NewRepo("default")
	repo.CommitOn("ready/alice", "default", "alice", "a", map[string]string{"a": "1"})

	var (
		mu   sync.Mutex
		seen []ir.OutcomeKind
	)
	s, _ := newTestScheduler(t, repo, Fixed(ir.BuildSuccess), WithOutcomeHook(func(o Outcome, _ error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, o.Kind)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.True(t, s.Schedule("shop", "notify"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ir.OutcomeKind{ir.OutcomeIntegrated, ir.OutcomeNoOp}, seen)
	assert.False(t, s.Schedule("shop", "late"), "stopped scheduler rejects requests")
}

func TestScheduler_StopEndsRun(t *testing.T) {
	s, _ := newTestScheduler(t, vcstest.NewRepo("default"), Fixed(ir.BuildSuccess))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

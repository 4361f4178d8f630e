package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	var m Mutex
	tok, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Held())

	tok.Release()
	assert.False(t, m.Held())
}

func TestReleaseIsIdempotent(t *testing.T) {
	var m Mutex
	first, err := m.Acquire(context.Background())
	require.NoError(t, err)
	first.Release()

	second, err := m.Acquire(context.Background())
	require.NoError(t, err)

	// A stale double release must not free someone else's lock.
	first.Release()
	assert.True(t, m.Held())

	second.Release()
	second.Release()
	assert.False(t, m.Held())
}

func TestReleaseWithoutAcquireIsSafe(t *testing.T) {
	var tok *Token
	assert.NotPanics(t, func() { tok.Release() })
	assert.NotPanics(t, func() { (&Token{}).Release() })
}

func TestTryAcquire(t *testing.T) {
	var m Mutex
	tok, ok := m.TryAcquire()
	require.True(t, ok)

	_, ok = m.TryAcquire()
	assert.False(t, ok)

	tok.Release()
	_, ok = m.TryAcquire()
	assert.True(t, ok)
}

func TestFairness(t *testing.T) {
	const n = 8
	var m Mutex

	holder, err := m.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			tok, err := m.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			tok.Release()
		}(i)

		// Stagger arrivals: wait until waiter i is queued before starting i+1.
		want := i + 1
		require.Eventually(t, func() bool { return m.Waiting() == want }, time.Second, time.Millisecond)
	}

	holder.Release()
	wg.Wait()

	expected := make([]int, n)
	for i := range expected {
		expected[i] = i
	}
	assert.Equal(t, expected, order)
	assert.False(t, m.Held())
}

func TestNewcomerDoesNotBargeAheadOfWaiters(t *testing.T) {
	var m Mutex
	holder, err := m.Acquire(context.Background())
	require.NoError(t, err)

	granted := make(chan struct{})
	go func() {
		tok, err := m.Acquire(context.Background())
		if assert.NoError(t, err) {
			close(granted)
			tok.Release()
		}
	}()
	require.Eventually(t, func() bool { return m.Waiting() == 1 }, time.Second, time.Millisecond)

	holder.Release()
	<-granted

	// While a waiter exists TryAcquire must refuse; once drained it succeeds.
	require.Eventually(t, func() bool { return !m.Held() }, time.Second, time.Millisecond)
	_, ok := m.TryAcquire()
	assert.True(t, ok)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	var (
		m       Mutex
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tok, err := m.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				cur := inside.Add(1)
				for {
					prev := maxSeen.Load()
					if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
						break
					}
				}
				inside.Add(-1)
				tok.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.False(t, m.Held())
}

func TestAcquireContextCancelRemovesWaiter(t *testing.T) {
	var m Mutex
	holder, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tok, err := m.Acquire(ctx)
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.Waiting())

	holder.Release()
	assert.False(t, m.Held(), "cancelled waiter must not inherit the lock")
}

func TestAcquireCancelledAfterGrantPassesLockOn(t *testing.T) {
	// Drive many cancel/grant races; the lock must always end up free.
	for i := 0; i < 200; i++ {
		var m Mutex
		holder, err := m.Acquire(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if tok, err := m.Acquire(ctx); err == nil {
				tok.Release()
			}
		}()
		require.Eventually(t, func() bool { return m.Waiting() == 1 }, time.Second, time.Millisecond)

		go cancel()
		holder.Release()
		<-done
		cancel()

		require.False(t, m.Held(), "iteration %d leaked the lock", i)
	}
}

func TestRegistryPerProject(t *testing.T) {
	r := NewRegistry()
	a := r.For("shop")
	assert.Same(t, a, r.For("shop"))

	b := r.For("billing")
	assert.NotSame(t, a, b)

	tok, err := a.Acquire(context.Background())
	require.NoError(t, err)
	defer tok.Release()

	// Another project's lock is independent.
	other, ok := b.TryAcquire()
	require.True(t, ok)
	other.Release()
}

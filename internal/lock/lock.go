// Package lock provides the fair mutual-exclusion lock that serializes
// integration cycles of one project.
//
// Waiters are granted the lock strictly in arrival order. Ownership is
// handed directly from the releasing holder to the oldest waiter, so a
// newcomer can never barge ahead of a cycle that is already queued.
package lock

import (
	"context"
	"sync"
)

// Mutex is a fair (FIFO) binary lock.
// The zero value is an unlocked Mutex.
type Mutex struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Token represents ownership of a Mutex. Release is idempotent and safe on
// a nil Token.
type Token struct {
	m    *Mutex
	once sync.Once
}

// Acquire blocks until the lock is granted or ctx is done.
//
// A waiter whose ctx ends is removed from the queue. If the grant raced
// with cancellation, ownership is passed on to the next waiter before
// Acquire returns the context error.
func (m *Mutex) Acquire(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	if !m.held && len(m.waiters) == 0 {
		m.held = true
		m.mu.Unlock()
		return &Token{m: m}, nil
	}
	grant := make(chan struct{})
	m.waiters = append(m.waiters, grant)
	m.mu.Unlock()

	select {
	case <-grant:
		return &Token{m: m}, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	for i, w := range m.waiters {
		if w == grant {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	m.mu.Unlock()

	// Already granted: hand the lock on.
	m.release()
	return nil, ctx.Err()
}

// TryAcquire takes the lock only if it is free and nobody is queued.
func (m *Mutex) TryAcquire() (*Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held || len(m.waiters) > 0 {
		return nil, false
	}
	m.held = true
	return &Token{m: m}, true
}

func (m *Mutex) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held {
		return
	}
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters[0] = nil
		m.waiters = m.waiters[1:]
		close(next)
		return
	}
	m.held = false
}

// Held reports whether the lock is currently owned.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

// Waiting returns the number of queued waiters.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// Release gives up ownership. Only the first call has an effect.
func (t *Token) Release() {
	if t == nil || t.m == nil {
		return
	}
	t.once.Do(t.m.release)
}

// Registry hands out one Mutex per project, created on first use.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*Mutex)}
}

// For returns the lock for project.
func (r *Registry) For(project string) *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[project]
	if !ok {
		m = &Mutex{}
		r.locks[project] = m
	}
	return m
}

package vcs

import (
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/pretest/internal/process"
)

// Factory builds a backend from options.
type Factory func(opts Options) Backend

// Registry maps backend kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// DefaultRegistry returns a registry with the Mercurial and Git backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindMercurial, func(opts Options) Backend { return NewMercurial(opts) })
	r.Register(KindGit, func(opts Options) Backend { return NewGit(opts) })
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind Kind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Supports reports whether kind has a registered factory.
func (r *Registry) Supports(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Open builds a backend of the given kind. A nil opts.Runner is replaced by
// an ExecRunner for the kind's tool.
func (r *Registry) Open(kind Kind, opts Options) (Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, kind)
	}
	if opts.Runner == nil {
		opts.Runner = process.NewExecRunner(kind.Tool(), process.WithLogger(opts.logger()))
	}
	return f(opts), nil
}

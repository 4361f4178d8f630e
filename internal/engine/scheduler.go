package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/pretest/internal/ir"
)

// OutcomeHook observes every finished cycle.
type OutcomeHook func(Outcome, error)

// Scheduler dispatches integration cycles for registered projects.
//
// Requests are queued FIFO. A project is queued at most once at a time:
// scheduling a project that is already waiting is a no-op. A cycle that
// integrated its candidate, or rejected one on conflict, re-queues its
// project so remaining commits are drained one per cycle.
//
// Thread-safety model:
//   - Schedule, Pending, Register: safe from any goroutine
//   - Run / RunUntilIdle: one caller at a time
type Scheduler struct {
	mu       sync.Mutex
	projects map[string]*scheduled
	queued   map[string]bool

	queue  *requestQueue
	clock  *Clock
	logger *slog.Logger
	hook   OutcomeHook

	workers sync.WaitGroup
}

type scheduled struct {
	ctrl *Controller
	exec BuildExecutor
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithOutcomeHook registers a callback invoked after every cycle.
// The hook runs on the goroutine that ran the cycle.
func WithOutcomeHook(hook OutcomeHook) SchedulerOption {
	return func(s *Scheduler) {
		s.hook = hook
	}
}

// NewScheduler creates an empty scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		projects: make(map[string]*scheduled),
		queued:   make(map[string]bool),
		queue:    newRequestQueue(),
		clock:    NewClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register makes ctrl schedulable under its project name, building
// candidates with exec.
func (s *Scheduler) Register(ctrl *Controller, exec BuildExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[ctrl.Project().Name] = &scheduled{ctrl: ctrl, exec: exec}
}

// Projects returns the registered project names in sorted order.
func (s *Scheduler) Projects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.projects))
	for name := range s.projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Controller returns the controller registered for project.
func (s *Scheduler) Controller(project string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[project]
	if !ok {
		return nil, false
	}
	return p.ctrl, true
}

// Schedule queues a cycle for project. It returns false if the project is
// unknown, already queued, or the scheduler has stopped.
func (s *Scheduler) Schedule(project, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[project]; !ok {
		s.logger.Warn("schedule: unknown project", "project", project)
		return false
	}
	if s.queued[project] {
		s.logger.Debug("schedule: already queued", "project", project, "reason", reason)
		return false
	}
	req := Request{Seq: s.clock.Next(), Project: project, Reason: reason}
	if !s.queue.Enqueue(req) {
		return false
	}
	s.queued[project] = true
	s.logger.Info("cycle scheduled", "project", project, "reason", reason, "seq", req.Seq)
	return true
}

// Pending counts the candidates waiting for project.
func (s *Scheduler) Pending(ctx context.Context, project string) (int, error) {
	ctrl, ok := s.Controller(project)
	if !ok {
		return 0, fmt.Errorf("pending: unknown project %q", project)
	}
	return ctrl.Pending(ctx)
}

// Queued returns the number of requests waiting for dispatch.
func (s *Scheduler) Queued() int {
	return s.queue.Len()
}

func (s *Scheduler) take() (Request, *scheduled, bool) {
	req, ok := s.queue.TryDequeue()
	if !ok {
		return Request{}, nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queued, req.Project)
	return req, s.projects[req.Project], true
}

// dispatch runs one cycle and re-queues the project when more work may
// remain.
func (s *Scheduler) dispatch(ctx context.Context, req Request, p *scheduled) (Outcome, error) {
	s.logger.Debug("cycle dispatched", "project", req.Project, "seq", req.Seq, "reason", req.Reason)

	out, err := p.ctrl.Run(ctx, p.exec)
	if s.hook != nil {
		s.hook(out, err)
	}

	switch out.Kind {
	case ir.OutcomeIntegrated, ir.OutcomeRejectedConflict:
		if ctx.Err() == nil {
			s.Schedule(req.Project, "continue after "+string(out.Kind))
		}
	}
	return out, err
}

// Run dispatches queued requests until ctx is cancelled or Stop is called.
// Each cycle runs on its own goroutine; cycles of one project serialize on
// the project lock. Run waits for in-flight cycles before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting", "projects", len(s.Projects()))
	defer s.workers.Wait()

	for {
		if req, p, ok := s.take(); ok {
			if p == nil {
				continue
			}
			s.workers.Add(1)
			go func() {
				defer s.workers.Done()
				if _, err := s.dispatch(ctx, req, p); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("cycle failed", "project", req.Project, "error", err)
				}
			}()
			continue
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping: context cancelled")
			s.queue.Close()
			return ctx.Err()
		case _, open := <-s.queue.Wait():
			if !open && s.queue.Len() == 0 {
				s.logger.Info("scheduler stopping: queue closed")
				return nil
			}
		}
	}
}

// RunUntilIdle runs queued cycles one after another on the calling
// goroutine until the queue is empty, and returns every outcome in order.
// Fatal cycle errors are joined; remaining requests still run.
func (s *Scheduler) RunUntilIdle(ctx context.Context) ([]Outcome, error) {
	var (
		outcomes []Outcome
		errs     []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return outcomes, errors.Join(append(errs, err)...)
		}
		req, p, ok := s.take()
		if !ok {
			return outcomes, errors.Join(errs...)
		}
		if p == nil {
			continue
		}
		out, err := s.dispatch(ctx, req, p)
		outcomes = append(outcomes, out)
		if err != nil {
			errs = append(errs, err)
		}
	}
}

// Stop closes the queue. Run returns once in-flight cycles finish.
func (s *Scheduler) Stop() {
	s.queue.Close()
}

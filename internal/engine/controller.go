package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/lock"
	"github.com/roach88/pretest/internal/process"
	"github.com/roach88/pretest/internal/selector"
	"github.com/roach88/pretest/internal/store"
	"github.com/roach88/pretest/internal/vcs"
)

// State is the position of a controller in the integration state machine.
//
//	Idle → Preparing → Merged → Committing → Idle
//	                          → RollingBack → Idle
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateMerged
	StateCommitting
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateMerged:
		return "merged"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling_back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateStore is the persistence the controller needs.
// Implemented by *store.Store.
type StateStore interface {
	EnsureState(ctx context.Context, project, integrationBranch, stagingPattern string) (ir.IntegrationState, error)
	ConsumeReset(ctx context.Context, project string) error
	AdvanceRevision(ctx context.Context, project, expected, next string) error
	AddRejection(ctx context.Context, project string, c ir.Commit, reason string) error
	RecordCycle(ctx context.Context, rec ir.CycleRecord) (ir.CycleRecord, error)
}

var _ StateStore = (*store.Store)(nil)

// Outcome reports how one integration cycle ended.
type Outcome struct {
	CycleID   string
	Project   string
	Kind      ir.OutcomeKind
	Candidate ir.Commit // zero when nothing was pending
	Base      string
	Revision  string // new integration commit, set when Kind is integrated
	Reason    string
	Err       error // *IntegrationError for rejected and fatal outcomes
}

// Record converts the outcome to its persisted form.
func (o Outcome) Record() ir.CycleRecord {
	return ir.CycleRecord{
		ID:        o.CycleID,
		Project:   o.Project,
		Outcome:   o.Kind,
		Candidate: o.Candidate.ID,
		Branch:    o.Candidate.Branch,
		Author:    o.Candidate.Author,
		Base:      o.Base,
		Revision:  o.Revision,
		Reason:    o.Reason,
	}
}

// Reasons recorded for non-fatal outcomes.
const (
	ReasonNoPending     = "No pending commits"
	ReasonMergeConflict = "merge conflict"
	ReasonBuildFailure  = "build failure"
	ReasonBuildAborted  = "build aborted"
)

// Controller runs integration cycles for one project.
//
// Every cycle holds the project lock from selection until it returns to
// Idle. The lock is released on every path, including fatal errors.
type Controller struct {
	project ir.Project
	backend vcs.Backend
	store   StateStore
	lock    *lock.Mutex
	ids     CycleIDGenerator
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithIDGenerator sets the cycle id generator. Default: UUIDv7Generator.
func WithIDGenerator(gen CycleIDGenerator) ControllerOption {
	return func(c *Controller) {
		c.ids = gen
	}
}

// WithLock shares a lock with other holders of the same project, typically
// obtained from a lock.Registry. Default: a private lock.
func WithLock(m *lock.Mutex) ControllerOption {
	return func(c *Controller) {
		c.lock = m
	}
}

// NewController creates a controller for project.
func NewController(project ir.Project, backend vcs.Backend, st StateStore, opts ...ControllerOption) *Controller {
	c := &Controller{
		project: project,
		backend: backend,
		store:   st,
		ids:     UUIDv7Generator{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.lock == nil {
		c.lock = &lock.Mutex{}
	}
	c.logger = c.logger.With("project", project.Name)
	return c
}

// Project returns the controller's project configuration.
func (c *Controller) Project() ir.Project {
	return c.project
}

// State returns the current state machine position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("state", "from", prev.String(), "to", s.String())
	}
}

// Cycle is one integration attempt between Prepare and Finish.
//
// A cycle returned by Prepare either ended early (Done reports true: no
// pending commit, merge conflict or fatal error) or holds the project lock
// with the candidate merged into Workspace, waiting for a build verdict.
type Cycle struct {
	c         *Controller
	id        string
	token     *lock.Token
	state     ir.IntegrationState
	base      string
	candidate ir.Commit
	ws        Workspace

	done    bool
	outcome Outcome
}

// ID returns the cycle id.
func (cy *Cycle) ID() string { return cy.id }

// Candidate returns the commit under integration.
func (cy *Cycle) Candidate() ir.Commit { return cy.candidate }

// Workspace returns the working copy holding the merged candidate.
func (cy *Cycle) Workspace() Workspace { return cy.ws }

// Done reports whether the cycle already has an outcome.
func (cy *Cycle) Done() bool { return cy.done }

// Outcome returns the cycle's outcome once Done.
func (cy *Cycle) Outcome() Outcome { return cy.outcome }

// Prepare acquires the project lock, selects the next candidate, cleans the
// workspace and merges the candidate.
//
// The returned error is non-nil only for fatal outcomes or when ctx ends
// while waiting for the lock (then the cycle is nil). A merge conflict is
// recorded as a rejection, leaves the workspace dirty for inspection and
// ends the cycle without error.
func (c *Controller) Prepare(ctx context.Context) (cy *Cycle, err error) {
	token, err := c.lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", c.project.Name, err)
	}

	cy = &Cycle{
		c:     c,
		id:    c.ids.Generate(),
		token: token,
		ws: Workspace{
			Dir:     c.project.Workspace,
			Project: c.project.Name,
			Branch:  c.project.IntegrationBranch,
		},
	}
	defer func() {
		if r := recover(); r != nil {
			c.setState(StateIdle)
			token.Release()
			panic(r)
		}
		if cy.done {
			c.setState(StateIdle)
			token.Release()
		}
	}()

	c.setState(StatePreparing)
	log := c.logger.With("cycle", cy.id)

	cy.state, err = c.store.EnsureState(ctx, c.project.Name, c.project.IntegrationBranch, c.project.StagingPattern)
	if err != nil {
		return cy, cy.fatal(ctx, ErrCodeUnexpected, "load integration state", err)
	}

	sel, err := selector.Select(ctx, c.backend, cy.state)
	if err != nil {
		return cy, cy.fatal(ctx, classify(err, ErrCodeUnexpected), "select candidate", err)
	}
	cy.base = sel.Base
	if sel.ResetConsumed {
		if err := c.store.ConsumeReset(ctx, c.project.Name); err != nil {
			return cy, cy.fatal(ctx, ErrCodeUnexpected, "consume reset", err)
		}
		log.Info("selecting from integration head after reset", "base", sel.Base)
	}

	if sel.Candidate == nil {
		cy.finish(ctx, Outcome{Kind: ir.OutcomeNoOp, Reason: ReasonNoPending})
		return cy, nil
	}
	cy.candidate = *sel.Candidate
	log.Info("candidate selected",
		"candidate", cy.candidate.ID,
		"branch", cy.candidate.Branch,
		"author", cy.candidate.Author,
		"base", cy.base,
	)

	if err := c.backend.Update(ctx, c.project.IntegrationBranch); err != nil {
		return cy, cy.fatal(ctx, classify(err, ErrCodeEstablishWorkspace), "clean update of "+c.project.IntegrationBranch, err)
	}

	if err := c.backend.Merge(ctx, cy.candidate.ID); err != nil {
		if !errors.Is(err, vcs.ErrMergeConflict) {
			return cy, cy.fatal(ctx, classify(err, ErrCodeUnexpected), "merge "+cy.candidate.ID, err)
		}
		if rerr := c.store.AddRejection(ctx, c.project.Name, cy.candidate, ReasonMergeConflict); rerr != nil {
			return cy, cy.fatal(ctx, ErrCodeUnexpected, "record rejection", rerr)
		}
		cy.finish(ctx, Outcome{
			Kind:   ir.OutcomeRejectedConflict,
			Reason: ReasonMergeConflict,
			Err:    cy.integrationError(ErrCodeMergeConflict, "candidate does not merge cleanly", err),
		})
		return cy, nil
	}

	c.setState(StateMerged)
	log.Info("candidate merged", "candidate", cy.candidate.ID, "workspace", cy.ws.Dir)
	return cy, nil
}

// Finish completes a prepared cycle with the build verdict and releases
// the project lock.
//
// On BuildSuccess the merge is committed, pushed when configured, and only
// then is the last integrated revision advanced. Any other verdict rolls
// the workspace back to the integration branch; the candidate stays
// eligible for the next cycle.
//
// Calling Finish on a cycle that is already Done returns its outcome.
func (cy *Cycle) Finish(ctx context.Context, result ir.BuildResult) (out Outcome, err error) {
	if cy.done {
		return cy.outcome, fatalErr(cy.outcome)
	}
	c := cy.c
	defer func() {
		c.setState(StateIdle)
		cy.token.Release()
	}()

	if result != ir.BuildSuccess {
		return cy.rollback(ctx, result)
	}

	c.setState(StateCommitting)
	author := ""
	if c.project.UseAuthor {
		author = cy.candidate.Author
	}
	rev, err := c.backend.Commit(ctx, CommitMessage(cy.candidate), author)
	if err != nil {
		// Leave the integration branch as it was before the merge.
		if uerr := c.backend.Update(ctx, c.project.IntegrationBranch); uerr != nil {
			c.logger.Error("rollback after failed commit", "cycle", cy.id, "error", uerr)
		}
		ferr := cy.fatal(ctx, classify(err, ErrCodeCommitFailed), "commit merge of "+cy.candidate.ID, err)
		return cy.outcome, ferr
	}

	if c.project.Push {
		if err := c.backend.Push(ctx, c.project.IntegrationBranch); err != nil {
			cy.outcome.Revision = rev
			// Drop the unpushed merge commit.
			if derr := c.backend.Discard(ctx, c.project.IntegrationBranch, rev); derr != nil {
				c.logger.Error("discard unpushed commit", "cycle", cy.id, "revision", rev, "error", derr)
			}
			ferr := cy.fatal(ctx, classify(err, ErrCodePushFailed), "push "+c.project.IntegrationBranch, err)
			return cy.outcome, ferr
		}
	}

	if err := c.store.AdvanceRevision(ctx, c.project.Name, cy.state.LastIntegratedRevision, rev); err != nil {
		cy.outcome.Revision = rev
		ferr := cy.fatal(ctx, ErrCodeUnexpected, "advance last integrated revision", err)
		return cy.outcome, ferr
	}

	cy.finish(ctx, Outcome{Kind: ir.OutcomeIntegrated, Revision: rev})
	return cy.outcome, nil
}

func (cy *Cycle) rollback(ctx context.Context, result ir.BuildResult) (Outcome, error) {
	c := cy.c
	c.setState(StateRollingBack)
	if err := c.backend.Update(ctx, c.project.IntegrationBranch); err != nil {
		ferr := cy.fatal(ctx, classify(err, ErrCodeEstablishWorkspace), "roll back "+c.project.IntegrationBranch, err)
		return cy.outcome, ferr
	}

	reason := ReasonBuildFailure
	if result != ir.BuildFailure {
		reason = ReasonBuildAborted
	}
	cy.finish(ctx, Outcome{
		Kind:   ir.OutcomeRejectedBuild,
		Reason: reason,
		Err:    cy.integrationError(ErrCodeBuildFailed, "build verdict: "+result.String(), nil),
	})
	return cy.outcome, nil
}

// fatal ends the cycle with a fatal outcome and returns its error.
func (cy *Cycle) fatal(ctx context.Context, code ErrorCode, msg string, err error) error {
	ie := cy.integrationError(code, msg, err)
	cy.finish(ctx, Outcome{
		Kind:     ir.OutcomeFatal,
		Reason:   ie.Error(),
		Revision: cy.outcome.Revision,
		Err:      ie,
	})
	return ie
}

func (cy *Cycle) integrationError(code ErrorCode, msg string, err error) *IntegrationError {
	ie := &IntegrationError{
		Code:      code,
		Message:   msg,
		Project:   cy.c.project.Name,
		CycleID:   cy.id,
		Candidate: cy.candidate.ID,
		Err:       err,
	}
	var ce *vcs.CommandError
	if errors.As(err, &ce) {
		ie.Command = ce.Result.Command()
		ie.ExitCode = ce.Result.ExitCode
		ie.Output = ce.Result.Output()
	}
	return ie
}

// finish fills in the cycle identity, then records and logs the outcome.
func (cy *Cycle) finish(ctx context.Context, out Outcome) {
	c := cy.c
	out.CycleID = cy.id
	out.Project = c.project.Name
	out.Candidate = cy.candidate
	out.Base = cy.base
	cy.outcome = out
	cy.done = true

	attrs := []any{
		"cycle", out.CycleID,
		"outcome", string(out.Kind),
		"candidate", out.Candidate.ID,
		"branch", out.Candidate.Branch,
	}
	if out.Revision != "" {
		attrs = append(attrs, "revision", out.Revision)
	}
	if out.Reason != "" {
		attrs = append(attrs, "reason", out.Reason)
	}
	switch out.Kind {
	case ir.OutcomeFatal:
		c.logger.Error("integration failed", attrs...)
	case ir.OutcomeNoOp:
		c.logger.Debug("integration cycle", attrs...)
	default:
		c.logger.Info("integration cycle", attrs...)
	}

	if _, err := c.store.RecordCycle(context.WithoutCancel(ctx), out.Record()); err != nil {
		c.logger.Error("record cycle", "cycle", out.CycleID, "error", err)
	}
}

// Run executes one full cycle: Prepare, build with exec, Finish.
//
// Recoverable outcomes (no-op, conflict, build rejection) return a nil
// error. A build executor error counts as an aborted build. Finish runs
// even if ctx was cancelled during the build so the lock is never leaked
// and the workspace is rolled back.
func (c *Controller) Run(ctx context.Context, exec BuildExecutor) (Outcome, error) {
	cy, err := c.Prepare(ctx)
	if cy == nil {
		return Outcome{Project: c.project.Name, Kind: ir.OutcomeFatal, Err: err}, err
	}
	if cy.Done() {
		return cy.Outcome(), err
	}

	result, berr := exec.Build(ctx, cy.Workspace(), cy.Candidate())
	if berr != nil {
		c.logger.Warn("build could not run", "cycle", cy.ID(), "error", berr)
		result = ir.BuildAborted
	}
	return cy.Finish(context.WithoutCancel(ctx), result)
}

// Pending counts the candidates that the next cycles would integrate.
// It does not take the project lock and changes no state.
func (c *Controller) Pending(ctx context.Context) (int, error) {
	st, err := c.store.EnsureState(ctx, c.project.Name, c.project.IntegrationBranch, c.project.StagingPattern)
	if err != nil {
		return 0, fmt.Errorf("pending %s: %w", c.project.Name, err)
	}
	return selector.Pending(ctx, c.backend, st)
}

// CommitMessage is the message of the integration commit for candidate.
func CommitMessage(candidate ir.Commit) string {
	var b strings.Builder
	b.WriteString("Merge of revision ")
	b.WriteString(candidate.ID)
	if candidate.Branch != "" {
		b.WriteString(" from ")
		b.WriteString(candidate.Branch)
	}
	if candidate.Author != "" {
		b.WriteString(" by ")
		b.WriteString(candidate.Author)
	}
	return b.String()
}

func classify(err error, fallback ErrorCode) ErrorCode {
	if process.IsToolNotFound(err) {
		return ErrCodeToolNotFound
	}
	return fallback
}

func fatalErr(o Outcome) error {
	if o.Kind == ir.OutcomeFatal {
		return o.Err
	}
	return nil
}

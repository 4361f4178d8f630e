package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/pretest/internal/engine"
	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/store"
	"github.com/roach88/pretest/internal/vcs/vcstest"
)

// ProjectName is the name of the project every scenario integrates.
const ProjectName = "scenario"

// maxCycles bounds the cycle ids a scenario may consume.
const maxCycles = 100

// Harness executes one scenario against an in-memory repository and store.
// Cycle ids are cycle-1, cycle-2, ... and trace sequence numbers come from
// a logical clock, so traces are reproducible.
type Harness struct {
	project ir.Project
	repo    *vcstest.Repo
	store   *store.Store
	ctrl    *engine.Controller
	sched   *engine.Scheduler
	clock   *engine.Clock
	verdict ir.BuildResult
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database and repository.
//
// Execution flow:
// 1. Create the repository with the setup commits
// 2. Execute flow steps, recording commits and cycle outcomes
// 3. Load the final integration state
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	project := scenario.Project.project()
	h := &Harness{
		project: project,
		repo:    vcstest.NewRepo(project.IntegrationBranch),
		store:   st,
		clock:   engine.NewClock(),
		verdict: ir.BuildSuccess,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	h.ctrl = engine.NewController(project, h.repo, st,
		engine.WithLogger(h.logger),
		engine.WithIDGenerator(engine.NewSequenceGenerator("cycle", maxCycles)),
	)
	h.sched = engine.NewScheduler(engine.WithSchedulerLogger(h.logger))
	h.sched.Register(h.ctrl, engine.BuildFunc(h.build))

	ctx := context.Background()
	result := NewResult()

	for i, c := range scenario.Setup {
		if err := h.commit(c, result); err != nil {
			return nil, fmt.Errorf("setup[%d]: %w", i, err)
		}
	}

	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.action(), err)
		}
	}

	result.State, err = st.EnsureState(ctx, project.Name, project.IntegrationBranch, project.StagingPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to load final state: %w", err)
	}

	actx := &AssertionContext{Repo: h.repo, State: result.State}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (p ProjectSpec) project() ir.Project {
	proj := ir.Project{
		Name:              ProjectName,
		Repository:        "https://hg.example.com/" + ProjectName,
		Backend:           "hg",
		Workspace:         "/work/" + ProjectName,
		IntegrationBranch: p.IntegrationBranch,
		StagingPattern:    p.Staging,
		Push:              !p.NoPush,
		UseAuthor:         p.UseAuthor,
	}
	if proj.IntegrationBranch == "" {
		proj.IntegrationBranch = "default"
	}
	if proj.StagingPattern == "" {
		proj.StagingPattern = "ready/.*"
	}
	return proj
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	switch step.action() {
	case "commit":
		return h.commit(*step.Commit, result)

	case "integrate":
		if err := h.setVerdict(step.Build); err != nil {
			return err
		}
		for range step.Integrate {
			out, _ := h.ctrl.Run(ctx, engine.BuildFunc(h.build))
			h.recordOutcome(out, result)
		}
		return nil

	case "drain":
		if err := h.setVerdict(step.Build); err != nil {
			return err
		}
		h.sched.Schedule(ProjectName, "drain")
		outs, _ := h.sched.RunUntilIdle(ctx)
		for _, out := range outs {
			h.recordOutcome(out, result)
		}
		return nil

	case "reset":
		if err := h.ensureState(ctx); err != nil {
			return err
		}
		if err := h.store.RequestReset(ctx, ProjectName); err != nil {
			return err
		}
		result.Trace = append(result.Trace, TraceEvent{Type: EventReset, Seq: h.clock.Next()})
		return nil

	case "retry":
		if err := h.ensureState(ctx); err != nil {
			return err
		}
		rev := step.Retry
		if rev == "all" {
			rev = ""
		}
		n, err := h.store.ClearRejection(ctx, ProjectName, rev)
		if err != nil {
			return err
		}
		result.Trace = append(result.Trace, TraceEvent{
			Type:     EventRetry,
			Seq:      h.clock.Next(),
			Revision: step.Retry,
			Cleared:  n,
		})
		return nil

	case "push_error":
		h.repo.SetPushError(errors.New(step.PushError))
		result.Trace = append(result.Trace, TraceEvent{
			Type:  EventPushError,
			Seq:   h.clock.Next(),
			Error: step.PushError,
		})
		return nil
	}
	return fmt.Errorf("unsupported step %s", step.action())
}

// commit adds c to the repository and records it.
func (h *Harness) commit(c CommitSpec, result *Result) error {
	if h.repo.BranchHead(c.Branch) == "" && !h.resolves(c.From) {
		return fmt.Errorf("new branch %q needs a known parent, got %q", c.Branch, c.From)
	}
	commit := h.repo.CommitOn(c.Branch, c.From, c.Author, c.Message, c.Files)
	result.Trace = append(result.Trace, TraceEvent{
		Type:   EventCommit,
		Seq:    h.clock.Next(),
		Commit: &commit,
	})
	return nil
}

func (h *Harness) resolves(ref string) bool {
	if ref == "" {
		return false
	}
	if h.repo.BranchHead(ref) != "" {
		return true
	}
	_, ok := h.repo.Lookup(ref)
	return ok
}

func (h *Harness) recordOutcome(out engine.Outcome, result *Result) {
	rec := out.Record()
	result.Trace = append(result.Trace, TraceEvent{
		Type:  EventCycle,
		Seq:   h.clock.Next(),
		Cycle: &rec,
	})
}

func (h *Harness) ensureState(ctx context.Context) error {
	_, err := h.store.EnsureState(ctx, ProjectName, h.project.IntegrationBranch, h.project.StagingPattern)
	return err
}

func (h *Harness) setVerdict(s string) error {
	if s == "" {
		h.verdict = ir.BuildSuccess
		return nil
	}
	v, err := ir.ParseBuildResult(s)
	if err != nil {
		return err
	}
	h.verdict = v
	return nil
}

func (h *Harness) build(context.Context, engine.Workspace, ir.Commit) (ir.BuildResult, error) {
	return h.verdict, nil
}

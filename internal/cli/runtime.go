package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/pretest/internal/config"
	"github.com/roach88/pretest/internal/engine"
	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/lock"
	"github.com/roach88/pretest/internal/store"
	"github.com/roach88/pretest/internal/trigger"
	"github.com/roach88/pretest/internal/vcs"
)

// runtime is the wiring shared by commands that run integration cycles:
// configured projects, the state store, and one controller per project
// registered with a scheduler.
type runtime struct {
	logger    *slog.Logger
	projects  []ir.Project
	store     *store.Store
	registry  *vcs.Registry
	backends  map[string]vcs.Backend
	executors map[string]engine.BuildExecutor
	scheduler *engine.Scheduler
}

func openRuntime(opts *RootOptions, cmd *cobra.Command, schedOpts ...engine.SchedulerOption) (*runtime, error) {
	logger := opts.logger(cmd.ErrOrStderr())

	projects, err := loadProjects(opts.Config)
	if err != nil {
		return nil, err
	}

	st, err := openStore(opts.Database, logger)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		logger:    logger,
		projects:  projects,
		store:     st,
		registry:  vcs.DefaultRegistry(),
		backends:  make(map[string]vcs.Backend),
		executors: make(map[string]engine.BuildExecutor),
		scheduler: engine.NewScheduler(append([]engine.SchedulerOption{engine.WithSchedulerLogger(logger)}, schedOpts...)...),
	}

	ids := opts.IDGenerator
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	locks := lock.NewRegistry()

	for _, p := range projects {
		backend, err := rt.openBackend(opts, p)
		if err != nil {
			rt.close()
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open backend for %s", p.Name), err)
		}

		var exec engine.BuildExecutor
		if opts.NewExecutor != nil {
			exec = opts.NewExecutor(p)
		} else {
			exec = &engine.CommandExecutor{
				Command: p.BuildCommand,
				Timeout: p.BuildTimeout,
				Logger:  logger.With("project", p.Name),
			}
		}

		ctrl := engine.NewController(p, backend, st,
			engine.WithLogger(logger),
			engine.WithIDGenerator(ids),
			engine.WithLock(locks.For(p.Name)),
		)
		rt.backends[p.Name] = backend
		rt.executors[p.Name] = exec
		rt.scheduler.Register(ctrl, exec)
	}
	logger.Debug("runtime ready", "projects", len(projects), "db", opts.Database)
	return rt, nil
}

func (rt *runtime) openBackend(opts *RootOptions, p ir.Project) (vcs.Backend, error) {
	if opts.OpenBackend != nil {
		return opts.OpenBackend(p)
	}
	kind, err := vcs.ParseKind(p.Backend)
	if err != nil {
		return nil, err
	}
	return rt.registry.Open(kind, vcs.Options{
		Dir:       p.Workspace,
		Remote:    p.Remote,
		MergeTool: p.MergeTool,
		Logger:    rt.logger.With("project", p.Name),
	})
}

func (rt *runtime) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("error closing database", "error", err)
	}
}

// supported reports whether a configured backend name has a registered
// implementation.
func (rt *runtime) supported(backend string) bool {
	kind, err := vcs.ParseKind(backend)
	return err == nil && rt.registry.Supports(kind)
}

func (rt *runtime) filter() *trigger.Filter {
	return trigger.NewFilter(rt.projects, rt.scheduler, rt.scheduler,
		trigger.WithSupported(rt.supported),
		trigger.WithLogger(rt.logger),
	)
}

func (rt *runtime) project(name string) (ir.Project, error) {
	if p, ok := findProject(rt.projects, name); ok {
		return p, nil
	}
	return ir.Project{}, NewExitError(ExitCommandError, fmt.Sprintf("unknown project %q", name))
}

// selectProjects resolves names to configured projects; no names means all.
func (rt *runtime) selectProjects(names []string) ([]string, error) {
	if len(names) == 0 {
		return rt.scheduler.Projects(), nil
	}
	for _, name := range names {
		if _, err := rt.project(name); err != nil {
			return nil, err
		}
	}
	return slices.Compact(slices.Sorted(slices.Values(names))), nil
}

func loadProjects(dir string) ([]ir.Project, error) {
	res, errs := config.Load(dir, config.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load config", errs[0])
	}
	return res.Projects, nil
}

func openStore(path string, logger *slog.Logger) (*store.Store, error) {
	logger.Debug("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// outcomeView is the printable form of one cycle outcome.
type outcomeView struct {
	ir.CycleRecord
	Error string `json:"error,omitempty"`
}

func viewOutcome(o engine.Outcome) outcomeView {
	v := outcomeView{CycleRecord: o.Record()}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

// printOutcomes writes outcomes in the configured format and converts a
// fatal cycle error into ExitFailure.
func printOutcomes(f *OutputFormatter, outs []engine.Outcome, runErr error) error {
	views := make([]outcomeView, 0, len(outs))
	for _, o := range outs {
		views = append(views, viewOutcome(o))
	}

	code := string(engine.CodeOf(runErr))
	if code == "" {
		code = string(engine.ErrCodeUnexpected)
	}

	if f.JSON() {
		if runErr != nil {
			if err := f.Error(code, runErr.Error(), views); err != nil {
				return err
			}
		} else if err := f.Success(views); err != nil {
			return err
		}
	} else {
		for _, v := range views {
			fmt.Fprintln(f.Writer, formatOutcome(v))
		}
		if runErr != nil {
			if err := f.Error(code, runErr.Error(), nil); err != nil {
				return err
			}
		}
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "integration failed", runErr)
	}
	return nil
}

func formatOutcome(v outcomeView) string {
	line := fmt.Sprintf("%-14s %s", kindLabel(v.Outcome), boldStyle.Render(v.Project))
	if v.Candidate != "" {
		line += " " + short(v.Candidate)
		if v.Branch != "" {
			line += " (" + v.Branch + ")"
		}
	}
	if v.Revision != "" {
		line += " → " + short(v.Revision)
	}
	if v.Reason != "" {
		line += dimStyle.Render(": " + v.Reason)
	}
	return line
}

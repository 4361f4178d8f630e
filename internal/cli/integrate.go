package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/pretest/internal/engine"
	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/selector"
)

// IntegrateOptions holds flags for the integrate command.
type IntegrateOptions struct {
	*RootOptions
	Drain bool
}

// NewIntegrateCommand creates the integrate command.
func NewIntegrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IntegrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "integrate [project...]",
		Short: "Run integration cycles",
		Long: `Run one integration cycle per project: select the oldest pending
staging commit, merge it into the integration branch, build it, and commit
and push the merge only if the build passed.

With --drain, each project keeps cycling until nothing is pending.
Without project arguments every configured project is integrated.

Example:
  pretest integrate shop
  pretest integrate --drain --config ./pretest.d --db ./pretest.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntegrate(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "integrate until no candidate is pending")

	return cmd
}

func runIntegrate(opts *IntegrateOptions, args []string, cmd *cobra.Command) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	names, err := rt.selectProjects(args)
	if err != nil {
		return err
	}

	var (
		outs   []engine.Outcome
		runErr error
	)
	if opts.Drain {
		for _, name := range names {
			rt.scheduler.Schedule(name, "integrate --drain")
		}
		outs, runErr = rt.scheduler.RunUntilIdle(ctx)
	} else {
		var errs []error
		for _, name := range names {
			ctrl, _ := rt.scheduler.Controller(name)
			out, err := ctrl.Run(ctx, rt.executors[name])
			outs = append(outs, out)
			if err != nil {
				errs = append(errs, err)
			}
		}
		runErr = errors.Join(errs...)
	}

	return printOutcomes(opts.formatter(cmd), outs, runErr)
}

// NewNextCommand creates the next command.
func NewNextCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next <project>",
		Short: "Show pending candidates without integrating",
		Long: `Pull the remote and list the staging commits the next cycles would
integrate, oldest first. Nothing is merged and no state changes.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNext(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

type nextView struct {
	Project        string         `json:"project"`
	Base           string         `json:"base,omitempty"`
	ResetRequested bool           `json:"reset_requested"`
	Pending        []ir.Commit    `json:"pending"`
	Rejected       []ir.Rejection `json:"rejected,omitempty"`
}

func runNext(opts *RootOptions, name string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)

	rt, err := openRuntime(opts, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	p, err := rt.project(name)
	if err != nil {
		return err
	}
	st, err := rt.store.EnsureState(ctx, p.Name, p.IntegrationBranch, p.StagingPattern)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load state", err)
	}
	base, pending, err := selector.Candidates(ctx, rt.backends[p.Name], st)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list candidates", err)
	}

	view := nextView{
		Project:        p.Name,
		Base:           base,
		ResetRequested: st.ResetRequested,
		Pending:        pending,
		Rejected:       st.Rejected,
	}
	if view.Pending == nil {
		view.Pending = []ir.Commit{}
	}
	if f.JSON() {
		return f.Success(view)
	}

	w := f.Writer
	header := boldStyle.Render(p.Name)
	if base != "" {
		header += " " + dimStyle.Render("base "+short(base))
	}
	if st.ResetRequested {
		header += " " + warnStyle.Render("(reset requested)")
	}
	fmt.Fprintln(w, header)
	if len(pending) == 0 {
		fmt.Fprintln(w, "  "+engine.ReasonNoPending)
	}
	for i, c := range pending {
		marker := " "
		if i == 0 {
			marker = okStyle.Render("→")
		}
		fmt.Fprintf(w, "%s %s %-20s %s\n", marker, short(c.ID), c.Branch, dimStyle.Render(c.Author))
	}
	for _, r := range st.Rejected {
		fmt.Fprintf(w, "%s %s %-20s %s\n", errStyle.Render("✗"), short(r.Revision), r.Branch, dimStyle.Render(r.Reason))
	}
	return nil
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Limit  int
	Verify bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [project]",
		Short: "Show integration state and recent cycles",
		Long: `Show each project's integration pointer, pending reset, and rejected
candidates, followed by the most recent cycle outcomes.

With --verify every listed cycle's digest is recomputed and compared with
the stored one.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			return runStatus(opts, project, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 10, "number of recent cycles to show")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "verify cycle digests")

	return cmd
}

type statusView struct {
	States   []ir.IntegrationState `json:"states"`
	Cycles   []ir.CycleRecord      `json:"cycles"`
	Tampered []string              `json:"tampered,omitempty"`
}

func runStatus(opts *StatusOptions, project string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	st, err := openStore(opts.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var view statusView
	if project == "" {
		view.States, err = st.ListStates(ctx)
	} else {
		var s ir.IntegrationState
		s, err = st.LoadState(ctx, project)
		view.States = []ir.IntegrationState{s}
	}
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("no state recorded for project %q", project))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read state", err)
	}

	view.Cycles, err = st.ListCycles(ctx, project, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cycles", err)
	}
	if opts.Verify {
		for _, c := range view.Cycles {
			if err := st.VerifyCycle(ctx, c.ID); err != nil {
				logger.Warn("cycle verification failed", "cycle", c.ID, "error", err)
				view.Tampered = append(view.Tampered, c.ID)
			}
		}
	}

	if f.JSON() {
		if err := f.Success(view); err != nil {
			return err
		}
	} else {
		printStatus(f, view, opts.Verify)
	}

	if len(view.Tampered) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d cycle record(s) failed verification", len(view.Tampered)))
	}
	return nil
}

func printStatus(f *OutputFormatter, view statusView, verified bool) {
	w := f.Writer
	if len(view.States) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No projects have been integrated yet"))
	}
	for _, s := range view.States {
		last := s.LastIntegratedRevision
		if last == "" {
			last = "none"
		}
		line := fmt.Sprintf("%s  %s → %s  last %s",
			boldStyle.Render(s.Project), s.StagingBranchPattern, s.IntegrationBranch, short(last))
		if s.ResetRequested {
			line += "  " + warnStyle.Render("reset requested")
		}
		if n := len(s.Rejected); n > 0 {
			line += "  " + errStyle.Render(fmt.Sprintf("%d rejected", n))
		}
		fmt.Fprintln(w, line)
	}

	if len(view.Cycles) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, boldStyle.Render("Recent cycles:"))
	tampered := make(map[string]bool, len(view.Tampered))
	for _, id := range view.Tampered {
		tampered[id] = true
	}
	for _, c := range view.Cycles {
		line := formatOutcome(outcomeView{CycleRecord: c}) + "  " + dimStyle.Render(c.ID)
		switch {
		case tampered[c.ID]:
			line += "  " + errStyle.Render("digest mismatch")
		case verified:
			line += "  " + okStyle.Render("verified")
		}
		fmt.Fprintln(w, line)
	}
}

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Cancel bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset <project>",
		Short: "Rebase candidate selection on the integration branch head",
		Long: `Request that the next cycle ignores the recorded integration pointer
and selects candidates relative to the current head of the integration
branch. The next cycle consumes the request whether or not it finds a
candidate.

Use --cancel to withdraw a pending request.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Cancel, "cancel", false, "withdraw a pending reset request")

	return cmd
}

func runReset(opts *ResetOptions, name string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	projects, err := loadProjects(opts.Config)
	if err != nil {
		return err
	}
	p, ok := findProject(projects, name)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown project %q", name))
	}

	st, err := openStore(opts.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.EnsureState(ctx, p.Name, p.IntegrationBranch, p.StagingPattern); err != nil {
		return WrapExitError(ExitCommandError, "failed to load state", err)
	}

	msg := fmt.Sprintf("Reset requested for %s: the next cycle selects from the head of %s", p.Name, p.IntegrationBranch)
	if opts.Cancel {
		err = st.ConsumeReset(ctx, p.Name)
		msg = fmt.Sprintf("Reset cancelled for %s", p.Name)
	} else {
		err = st.RequestReset(ctx, p.Name)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to update state", err)
	}
	logger.Info("reset updated", "project", p.Name, "cancel", opts.Cancel)

	if f.JSON() {
		return f.Success(map[string]any{"project": p.Name, "reset_requested": !opts.Cancel})
	}
	return f.Success(okStyle.Render("✓ ") + msg)
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <project> [revision]",
		Short: "Offer conflicting candidates again",
		Long: `Clear the rejection recorded for a candidate that failed to merge so
that the next cycle offers it again. Without a revision every rejection of
the project is cleared.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rev := ""
			if len(args) == 2 {
				rev = args[1]
			}
			return runRetry(rootOpts, args[0], rev, cmd)
		},
	}
	return cmd
}

func runRetry(opts *RootOptions, project, rev string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	logger := opts.logger(cmd.ErrOrStderr())

	st, err := openStore(opts.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.LoadState(ctx, project); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NewExitError(ExitCommandError, fmt.Sprintf("no state recorded for project %q", project))
		}
		return WrapExitError(ExitCommandError, "failed to read state", err)
	}

	n, err := st.ClearRejection(ctx, project, rev)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to clear rejection", err)
	}
	logger.Info("rejections cleared", "project", project, "revision", rev, "count", n)

	if f.JSON() {
		return f.Success(map[string]any{"project": project, "cleared": n})
	}
	return f.Success(fmt.Sprintf("%s Cleared %d rejection(s) for %s", okStyle.Render("✓"), n, project))
}

func findProject(projects []ir.Project, name string) (ir.Project, bool) {
	for _, p := range projects {
		if p.Name == name {
			return p, true
		}
	}
	return ir.Project{}, false
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pretest/internal/engine"
	"github.com/roach88/pretest/internal/server"
	"github.com/roach88/pretest/internal/trigger"
)

// NotifyOptions holds flags for the notify command.
type NotifyOptions struct {
	*RootOptions
	ScheduleOnly bool
}

// NewNotifyCommand creates the notify command.
func NewNotifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NotifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "notify <repository-url>",
		Short: "Handle a commit notification for a repository",
		Long: `Report a change at a repository URL. Every project whose repository
matches the URL (scheme, host, port, path and query; default ports are
filled in), has polling enabled, and has pending candidates is integrated
until nothing is pending.

Example:
  pretest notify https://hg.example.com/shop`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotify(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.ScheduleOnly, "schedule-only", false, "report matching projects without running cycles")

	return cmd
}

type notifyView struct {
	URL       string        `json:"url"`
	Triggered []string      `json:"triggered"`
	Messages  []string      `json:"messages,omitempty"`
	Outcomes  []outcomeView `json:"outcomes,omitempty"`
}

func runNotify(opts *NotifyOptions, rawURL string, cmd *cobra.Command) error {
	ctx, stop := signalContext(cmd)
	defer stop()
	f := opts.formatter(cmd)

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	report, err := rt.filter().Notify(ctx, rawURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid notification", err)
	}

	var (
		outs   []engine.Outcome
		runErr error
	)
	if len(report.Triggered) > 0 && !opts.ScheduleOnly {
		outs, runErr = rt.scheduler.RunUntilIdle(ctx)
	}

	if f.JSON() {
		view := notifyView{URL: report.URL, Triggered: report.Triggered, Messages: report.Messages}
		if view.Triggered == nil {
			view.Triggered = []string{}
		}
		for _, o := range outs {
			view.Outcomes = append(view.Outcomes, viewOutcome(o))
		}
		if err := f.Success(view); err != nil {
			return err
		}
		if runErr != nil {
			return WrapExitError(ExitFailure, "integration failed", runErr)
		}
		return nil
	}

	fmt.Fprint(f.Writer, report.String())
	if len(outs) == 0 {
		return nil
	}
	fmt.Fprintln(f.Writer)
	return printOutcomes(f, outs, runErr)
}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	Interval time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the notification endpoint and run cycles",
		Long: `Start the scheduler and an HTTP endpoint accepting commit
notifications:

  GET|POST /notifyCommit?url=<repository-url>
  GET      /healthz

Projects with polling enabled are checked at startup and, with --interval,
periodically. Stop with Ctrl-C; in-flight cycles finish first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", ":8080", "address of the notification endpoint")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "poll interval (0 disables periodic polling)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := openRuntime(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer rt.close()

	srv := server.New(rt.filter(), server.WithLogger(rt.logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return srv.Serve(gctx, opts.Listen)
	})
	g.Go(func() error {
		rt.poll(gctx, "startup")
		if opts.Interval <= 0 {
			return nil
		}
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				rt.poll(gctx, "interval")
			}
		}
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d project(s) on %s. Press Ctrl-C to stop.\n", len(rt.projects), opts.Listen)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve failed", err)
	}
	rt.logger.Info("stopped gracefully")
	return nil
}

// poll schedules every polling project that has pending candidates.
func (rt *runtime) poll(ctx context.Context, reason string) {
	for _, p := range rt.projects {
		if !p.Poll || ctx.Err() != nil {
			continue
		}
		n, err := rt.scheduler.Pending(ctx, p.Name)
		if err != nil {
			rt.logger.Warn("poll: pending check failed", "project", p.Name, "error", err)
			continue
		}
		if n > 0 {
			rt.scheduler.Schedule(p.Name, reason)
		}
	}
}

var _ server.Notifier = (*trigger.Filter)(nil)

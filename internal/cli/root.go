package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/pretest/internal/engine"
	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/vcs"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string
	Config   string

	// OpenBackend overrides how a project's backend is opened (for testing).
	// If nil, the default registry opens the configured kind.
	OpenBackend func(p ir.Project) (vcs.Backend, error)

	// NewExecutor overrides the build executor (for testing).
	// If nil, the project's build command runs through sh.
	NewExecutor func(p ir.Project) engine.BuildExecutor

	// IDGenerator overrides cycle ids (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator engine.CycleIDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pretest CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pretest",
		Short: "pretest - pretested integration",
		Long: `Pretested integration for Mercurial and Git.

Commits pushed to staging branches are merged one at a time into the
integration branch, built, and committed only when the build passes.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "pretest.db", "path to SQLite state database")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "pretest.d", "directory of CUE project definitions")

	cmd.AddCommand(NewIntegrateCommand(opts))
	cmd.AddCommand(NewNextCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewNotifyCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// logger builds the process logger: text to w, Debug when verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/pretest/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Projects []string          `json:"projects,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

// ValidationIssue is one configuration problem.
type ValidationIssue struct {
	Code    string `json:"code"`
	Project string `json:"project,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-dir]",
		Short: "Validate project configuration",
		Long: `Load every CUE file in the configuration directory and report all
problems found, not just the first. Defaults to the --config directory.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.Config
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	res, errs := config.Load(dir, config.LoadModeCollectAll)
	if res != nil {
		formatter.VerboseLog("Found %d CUE file(s) in %s", res.FileCount, dir)
	}

	result := ValidationResult{Valid: len(errs) == 0}
	if res != nil {
		for _, p := range res.Projects {
			result.Projects = append(result.Projects, p.Name)
		}
	}
	for _, err := range errs {
		result.Errors = append(result.Errors, toIssue(err))
	}

	if len(errs) > 0 {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

func toIssue(err error) ValidationIssue {
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		return ValidationIssue{Code: config.ErrCodeGeneric, Message: err.Error()}
	}
	issue := ValidationIssue{
		Code:    cfgErr.Code,
		Project: cfgErr.Project,
		Field:   cfgErr.Field,
		Message: cfgErr.Message,
	}
	if cfgErr.Pos.IsValid() {
		issue.File = cfgErr.Pos.Filename()
		issue.Line = cfgErr.Pos.Line()
	}
	return issue
}

func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	if f.JSON() {
		if err := f.Error(result.Errors[0].Code, fmt.Sprintf("%d configuration error(s)", len(result.Errors)), result); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "%s %d configuration error(s):\n", errStyle.Render("✗"), len(result.Errors))
		for _, issue := range result.Errors {
			fmt.Fprintln(f.Writer, "  "+formatIssue(issue))
		}
	}
	return NewExitError(ExitFailure, "validation failed")
}

func outputValidateSuccess(f *OutputFormatter, result ValidationResult) error {
	if f.JSON() {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "%s %d project(s) valid\n", okStyle.Render("✓"), len(result.Projects))
	for _, name := range result.Projects {
		fmt.Fprintln(f.Writer, "  "+name)
	}
	return nil
}

func formatIssue(issue ValidationIssue) string {
	where := ""
	if issue.File != "" {
		where = fmt.Sprintf("%s:%d: ", issue.File, issue.Line)
	}
	subject := ""
	if issue.Project != "" {
		subject = "project." + issue.Project
		if issue.Field != "" {
			subject += "." + issue.Field
		}
		subject += ": "
	}
	return fmt.Sprintf("%s[%s] %s%s", where, issue.Code, subject, issue.Message)
}

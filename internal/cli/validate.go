package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/feedbackd/internal/config"
)

// ValidationIssue is one configuration error.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Files  int               `json:"files,omitempty"`
	Events []string          `json:"events,omitempty"`
	Sinks  []string          `json:"sinks,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration without starting the daemon",
		Long: `Validate a CUE configuration file or directory.

Every error is reported, not just the first one. Exit code 1 means the
configuration is invalid; 2 means it could not be read at all.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, errs := config.Load(path, config.LoadModeCollectAll)
	if len(errs) > 0 {
		issues := make([]ValidationIssue, 0, len(errs))
		fatal := false
		for _, err := range errs {
			issue := toIssue(err)
			if issue.Code == config.ErrCodeNotFound || issue.Code == config.ErrCodeNoFiles || issue.Code == config.ErrCodeScanError {
				fatal = true
			}
			issues = append(issues, issue)
		}
		if fatal {
			_ = f.Error(issues[0].Code, issues[0].Message, nil)
			return NewExitError(ExitCommandError, issues[0].Message)
		}
		return outputValidationErrors(f, issues)
	}

	f.VerboseLog("Loaded %d CUE file(s) from %s", cfg.FileCount, path)
	result := ValidationResult{
		Valid:  true,
		Files:  cfg.FileCount,
		Events: cfg.Registry().Names(),
		Sinks:  cfg.Sinks.Names(),
	}
	if f.JSON() {
		return f.Success(result)
	}
	f.Printf("✓ config valid: %d event(s), %d sink(s), %d file(s)\n", len(result.Events), len(result.Sinks), result.Files)
	return nil
}

func toIssue(err error) ValidationIssue {
	var le *config.LoadError
	if !errors.As(err, &le) {
		return ValidationIssue{Code: config.ErrCodeGeneric, Message: err.Error()}
	}
	issue := ValidationIssue{Code: le.Code, Message: le.Message}
	if le.Pos.IsValid() {
		issue.File = le.Pos.Filename()
		issue.Line = le.Pos.Line()
	}
	return issue
}

func outputValidationErrors(f *OutputFormatter, issues []ValidationIssue) error {
	if f.JSON() {
		_ = f.Error(issues[0].Code, "config invalid", ValidationResult{Valid: false, Errors: issues})
	} else {
		f.Printf("✗ config invalid: %d error(s)\n", len(issues))
		for _, is := range issues {
			if is.File != "" {
				f.Printf("  %s:%d: [%s] %s\n", is.File, is.Line, is.Code, is.Message)
				continue
			}
			f.Printf("  [%s] %s\n", is.Code, is.Message)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("config invalid: %d error(s)", len(issues)))
}

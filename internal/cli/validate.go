package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/tarn/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Views  int                        `json:"views"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <program>",
		Short: "Validate a program without compiling it",
		Long: `Validate a CUE program without compiling it.

Checks view kinds, field lists, query sources and constraints, union
mappings and data arity, reporting every problem found. Faster than
compile for development feedback.

Exit codes:
  0 - Program is valid
  1 - Validation errors found
  2 - Command error (program not found or not parseable)`,
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
	formatter := newFormatter(opts, cmd)

	program, err := LoadProgram(path)
	if err != nil {
		code, message := loadErrorParts(err)
		return formatter.Fail(ExitCommandError, code, message)
	}

	for _, v := range program.Views {
		formatter.VerboseLog("Validating view: %s (%s)", v.ID, v.Kind)
	}

	if errs := compiler.ValidateProgram(program); len(errs) > 0 {
		return outputValidationErrors(formatter, len(program.Views), errs)
	}
	return outputValidateSuccess(formatter, len(program.Views))
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, views int) error {
	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true, Views: views})
	}

	fmt.Fprintf(formatter.Writer, "%s Program valid (%d view(s))\n", mark(true), views)
	return nil
}

// outputValidationErrors outputs every validation error. Validation
// failures exit with code 1.
func outputValidationErrors(formatter *OutputFormatter, views int, errs []compiler.ValidationError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.JSON() {
		result := ValidationResult{Valid: false, Views: views, Errors: errs}
		if err := formatter.Respond(result, &CLIError{Code: errs[0].Code, Message: errs[0].Message}); err != nil {
			return err
		}
		return exitErr
	}

	w := formatter.Writer
	fmt.Fprintf(w, "%s Validation failed\n\n", mark(false))
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(w, "line %d\n", err.Line)
		}
		fmt.Fprintf(w, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return exitErr
}

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/store"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output  string // change-log file path
	Session string // session stamped on the written event
}

// ViewSummary describes one compiled view.
type ViewSummary struct {
	ID     string   `json:"id"`
	Kind   string   `json:"kind,omitempty"`
	Fields []string `json:"fields"`
	Rows   int      `json:"rows"`
}

// CompilationResult holds the compiled program.
type CompilationResult struct {
	Views    []ViewSummary           `json:"views"`
	Schedule []string                `json:"schedule"`
	Warnings []compiler.CycleWarning `json:"warnings,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <program>",
		Short: "Compile a CUE program and run it to quiescence",
		Long: `Compile a CUE program through the schema relations and run it to
quiescence.

Prints every declared view with its row count, the evaluation schedule,
and warnings for cycles through query views. With --output the program is
written as a one-event change log that "tarn replay" and "tarn run" accept.

Examples:
  tarn compile ./closure.cue
  tarn compile ./programs --format json
  tarn compile ./closure.cue -o closure.jsonl`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the program as a change-log file")
	cmd.Flags().StringVar(&opts.Session, "session", "compile", "session stamped on the written event")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	program, err := LoadProgram(path)
	if err != nil {
		return outputCompileError(formatter, err)
	}
	formatter.VerboseLog("Loaded %d view(s) and %d data block(s) from %s", len(program.Views), len(program.Data), path)

	compiled, err := program.Apply(compiler.Bootstrap(flow.WithLogger(discardLogger())))
	if err != nil {
		return outputCompileError(formatter, &LoadError{Code: ErrCodeCompile, Message: err.Error()})
	}

	result, err := summarize(program, compiled)
	if err != nil {
		return outputCompileError(formatter, &LoadError{Code: ErrCodeCompile, Message: err.Error()})
	}

	if opts.Output != "" {
		if err := writeProgramLog(program, compiled, opts.Session, opts.Output); err != nil {
			return outputCompileError(formatter, &LoadError{Code: ErrCodeWriteFailed, Message: fmt.Sprintf("writing output file: %v", err)})
		}
		formatter.VerboseLog("Wrote change log to %s", opts.Output)
	}

	return outputCompileSuccess(formatter, result, opts.Output)
}

// summarize collects the declared views of program as compiled in f.
func summarize(program *compiler.Program, f *flow.Flow) (*CompilationResult, error) {
	result := &CompilationResult{Views: make([]ViewSummary, 0, len(program.Views))}
	for _, v := range program.Views {
		n, ok := f.Node(v.ID)
		if !ok {
			return nil, fmt.Errorf("view %s missing from compiled flow", v.ID)
		}
		result.Views = append(result.Views, ViewSummary{
			ID:     v.ID,
			Kind:   v.Kind,
			Fields: n.Fields,
			Rows:   n.Output.Len(),
		})
	}

	order, err := compiler.Schedule(f)
	if err != nil {
		return nil, err
	}
	result.Schedule = make([]string, 0, len(order))
	for _, id := range order {
		if !compiler.IsBootstrap(id) {
			result.Schedule = append(result.Schedule, id)
		}
	}

	result.Warnings, err = compiler.Analyze(f)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// programEvent renders program as one event: its schema rows followed by
// its initial data, each batch carrying the target's fields.
func programEvent(program *compiler.Program, f *flow.Flow, session string) (ir.Event, error) {
	ev := ir.Event{Session: session}
	for _, vc := range program.Changes() {
		fields, ok := compiler.BootstrapFields(vc.View)
		if !ok {
			return ir.Event{}, fmt.Errorf("schema relation %s has no fields", vc.View)
		}
		vc.Fields = fields
		ev.Changes = append(ev.Changes, ir.EventChangeFrom(vc))
	}
	for _, vc := range program.DataChanges() {
		n, ok := f.Node(vc.View)
		if !ok {
			return ir.Event{}, fmt.Errorf("data for unknown view %s", vc.View)
		}
		vc.Fields = n.Fields
		ev.Changes = append(ev.Changes, ir.EventChangeFrom(vc))
	}
	return ev, nil
}

func writeProgramLog(program *compiler.Program, f *flow.Flow, session, filename string) error {
	ev, err := programEvent(program, f, session)
	if err != nil {
		return err
	}

	out, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	if err := store.WriteLogFile(out, []ir.Event{ev}); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// outputCompileSuccess outputs successful compilation results.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, outputFile string) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "%s Compiled %d view(s)\n\n", mark(true), len(result.Views))

	if len(result.Views) > 0 {
		fmt.Fprintln(w, "Views:")
		for _, v := range result.Views {
			fmt.Fprintf(w, "  %s (%s) %v: %d row(s)\n", v.ID, v.Kind, v.Fields, v.Rows)
		}
		fmt.Fprintln(w)
	}

	if len(result.Schedule) > 0 {
		fmt.Fprintln(w, "Schedule:")
		for i, id := range result.Schedule {
			fmt.Fprintf(w, "  %d. %s\n", i+1, id)
		}
		fmt.Fprintln(w)
	}

	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warn.Message)
	}

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote change log to %s\n", outputFile)
	}
	return nil
}

// outputCompileError outputs a compilation error. Compilation errors are
// command-level errors (exit code 2).
func outputCompileError(formatter *OutputFormatter, err error) error {
	code, message := loadErrorParts(err)

	var loadErr *LoadError
	if !formatter.JSON() && errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
		fmt.Fprintf(formatter.Writer, "%s Compilation failed\n\n", mark(false))
		fmt.Fprintf(formatter.Writer, "%s:%d:%d\n", loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", code, message)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
	}
	return formatter.Fail(ExitCommandError, code, message)
}

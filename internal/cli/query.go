package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/ir"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Database string
	Program  string
	Builtin  bool // include the schema relations when listing
}

// QueryResult holds the rows of one view.
type QueryResult struct {
	View   string     `json:"view"`
	Fields []string   `json:"fields"`
	Rows   []ir.Tuple `json:"rows"`
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query [view]",
		Short: "Print the rows of a view",
		Long: `Rebuild the state from a program and/or a change log and print the
rows of a view in ascending order. Without a view, lists every view with
its row count.

Examples:
  tarn query path --program ./closure.cue
  tarn query path --db ./tarn.db --program ./closure.cue --format json
  tarn query --db ./tarn.db --builtin`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			view := ""
			if len(args) == 1 {
				view = args[0]
			}
			return runQuery(opts, view, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Program, "program", "", "program the engine starts from")
	cmd.Flags().BoolVar(&opts.Builtin, "builtin", false, "include schema relations when listing views")

	return cmd
}

func runQuery(opts *QueryOptions, view string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.Database == "" && opts.Program == "" {
		return NewExitError(ExitCommandError, "at least one of --db or --program is required")
	}

	eng, cleanup, err := engineSource{ProgramPath: opts.Program, Database: opts.Database}.open(commandContext(cmd))
	if err != nil {
		return err
	}
	defer cleanup()
	formatter.VerboseLog("State rebuilt at seq %d", eng.Seq())

	if view == "" {
		var views []ViewSummary
		_ = eng.View(func(f *flow.Flow) error {
			for _, n := range f.Nodes() {
				if compiler.IsBootstrap(n.ID) && !opts.Builtin {
					continue
				}
				views = append(views, ViewSummary{ID: n.ID, Fields: n.Fields, Rows: n.Output.Len()})
			}
			return nil
		})
		return outputViewList(formatter, views)
	}

	var result QueryResult
	err = eng.View(func(f *flow.Flow) error {
		n, ok := f.Node(view)
		if !ok {
			return fmt.Errorf("unknown view %q", view)
		}
		result = QueryResult{View: n.ID, Fields: n.Fields, Rows: n.Output.Tuples()}
		return nil
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error())
	}
	if result.Rows == nil {
		result.Rows = []ir.Tuple{}
	}
	return outputQueryResult(formatter, result)
}

func outputViewList(formatter *OutputFormatter, views []ViewSummary) error {
	if formatter.JSON() {
		if views == nil {
			views = []ViewSummary{}
		}
		return formatter.Success(views)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Views: %d\n", len(views))
	for _, v := range views {
		fmt.Fprintf(w, "  %s(%s): %d row(s)\n", v.ID, strings.Join(v.Fields, ", "), v.Rows)
	}
	return nil
}

func outputQueryResult(formatter *OutputFormatter, result QueryResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "%s(%s): %d row(s)\n", result.View, strings.Join(result.Fields, ", "), len(result.Rows))
	for _, t := range result.Rows {
		fmt.Fprintf(w, "  %s\n", t)
	}
	return nil
}

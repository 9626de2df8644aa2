package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tarn/internal/ir"
)

// ChangeOptions holds flags for the change command.
type ChangeOptions struct {
	*RootOptions
	Database string
	Program  string
	Session  string
	Fields   []string
	Insert   string   // JSON array of rows
	Remove   string   // JSON array of rows
	Commands []string // each is split on whitespace, e.g. "save before"
}

// ChangeResult is the outcome of one applied event.
type ChangeResult struct {
	Seq     int64            `json:"seq"`
	Session string           `json:"session,omitempty"`
	Changes []ir.EventChange `json:"changes"`
}

// NewChangeCommand creates the change command.
func NewChangeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "change [view]",
		Short: "Apply one event and print the resulting delta",
		Long: `Apply one event and print the changes it caused in every view.

Rows are JSON arrays of tuples. Commands (reset, save <name>,
load <name>) run in the same event. With --db the event is appended to the
change log (created if missing) after the stored log has been replayed;
without it the event only runs against the program's initial state.

Examples:
  tarn change edge --program ./closure.cue --insert '[["c","d"]]'
  tarn change edge --db ./tarn.db --remove '[["a","b"]]' --fields from,to
  tarn change --db ./tarn.db --cmd "save before-reset" --cmd reset`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			view := ""
			if len(args) == 1 {
				view = args[0]
			}
			return runChange(opts, view, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Program, "program", "", "program the engine starts from")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session id (generated if empty)")
	cmd.Flags().StringSliceVar(&opts.Fields, "fields", nil, "field names the rows are given in")
	cmd.Flags().StringVar(&opts.Insert, "insert", "", "rows to insert as JSON, e.g. '[[\"a\",1]]'")
	cmd.Flags().StringVar(&opts.Remove, "remove", "", "rows to remove as JSON")
	cmd.Flags().StringArrayVar(&opts.Commands, "cmd", nil, "command to run with the event (repeatable)")

	return cmd
}

func runChange(opts *ChangeOptions, view string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	ev, err := buildChangeEvent(opts, view)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeBadInput, err.Error())
	}

	src := engineSource{ProgramPath: opts.Program, Database: opts.Database, Create: true}
	eng, cleanup, err := src.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sub, _ := eng.Subscribe()
	defer eng.Unsubscribe(sub)

	seq, err := eng.Apply(ctx, ev)
	if err != nil {
		code := ErrCodeGeneric
		if re, ok := asRuntimeError(err); ok {
			code = string(re.Code)
		}
		return formatter.Fail(ExitFailure, code, err.Error())
	}

	result := ChangeResult{Seq: seq, Session: ev.Session, Changes: []ir.EventChange{}}
	select {
	case delta, ok := <-sub.C:
		if ok {
			result.Session = delta.Session
			result.Changes = delta.Changes
		}
	default:
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	return outputChangeText(formatter, result)
}

// buildChangeEvent assembles the event described by the flags.
func buildChangeEvent(opts *ChangeOptions, view string) (ir.Event, error) {
	ev := ir.Event{Session: opts.Session}

	for _, c := range opts.Commands {
		parts := strings.Fields(c)
		if len(parts) == 0 {
			return ir.Event{}, fmt.Errorf("empty --cmd")
		}
		ev.Commands = append(ev.Commands, parts)
	}

	if view == "" {
		if opts.Insert != "" || opts.Remove != "" {
			return ir.Event{}, fmt.Errorf("--insert and --remove need a view")
		}
		if len(ev.Commands) == 0 {
			return ir.Event{}, fmt.Errorf("nothing to apply: give a view with rows, or --cmd")
		}
		return ev, nil
	}

	inserted, err := parseRows(opts.Insert)
	if err != nil {
		return ir.Event{}, fmt.Errorf("--insert: %w", err)
	}
	removed, err := parseRows(opts.Remove)
	if err != nil {
		return ir.Event{}, fmt.Errorf("--remove: %w", err)
	}
	if len(inserted) == 0 && len(removed) == 0 {
		return ir.Event{}, fmt.Errorf("view %s needs --insert or --remove rows", view)
	}

	ev.Changes = []ir.EventChange{{
		View:     view,
		Fields:   opts.Fields,
		Inserted: inserted,
		Removed:  removed,
	}}
	return ev, nil
}

func parseRows(s string) ([]ir.Tuple, error) {
	if s == "" {
		return nil, nil
	}
	var rows []ir.Tuple
	if err := json.Unmarshal([]byte(s), &rows); err != nil {
		return nil, fmt.Errorf("invalid rows JSON: %w", err)
	}
	return rows, nil
}

func outputChangeText(formatter *OutputFormatter, result ChangeResult) error {
	w := formatter.Writer

	fmt.Fprintf(w, "%s Applied event at seq %d\n", mark(true), result.Seq)
	if len(result.Changes) == 0 {
		fmt.Fprintln(w, "  no views changed")
		return nil
	}
	for _, c := range result.Changes {
		fmt.Fprintf(w, "  %s +%d -%d\n", c.View, len(c.Inserted), len(c.Removed))
		for _, t := range c.Inserted {
			fmt.Fprintf(w, "    + %s\n", t)
		}
		for _, t := range c.Removed {
			fmt.Fprintf(w, "    - %s\n", t)
		}
	}
	return nil
}

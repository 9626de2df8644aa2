package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tarn/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Session  string // optional - filter to one session
	After    int64  // only events with a greater seq
	View     string // optional - filter to events touching a view
}

// TraceChange summarizes one batch of a stored event.
type TraceChange struct {
	View     string `json:"view"`
	Inserted int    `json:"inserted"`
	Removed  int    `json:"removed"`
}

// TraceEvent represents a single event in the trace timeline.
type TraceEvent struct {
	Seq      int64         `json:"seq"`
	ID       string        `json:"id"`
	Session  string        `json:"session"`
	Changes  []TraceChange `json:"changes"`
	Commands [][]string    `json:"commands,omitempty"`
}

// TraceSnapshot describes a stored snapshot.
type TraceSnapshot struct {
	Name string `json:"name"`
	Seq  int64  `json:"seq"`
	Hash string `json:"hash"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Timeline  []TraceEvent    `json:"timeline"`
	Snapshots []TraceSnapshot `json:"snapshots"`
	Stats     TraceStats      `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents  int `json:"total_events"`
	Sessions     int `json:"sessions"`
	RowsInserted int `json:"rows_inserted"`
	RowsRemoved  int `json:"rows_removed"`
	Commands     int `json:"commands"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "List the stored change log",
		Long: `List the events of a database's change log in seq order.

The output includes:
- Timeline: every stored event with its per-view row counts and commands
- Snapshots: the named snapshots saved by "save" commands
- Stats: summary statistics over the listed events

Examples:
  tarn trace --db ./tarn.db
  tarn trace --db ./tarn.db --session 0191c1f2-... --after 10
  tarn trace --db ./tarn.db --view edge --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Session, "session", "", "only events of this session")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with a greater seq")
	cmd.Flags().StringVar(&opts.View, "view", "", "only events that change this view")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := engineSource{Database: opts.Database}.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var events []store.StoredEvent
	if opts.Session != "" {
		events, err = st.ReadSession(ctx, opts.Session)
	} else {
		events, err = st.ReadEvents(ctx, opts.After)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	snapshots, err := st.ListSnapshots(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list snapshots", err)
	}

	result := buildTrace(events, opts)
	result.Snapshots = make([]TraceSnapshot, len(snapshots))
	for i, s := range snapshots {
		result.Snapshots[i] = TraceSnapshot{Name: s.Name, Seq: s.Seq, Hash: s.Hash}
	}

	if formatter.JSON() {
		return formatter.Respond(result, nil)
	}
	return outputTraceText(formatter, result)
}

// buildTrace converts stored events to timeline entries, applying the
// seq and view filters.
func buildTrace(events []store.StoredEvent, opts *TraceOptions) TraceResult {
	result := TraceResult{Timeline: []TraceEvent{}}
	sessions := make(map[string]bool)

	for _, se := range events {
		if se.Seq <= opts.After {
			continue
		}
		te := TraceEvent{
			Seq:      se.Seq,
			ID:       se.ID,
			Session:  se.Event.Session,
			Changes:  make([]TraceChange, 0, len(se.Event.Changes)),
			Commands: se.Event.Commands,
		}
		touches := opts.View == ""
		for _, c := range se.Event.Changes {
			te.Changes = append(te.Changes, TraceChange{View: c.View, Inserted: len(c.Inserted), Removed: len(c.Removed)})
			if c.View == opts.View {
				touches = true
			}
		}
		if !touches {
			continue
		}

		result.Timeline = append(result.Timeline, te)
		sessions[te.Session] = true
		for _, c := range te.Changes {
			result.Stats.RowsInserted += c.Inserted
			result.Stats.RowsRemoved += c.Removed
		}
		result.Stats.Commands += len(te.Commands)
	}

	result.Stats.TotalEvents = len(result.Timeline)
	result.Stats.Sessions = len(sessions)
	return result
}

// outputTraceText outputs the trace as text.
func outputTraceText(formatter *OutputFormatter, result TraceResult) error {
	w := formatter.Writer

	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "No events found.")
	} else {
		fmt.Fprintln(w, "Timeline:")
		for _, ev := range result.Timeline {
			fmt.Fprintf(w, "  [%d] %s session=%s\n", ev.Seq, truncateID(ev.ID), ev.Session)
			for _, c := range ev.Changes {
				fmt.Fprintf(w, "       %s +%d -%d\n", c.View, c.Inserted, c.Removed)
			}
			for _, cmd := range ev.Commands {
				fmt.Fprintf(w, "       command: %s\n", strings.Join(cmd, " "))
			}
			if formatter.Verbose {
				fmt.Fprintf(w, "       ID: %s\n", ev.ID)
			}
		}
	}
	fmt.Fprintln(w)

	if len(result.Snapshots) > 0 {
		fmt.Fprintln(w, "Snapshots:")
		for _, s := range result.Snapshots {
			fmt.Fprintf(w, "  %s at seq %d (%s)\n", s.Name, s.Seq, truncateID(s.Hash))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Stats:")
	fmt.Fprintf(w, "  Total Events:  %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Sessions:      %d\n", result.Stats.Sessions)
	fmt.Fprintf(w, "  Rows Inserted: %d\n", result.Stats.RowsInserted)
	fmt.Fprintf(w, "  Rows Removed:  %d\n", result.Stats.RowsRemoved)
	fmt.Fprintf(w, "  Commands:      %d\n", result.Stats.Commands)
	return nil
}

// truncateID shortens a content hash for display.
func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/engine"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Program  string
	Strict   bool // stop at the first failing event
}

// ReplayResult holds the replay result.
type ReplayResult struct {
	Source        string `json:"source"`
	Events        int    `json:"events"`
	Failed        int    `json:"failed"`
	Hash          string `json:"hash"`
	Deterministic bool   `json:"deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [logfile]",
		Short: "Replay a change log and verify determinism",
		Long: `Replay a change log twice into fresh engines and compare the
resulting state hashes.

The log is either a JSON-lines file (one event per line, as written by
"tarn compile -o") or the events table of a database given with --db.
Events that fail are counted and skipped unless --strict is set.

Exit codes:
  0 - Replay is deterministic
  1 - State hashes differ, or an event failed under --strict
  2 - Command error (log not found, malformed, etc.)

Examples:
  tarn replay ./closure.jsonl
  tarn replay --db ./tarn.db --program ./closure.cue
  tarn replay ./closure.jsonl --strict --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logfile := ""
			if len(args) == 1 {
				logfile = args[0]
			}
			return runReplay(opts, logfile, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "replay the events stored in this database")
	cmd.Flags().StringVar(&opts.Program, "program", "", "program each fresh engine starts from")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "stop at the first failing event")

	return cmd
}

func runReplay(opts *ReplayOptions, logfile string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	if (logfile == "") == (opts.Database == "") {
		return NewExitError(ExitCommandError, "exactly one of a log file or --db is required")
	}

	var program *compiler.Program
	if opts.Program != "" {
		p, err := LoadProgram(opts.Program)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load program", err)
		}
		program = p
	}

	source := logfile
	var events []ir.Event
	var err error
	if logfile != "" {
		events, err = readLogFile(logfile)
	} else {
		source = opts.Database
		events, err = readStoredEvents(ctx, opts.Database)
	}
	if err != nil {
		return err
	}
	formatter.VerboseLog("Read %d event(s) from %s", len(events), source)

	first, err := replayOnce(ctx, program, events, opts.Strict)
	if err != nil {
		return replayFailed(formatter, err)
	}
	second, err := replayOnce(ctx, program, events, opts.Strict)
	if err != nil {
		return replayFailed(formatter, err)
	}

	result := ReplayResult{
		Source:        source,
		Events:        len(events),
		Failed:        first.failed,
		Hash:          first.hash,
		Deterministic: first == second,
	}

	if formatter.JSON() {
		return outputReplayJSON(formatter, result)
	}
	return outputReplayText(formatter, result)
}

func readLogFile(path string) ([]ir.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("log file not found: %s", path))
		}
		return nil, WrapExitError(ExitCommandError, "failed to open log file", err)
	}
	defer f.Close()

	events, err := store.ReadLogFile(f)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read log file", err)
	}
	return events, nil
}

func readStoredEvents(ctx context.Context, path string) ([]ir.Event, error) {
	st, err := engineSource{Database: path}.openStore()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	stored, err := st.ReadEvents(ctx, 0)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read events", err)
	}
	events := make([]ir.Event, len(stored))
	for i, se := range stored {
		events[i] = se.Event
	}
	return events, nil
}

type replayOutcome struct {
	hash   string
	failed int
}

// replayOnce applies events to a fresh in-memory engine and hashes the
// final state.
func replayOnce(ctx context.Context, program *compiler.Program, events []ir.Event, strict bool) (replayOutcome, error) {
	opts := []engine.Option{engine.WithLogger(discardLogger())}
	if program != nil {
		opts = append(opts, engine.WithProgram(program))
	}
	eng, err := engine.New(opts...)
	if err != nil {
		return replayOutcome{}, err
	}
	defer eng.Close()

	var out replayOutcome
	if strict {
		if err := eng.ReplayEvents(ctx, events); err != nil {
			return replayOutcome{}, err
		}
	} else {
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				return replayOutcome{}, err
			}
			if _, err := eng.Apply(ctx, ev); err != nil {
				out.failed++
			}
		}
	}

	out.hash, err = eng.StateHash()
	if err != nil {
		return replayOutcome{}, err
	}
	return out, nil
}

func replayFailed(formatter *OutputFormatter, err error) error {
	code := ErrCodeGeneric
	if re, ok := asRuntimeError(err); ok {
		code = string(re.Code)
	}
	if formatter.JSON() {
		_ = formatter.Respond(nil, &CLIError{Code: code, Message: err.Error()})
	} else {
		fmt.Fprintf(formatter.Writer, "%s Replay failed\n  %s: %v\n", mark(false), code, err)
	}
	return WrapExitError(ExitFailure, "replay failed", err)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	var cliErr *CLIError
	if !result.Deterministic {
		cliErr = &CLIError{
			Code:    "E_DETERMINISM",
			Message: "determinism verification failed",
		}
	}
	if err := formatter.Respond(result, cliErr); err != nil {
		return err
	}

	if !result.Deterministic {
		return NewExitError(ExitFailure, "determinism verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(formatter *OutputFormatter, result ReplayResult) error {
	w := formatter.Writer

	fmt.Fprintf(w, "Replay Summary: %d event(s) from %s\n", result.Events, result.Source)
	fmt.Fprintf(w, "  Failed events: %d\n", result.Failed)
	fmt.Fprintf(w, "  State hash: %s\n", result.Hash)
	fmt.Fprintln(w)

	if result.Deterministic {
		fmt.Fprintf(w, "%s Replay verified deterministic\n", mark(true))
		return nil
	}

	fmt.Fprintf(w, "%s Determinism verification failed\n", mark(false))
	return NewExitError(ExitFailure, "determinism verification failed")
}

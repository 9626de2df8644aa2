package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tarn/internal/engine"
	"github.com/roach88/tarn/internal/server"
)

// DefaultAddr is where run serves when neither a flag nor a config file
// sets an address.
const DefaultAddr = "localhost:7070"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Addr     string
	Config   string
	Program  string

	// Sessions overrides the session generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	Sessions engine.SessionGenerator
}

// RunConfig is the YAML file accepted by run --config. Flags given on the
// command line override its values.
type RunConfig struct {
	Addr    string `yaml:"addr"`
	DB      string `yaml:"db"`
	Program string `yaml:"program"`
	Verbose bool   `yaml:"verbose"`
}

// LoadRunConfig reads a run config file, rejecting unknown keys.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [program]",
		Short: "Serve a program over WebSocket",
		Long: `Start the engine and serve it over WebSocket.

The engine loads the program (if given), opens the SQLite change log
(creating it if it doesn't exist), replays it, and starts the single-writer
event loop. Clients connect to /ws to receive the full state followed by
deltas and to send change events. Prometheus metrics are served on /metrics.

Without a program the engine starts with only the schema relations; views
can then be declared by sending schema rows.

Example:
  tarn run --db ./tarn.db ./closure.cue
  tarn run --config ./tarn.yaml --addr :9000`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Program = args[0]
			}
			if err := applyRunConfig(opts, cmd); err != nil {
				return err
			}
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required unless set in --config)")
	cmd.Flags().StringVar(&opts.Addr, "addr", DefaultAddr, "address to serve on")
	cmd.Flags().StringVar(&opts.Config, "config", "", "YAML config file (addr, db, program, verbose)")

	return cmd
}

// applyRunConfig fills options from the config file where the matching flag
// was not given.
func applyRunConfig(opts *RunOptions, cmd *cobra.Command) error {
	if opts.Config != "" {
		cfg, err := LoadRunConfig(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid config", err)
		}
		flags := cmd.Flags()
		if !flags.Changed("addr") && cfg.Addr != "" {
			opts.Addr = cfg.Addr
		}
		if !flags.Changed("db") && cfg.DB != "" {
			opts.Database = cfg.DB
		}
		if opts.Program == "" {
			opts.Program = cfg.Program
		}
		if f := cmd.Flag("verbose"); (f == nil || !f.Changed) && cfg.Verbose {
			opts.Verbose = true
		}
	}

	if opts.Database == "" {
		return NewExitError(ExitCommandError, "required flag \"db\" not set")
	}
	return nil
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	extra := []engine.Option{engine.WithMetrics(engine.NewMetrics(reg))}
	if opts.Sessions != nil {
		extra = append(extra, engine.WithSessions(opts.Sessions))
	}

	logger.Info("opening database", "path", opts.Database, "program", opts.Program)
	src := engineSource{ProgramPath: opts.Program, Database: opts.Database, Logger: logger, Create: true}
	eng, cleanup, err := src.open(ctx, extra...)
	if err != nil {
		return err
	}
	defer cleanup()
	logger.Info("change log replayed", "seq", eng.Seq())

	srv := server.New(eng, server.WithGatherer(reg), server.WithLogger(logger))

	fmt.Fprintf(cmd.OutOrStdout(), "Engine started. Serving on %s\n", opts.Addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := eng.Run(gctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		if err != nil {
			return WrapExitError(ExitFailure, "engine error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(gctx, opts.Addr); err != nil {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("engine stopped gracefully")
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cuelang.org/go/cue/token"
	"github.com/spf13/cobra"

	"github.com/roach88/tarn/internal/compiler"
	"github.com/roach88/tarn/internal/engine"
	"github.com/roach88/tarn/internal/store"
)

// LoadError represents an error that occurred while loading a program.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadProgram loads a CUE program from a file or package directory. A
// program that declares neither views nor data is an error.
func LoadProgram(path string) (*compiler.Program, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("program not found: %s", path)}
	}

	p, err := compiler.LoadProgram(path)
	if err != nil {
		return nil, convertCompileError(err)
	}
	if len(p.Views) == 0 && len(p.Data) == 0 {
		return nil, &LoadError{Code: ErrCodeNoViews, Message: fmt.Sprintf("no views declared in %s", path)}
	}
	return p, nil
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeLoadFailed,
			Message: fmt.Sprintf("%s: %s", compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{Code: ErrCodeLoadFailed, Message: err.Error()}
}

// loadErrorParts returns the code and message of err for CLI output.
func loadErrorParts(err error) (string, string) {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr.Code, loadErr.Message
	}
	return ErrCodeGeneric, err.Error()
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNoViews     = "E003" // Program declares nothing
	ErrCodeLoadFailed  = "E004" // CUE load or parse failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeCompile     = "E006" // Schema compilation failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeStore       = "E008" // Change-log store error
	ErrCodeBadInput    = "E009" // Malformed rows or commands on the command line
)

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// discardLogger is used by commands that print their own results.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newStderrLogger logs everything to the command's stderr.
func newStderrLogger(cmd *cobra.Command) *slog.Logger {
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// engineSource holds what a command needs to rebuild an engine: an
// optional program and an optional change-log store.
type engineSource struct {
	ProgramPath string
	Database    string
	Logger      *slog.Logger

	// Create opens a missing database instead of failing.
	Create bool
}

// openStore opens the database named by src, or returns nil when src has
// none.
func (src engineSource) openStore() (*store.Store, error) {
	if src.Database == "" {
		return nil, nil
	}
	if _, err := os.Stat(src.Database); os.IsNotExist(err) && !src.Create {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", src.Database))
	}
	st, err := store.Open(src.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// open builds an engine from src and replays the store into it. The
// returned cleanup closes the engine and the store.
func (src engineSource) open(ctx context.Context, extra ...engine.Option) (*engine.Engine, func(), error) {
	logger := src.Logger
	if logger == nil {
		logger = discardLogger()
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	if src.ProgramPath != "" {
		p, err := LoadProgram(src.ProgramPath)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to load program", err)
		}
		opts = append(opts, engine.WithProgram(p))
	}

	st, err := src.openStore()
	if err != nil {
		return nil, nil, err
	}
	if st != nil {
		opts = append(opts, engine.WithStore(st))
	}
	closeStore := func() {
		if st != nil {
			if err := st.Close(); err != nil {
				logger.Error("error closing database", "error", err)
			}
		}
	}

	eng, err := engine.New(append(opts, extra...)...)
	if err != nil {
		closeStore()
		return nil, nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	cleanup := func() {
		eng.Close()
		closeStore()
	}

	if _, err := eng.Recover(ctx); err != nil {
		cleanup()
		return nil, nil, WrapExitError(ExitCommandError, "failed to recover change log", err)
	}
	return eng, cleanup, nil
}

// asRuntimeError unwraps the engine error inside err, if any.
func asRuntimeError(err error) (*engine.RuntimeError, bool) {
	var re *engine.RuntimeError
	ok := errors.As(err, &re)
	return re, ok
}

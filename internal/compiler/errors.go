package compiler

import (
	"errors"
	"fmt"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

var (
	// ErrSchemaLookup is wrapped by errors for schema rows that name a
	// view, field or source that is not declared.
	ErrSchemaLookup = errors.New("schema lookup failed")

	// ErrMissingFieldMapping is wrapped when a union view-mapping does not
	// supply every sink field and lenient mappings are off.
	ErrMissingFieldMapping = errors.New("missing field mapping")

	// ErrNoFixpoint is returned by CompileAndRun when the schema is still
	// changing after the configured number of rounds.
	ErrNoFixpoint = errors.New("schema did not settle")
)

// CompileError represents a compilation error with source position.
// Pos is only set for errors that originate in a CUE program.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func lookupError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrSchemaLookup)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

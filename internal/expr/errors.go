package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tarn/internal/ir"
)

var (
	// ErrNoMatch is returned by a Match with no fallback when no pattern
	// matched. Query evaluation treats it as "no binding", not as a failure.
	ErrNoMatch = errors.New("no pattern matched")

	// ErrDomain marks a function result outside the value domain: NaN,
	// infinities, empty aggregates, unparsable numbers.
	ErrDomain = errors.New("result outside value domain")

	// ErrUnbound is returned when an expression reads a clause or name that
	// is not bound in the current row.
	ErrUnbound = errors.New("unbound reference")
)

// TypeError reports a function or comparison applied to a combination of
// value variants it is not defined for.
type TypeError struct {
	Fn    string
	Kinds []ir.Kind
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	kinds := make([]string, len(e.Kinds))
	for i, k := range e.Kinds {
		kinds[i] = k.String()
	}
	return fmt.Sprintf("type error: %s is not defined for (%s)", e.Fn, strings.Join(kinds, ", "))
}

func typeError(fn string, args []ir.Value) *TypeError {
	kinds := make([]ir.Kind, len(args))
	for i, a := range args {
		kinds[i] = a.Kind()
	}
	return &TypeError{Fn: fn, Kinds: kinds}
}

// IsTypeError reports whether err is or wraps a *TypeError.
func IsTypeError(err error) bool {
	var te *TypeError
	return errors.As(err, &te)
}

func domainError(fn string, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", fn, fmt.Sprintf(format, args...), ErrDomain)
}

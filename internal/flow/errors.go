package flow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tarn/internal/ir"
)

// ErrUnknownView is returned when a change or lookup names a view the flow
// does not have.
var ErrUnknownView = errors.New("unknown view")

// ErrQueryView is returned when a change targets a query view. Only unions
// hold base data.
var ErrQueryView = errors.New("query views take no base data")

// ArityError reports a change batch whose field list or tuple shape
// disagrees with the target view's declared fields.
type ArityError struct {
	View     string
	Expected []string
	// Fields is set when the batch's field list is wrong.
	Fields []string
	// Tuple is set when a single tuple has the wrong length.
	Tuple ir.Tuple
}

// Error implements the error interface.
func (e *ArityError) Error() string {
	if e.Tuple != nil {
		return fmt.Sprintf("arity mismatch in %s: tuple %s has %d columns, want %d (%s)",
			e.View, ir.Format(e.Tuple), len(e.Tuple), len(e.Expected), strings.Join(e.Expected, ", "))
	}
	return fmt.Sprintf("arity mismatch in %s: fields [%s], want [%s]",
		e.View, strings.Join(e.Fields, ", "), strings.Join(e.Expected, ", "))
}

// IsArityError reports whether err is or wraps an *ArityError.
func IsArityError(err error) bool {
	var ae *ArityError
	return errors.As(err, &ae)
}

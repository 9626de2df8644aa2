package expr

import (
	"fmt"

	"github.com/roach88/tarn/internal/ir"
)

// Op is a comparison operator used by constraints and comparison calls.
type Op string

const (
	OpLT Op = "<"
	OpLE Op = "<="
	OpEQ Op = "="
	OpNE Op = "!="
	OpGT Op = ">"
	OpGE Op = ">="
)

// ParseOp validates a comparison operator name.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case OpLT, OpLE, OpEQ, OpNE, OpGT, OpGE:
		return op, nil
	default:
		return "", fmt.Errorf("unknown comparison operator %q", s)
	}
}

// Flip returns the operator with its operands swapped: a < b iff b > a.
func (op Op) Flip() Op {
	switch op {
	case OpLT:
		return OpGT
	case OpLE:
		return OpGE
	case OpGT:
		return OpLT
	case OpGE:
		return OpLE
	default:
		return op
	}
}

// Test evaluates a op b.
//
// Equality is defined across variants (values of different variants are
// never equal). Ordering comparisons require both sides to be the same
// variant; anything else is a *TypeError.
func (op Op) Test(a, b ir.Value) (bool, error) {
	switch op {
	case OpEQ:
		return ir.Equal(a, b), nil
	case OpNE:
		return !ir.Equal(a, b), nil
	}

	if a.Kind() != b.Kind() {
		return false, typeError(string(op), []ir.Value{a, b})
	}
	c := ir.Compare(a, b)
	switch op {
	case OpLT:
		return c < 0, nil
	case OpLE:
		return c <= 0, nil
	case OpGT:
		return c > 0, nil
	case OpGE:
		return c >= 0, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", string(op))
	}
}

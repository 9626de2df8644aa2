// Package expr evaluates scalar expressions and pattern matches over one
// row of already-bound clause values.
//
// A row is the list of bindings produced by the clauses of a query, in
// clause order. Variables address a binding by clause position and an
// optional column; Names address values bound by a pattern.
package expr

import (
	"fmt"
	"strings"

	"github.com/roach88/tarn/internal/ir"
)

// Whole selects an entire clause binding instead of one of its columns.
const Whole = -1

// Expr is a sealed interface over expression nodes.
type Expr interface {
	expr() // Sealed - only types in this package implement it
	String() string
}

// Ref is the subset of expressions allowed in constraints and union
// projections: a Constant or a Variable.
type Ref interface {
	Expr
	ref()
}

// Constant is a literal value.
type Constant struct {
	Value ir.Value
}

// Variable reads a column of an earlier clause's binding.
// Column == Whole reads the binding itself. When the binding is a Relation
// (from a relation scan) a column yields that column of every tuple, as a
// Tuple in relation order.
type Variable struct {
	Clause int
	Column int
}

// Name reads a value bound by an enclosing pattern match.
type Name struct {
	Name string
}

// Call applies a function from the function table.
type Call struct {
	Fn   string
	Args []Expr
}

// Match tests Input against Patterns in order and evaluates the handler of
// the first pattern that matches. When Handlers has one more element than
// Patterns, the extra handler is the fallback.
type Match struct {
	Input    Expr
	Patterns []Pattern
	Handlers []Expr
}

func (Constant) expr() {}
func (Variable) expr() {}
func (Name) expr()     {}
func (Call) expr()     {}
func (Match) expr()    {}

func (Constant) ref() {}
func (Variable) ref() {}

func (c Constant) String() string { return ir.Format(c.Value) }

func (v Variable) String() string {
	if v.Column == Whole {
		return fmt.Sprintf("$%d", v.Clause)
	}
	return fmt.Sprintf("$%d.%d", v.Clause, v.Column)
}

func (n Name) String() string { return n.Name }

func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("(%s %s)", c.Fn, strings.Join(args, " "))
}

func (m Match) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(match %s", m.Input)
	for i, p := range m.Patterns {
		fmt.Fprintf(&b, " [%s => %s]", p, m.Handlers[i])
	}
	if len(m.Handlers) > len(m.Patterns) {
		fmt.Fprintf(&b, " [_ => %s]", m.Handlers[len(m.Patterns)])
	}
	b.WriteByte(')')
	return b.String()
}

// Pattern is a sealed interface over match patterns.
type Pattern interface {
	pattern()
	String() string
}

// ConstantPattern matches values equal to Value.
type ConstantPattern struct {
	Value ir.Value
}

// VariablePattern matches anything and binds it to Name.
type VariablePattern struct {
	Name string
}

// TuplePattern matches a tuple of the same length whose elements match
// element-wise.
type TuplePattern struct {
	Elems []Pattern
}

func (ConstantPattern) pattern() {}
func (VariablePattern) pattern() {}
func (TuplePattern) pattern()    {}

func (p ConstantPattern) String() string { return ir.Format(p.Value) }
func (p VariablePattern) String() string { return "?" + p.Name }

func (p TuplePattern) String() string {
	elems := make([]string, len(p.Elems))
	for i, e := range p.Elems {
		elems[i] = e.String()
	}
	return "(" + strings.Join(elems, ", ") + ")"
}

// MaxClause returns the highest clause position e reads, or -1 if it reads
// none. The compiler uses it to check that expressions only look backwards.
func MaxClause(e Expr) int {
	switch n := e.(type) {
	case Variable:
		return n.Clause
	case Call:
		maxc := -1
		for _, a := range n.Args {
			maxc = max(maxc, MaxClause(a))
		}
		return maxc
	case Match:
		maxc := MaxClause(n.Input)
		for _, h := range n.Handlers {
			maxc = max(maxc, MaxClause(h))
		}
		return maxc
	default:
		return -1
	}
}

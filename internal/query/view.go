// Package query defines compiled view definitions and evaluates them.
//
// A View is either a Query, evaluated by a backtracking join over its
// clauses, or a Union, evaluated by monotone accumulation. Sources name
// upstream relations by their position in the owning node's upstream list;
// the caller passes the matching indexes at evaluation time.
package query

import (
	"fmt"
	"strings"

	"github.com/roach88/tarn/internal/expr"
)

// View is a sealed interface over compiled view definitions.
type View interface {
	view() // Sealed - only *Query and *Union implement it
	Kind() string
}

// Kind names reported by View.Kind.
const (
	KindQuery = "query"
	KindUnion = "union"
)

// Query enumerates joined rows. A row is the tuple of per-clause bindings
// in clause order.
type Query struct {
	// Name labels diagnostics; usually the view id.
	Name    string
	Clauses []Clause
}

// Union accumulates projections of its upstream relations on top of its
// previous output. Mappings[i] projects upstream i.
type Union struct {
	Name     string
	Mappings []Mapping
}

func (*Query) view() {}
func (*Union) view() {}

func (*Query) Kind() string { return KindQuery }
func (*Union) Kind() string { return KindUnion }

// Clause is a sealed interface over query clauses.
type Clause interface {
	clause()
	String() string
}

// TupleScan binds each matching tuple of its source in turn.
type TupleScan struct {
	Source Source
}

// RelationScan binds the whole filtered source as one Relation value.
type RelationScan struct {
	Source Source
}

// Expression binds the single value of Expr. A match with no fallback that
// fails to match binds nothing, so the row is dropped.
type Expression struct {
	Expr expr.Expr
}

func (TupleScan) clause()    {}
func (RelationScan) clause() {}
func (Expression) clause()   {}

func (c TupleScan) String() string    { return "scan " + c.Source.String() }
func (c RelationScan) String() string { return "relation " + c.Source.String() }
func (c Expression) String() string   { return "let " + c.Expr.String() }

// Source is an upstream position plus the constraints its tuples must
// satisfy.
type Source struct {
	Upstream    int
	Constraints []Constraint
}

func (s Source) String() string {
	if len(s.Constraints) == 0 {
		return fmt.Sprintf("#%d", s.Upstream)
	}
	parts := make([]string, len(s.Constraints))
	for i, c := range s.Constraints {
		parts[i] = c.String()
	}
	return fmt.Sprintf("#%d where %s", s.Upstream, strings.Join(parts, " and "))
}

// Constraint tests Column of the candidate tuple against Ref.
//
// Ref may only read clauses bound before the owning clause, or the owning
// clause itself (which resolves against the candidate). The compiler
// guarantees this ordering.
type Constraint struct {
	Column int
	Op     expr.Op
	Ref    expr.Ref
}

func (c Constraint) String() string {
	return fmt.Sprintf("_.%d %s %s", c.Column, c.Op, c.Ref)
}

// Mapping projects the tuples of one upstream relation into a union.
//
// Only tuples of length Arity are projected. Each ref reads the upstream
// tuple as if its elements were clause bindings: a flat relation's column i
// is Variable{Clause: i, Column: Whole}, and column j of clause i of an
// upstream query row is Variable{Clause: i, Column: j}. A negative Arity
// marks a broken mapping that contributes nothing.
type Mapping struct {
	Arity int
	Refs  []expr.Ref
}

// Broken reports whether the mapping was compiled without all its fields.
func (m Mapping) Broken() bool {
	return m.Arity < 0
}

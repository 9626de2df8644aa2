package query

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/index"
	"github.com/roach88/tarn/internal/ir"
)

type state uint8

const (
	stateDown state = iota
	stateNext
	stateUp
	stateDone
)

// Rows enumerates the rows of a Query one at a time.
//
// Rows is a depth-first backtracking join over levels 0..N-1, one per
// clause. Down materializes the candidates of the current level given the
// bindings of earlier levels; Next binds the following candidate and
// descends (or emits a row at the last level); Up discards the level and
// returns to the previous one. Abandoning a Rows early is always safe.
type Rows struct {
	query    *Query
	upstream []*index.Index
	diags    *expr.Diagnostics

	state      state
	level      int
	candidates [][]ir.Value
	pos        []int
	bound      []ir.Value
	current    ir.Tuple
}

// Rows starts a fresh enumeration over upstream. Per-row errors are added
// to diags (which may be nil) and the row is skipped.
//
// A source position outside upstream is a compiler bug and panics.
func (q *Query) Rows(upstream []*index.Index, diags *expr.Diagnostics) *Rows {
	n := len(q.Clauses)
	r := &Rows{
		query:      q,
		upstream:   upstream,
		diags:      diags,
		candidates: make([][]ir.Value, n),
		pos:        make([]int, n),
		bound:      make([]ir.Value, n),
	}
	if n == 0 {
		r.state = stateDone
	}
	return r
}

// Next advances to the next row. It returns false once the enumeration is
// exhausted.
func (r *Rows) Next() bool {
	last := len(r.query.Clauses) - 1
	for {
		switch r.state {
		case stateDown:
			r.candidates[r.level] = r.materialize(r.level)
			r.pos[r.level] = 0
			r.state = stateNext

		case stateNext:
			l := r.level
			if r.pos[l] >= len(r.candidates[l]) {
				r.state = stateUp
				continue
			}
			r.bound[l] = r.candidates[l][r.pos[l]]
			r.pos[l]++
			if l == last {
				r.current = slices.Clone(ir.Tuple(r.bound))
				return true
			}
			r.level++
			r.state = stateDown

		case stateUp:
			r.candidates[r.level] = nil
			r.bound[r.level] = nil
			if r.level == 0 {
				r.state = stateDone
				continue
			}
			r.level--
			r.state = stateNext

		case stateDone:
			r.current = nil
			return false
		}
	}
}

// Row returns the row produced by the last successful Next. The tuple is
// owned by the caller.
func (r *Rows) Row() ir.Tuple {
	return r.current
}

func (r *Rows) location(level int) string {
	return fmt.Sprintf("view %s clause %d", r.query.Name, level)
}

func (r *Rows) source(level int, s Source) *index.Index {
	if s.Upstream < 0 || s.Upstream >= len(r.upstream) {
		panic(fmt.Sprintf("query %s clause %d: source %d out of range (%d upstream)",
			r.query.Name, level, s.Upstream, len(r.upstream)))
	}
	return r.upstream[s.Upstream]
}

// materialize computes the candidate bindings for one level.
func (r *Rows) materialize(level int) []ir.Value {
	bound := r.bound[:level]

	switch c := r.query.Clauses[level].(type) {
	case TupleScan:
		var out []ir.Value
		for t := range r.source(level, c.Source).All() {
			if r.accept(level, c.Source.Constraints, bound, t) {
				out = append(out, t)
			}
		}
		return out

	case RelationScan:
		var rel ir.Relation
		for t := range r.source(level, c.Source).All() {
			if r.accept(level, c.Source.Constraints, bound, t) {
				rel = append(rel, t)
			}
		}
		if rel == nil {
			rel = ir.Relation{}
		}
		return []ir.Value{rel}

	case Expression:
		v, err := expr.Eval(c.Expr, bound)
		if err != nil {
			if !errors.Is(err, expr.ErrNoMatch) {
				r.diags.Add(r.location(level), err)
			}
			return nil
		}
		return []ir.Value{v}

	default:
		panic(fmt.Sprintf("query %s clause %d: unknown clause %T", r.query.Name, level, c))
	}
}

// accept reports whether candidate t satisfies every constraint.
// Evaluation errors are recorded and reject the candidate.
func (r *Rows) accept(level int, constraints []Constraint, bound []ir.Value, t ir.Tuple) bool {
	for _, c := range constraints {
		left, err := expr.Column(t, c.Column)
		if err != nil {
			r.diags.Add(r.location(level), err)
			return false
		}
		right, err := expr.ResolveRef(c.Ref, bound, t)
		if err != nil {
			r.diags.Add(r.location(level), err)
			return false
		}
		ok, err := c.Op.Test(left, right)
		if err != nil {
			r.diags.Add(r.location(level), err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// All returns every row as a lazy, restartable sequence. Each range starts
// a new enumeration.
func (q *Query) All(upstream []*index.Index, diags *expr.Diagnostics) iter.Seq[ir.Tuple] {
	return func(yield func(ir.Tuple) bool) {
		rows := q.Rows(upstream, diags)
		for rows.Next() {
			if !yield(rows.Row()) {
				return
			}
		}
	}
}

// Eval materializes every row into a fresh index.
func (q *Query) Eval(upstream []*index.Index, diags *expr.Diagnostics) *index.Index {
	out := index.New()
	for row := range q.All(upstream, diags) {
		if !out.Contains(row) {
			out.Insert(row)
		}
	}
	return out
}

package query

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/index"
	"github.com/roach88/tarn/internal/ir"
)

func tup(vals ...float64) ir.Tuple {
	t := make(ir.Tuple, len(vals))
	for i, v := range vals {
		t[i] = ir.Float(v)
	}
	return t
}

func row(bindings ...ir.Value) ir.Tuple {
	return ir.Tuple(bindings)
}

func joinFixture() []*index.Index {
	a := index.FromTuples(tup(0, 1, 2), tup(4, 5, 6))
	b := index.FromTuples(tup(0, -1, -2), tup(-4, -5, -6))
	return []*index.Index{a, b}
}

func collect(q *Query, upstream []*index.Index, diags *expr.Diagnostics) []ir.Tuple {
	return slices.Collect(q.All(upstream, diags))
}

func TestJoinCrossProduct(t *testing.T) {
	q := &Query{Name: "cross", Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0}},
		TupleScan{Source: Source{Upstream: 1}},
	}}

	got := collect(q, joinFixture(), nil)

	assert.ElementsMatch(t, []ir.Tuple{
		row(tup(0, 1, 2), tup(0, -1, -2)),
		row(tup(0, 1, 2), tup(-4, -5, -6)),
		row(tup(4, 5, 6), tup(0, -1, -2)),
		row(tup(4, 5, 6), tup(-4, -5, -6)),
	}, got)
}

func TestJoinConstrained(t *testing.T) {
	// B.col0 < A.col0
	q := &Query{Name: "lt", Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0}},
		TupleScan{Source: Source{Upstream: 1, Constraints: []Constraint{
			{Column: 0, Op: expr.OpLT, Ref: expr.Variable{Clause: 0, Column: 0}},
		}}},
	}}

	got := collect(q, joinFixture(), nil)

	assert.ElementsMatch(t, []ir.Tuple{
		row(tup(0, 1, 2), tup(-4, -5, -6)),
		row(tup(4, 5, 6), tup(-4, -5, -6)),
		row(tup(4, 5, 6), tup(0, -1, -2)),
	}, got)
}

func TestJoinRowsAscendInClauseOrder(t *testing.T) {
	q := &Query{Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0}},
		TupleScan{Source: Source{Upstream: 1}},
	}}

	got := collect(q, joinFixture(), nil)
	require.Len(t, got, 4)
	assert.True(t, slices.IsSortedFunc(got, ir.CompareTuples))
}

func TestConstraintAgainstConstantAndSelf(t *testing.T) {
	src := index.FromTuples(tup(1, 1), tup(1, 2), tup(3, 3), tup(5, 4))
	q := &Query{Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0, Constraints: []Constraint{
			// col0 = col1 of the same tuple
			{Column: 0, Op: expr.OpEQ, Ref: expr.Variable{Clause: 0, Column: 1}},
			{Column: 0, Op: expr.OpGT, Ref: expr.Constant{Value: ir.Float(2)}},
		}}},
	}}

	got := collect(q, []*index.Index{src}, nil)
	assert.Equal(t, []ir.Tuple{row(tup(3, 3))}, got)
}

func TestRelationScanBindsWholeSource(t *testing.T) {
	people := index.FromTuples(
		ir.Tuple{ir.String("ann"), ir.Float(30)},
		ir.Tuple{ir.String("bob"), ir.Float(40)},
		ir.Tuple{ir.String("cy"), ir.Float(20)},
	)
	q := &Query{Clauses: []Clause{
		RelationScan{Source: Source{Upstream: 0, Constraints: []Constraint{
			{Column: 1, Op: expr.OpGE, Ref: expr.Constant{Value: ir.Float(30)}},
		}}},
		Expression{Expr: expr.Call{Fn: "sum", Args: []expr.Expr{expr.Variable{Clause: 0, Column: 1}}}},
	}}

	got := collect(q, []*index.Index{people}, nil)
	require.Len(t, got, 1)

	rel, ok := got[0][0].(ir.Relation)
	require.True(t, ok)
	assert.Len(t, rel, 2)
	assert.Equal(t, ir.Float(70), got[0][1])
}

func TestRelationScanOfEmptySourceStillBinds(t *testing.T) {
	q := &Query{Clauses: []Clause{
		RelationScan{Source: Source{Upstream: 0}},
		Expression{Expr: expr.Call{Fn: "count", Args: []expr.Expr{expr.Variable{Clause: 0, Column: expr.Whole}}}},
	}}

	got := collect(q, []*index.Index{index.New()}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, ir.Float(0), got[0][1])
}

func TestExpressionNoMatchDropsRow(t *testing.T) {
	src := index.FromTuples(tup(1), tup(2))
	q := &Query{Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0}},
		Expression{Expr: expr.Match{
			Input:    expr.Variable{Clause: 0, Column: 0},
			Patterns: []expr.Pattern{expr.ConstantPattern{Value: ir.Float(2)}},
			Handlers: []expr.Expr{expr.Constant{Value: ir.String("two")}},
		}},
	}}

	var diags expr.Diagnostics
	got := collect(q, []*index.Index{src}, &diags)

	assert.Equal(t, []ir.Tuple{row(tup(2), ir.String("two"))}, got)
	assert.Equal(t, 0, diags.Len(), "no match is not an error")
}

func TestTypeErrorsAreCollectedPerRow(t *testing.T) {
	src := index.FromTuples(
		ir.Tuple{ir.Float(1)},
		ir.Tuple{ir.String("x")},
		ir.Tuple{ir.Float(5)},
	)
	q := &Query{Name: "typed", Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0, Constraints: []Constraint{
			{Column: 0, Op: expr.OpLT, Ref: expr.Constant{Value: ir.Float(3)}},
		}}},
	}}

	var diags expr.Diagnostics
	got := collect(q, []*index.Index{src}, &diags)

	assert.Equal(t, []ir.Tuple{row(tup(1))}, got)
	require.Equal(t, 1, diags.Len())
	d := diags.Items()[0]
	assert.Equal(t, "view typed clause 0", d.Location)
	assert.True(t, expr.IsTypeError(d.Err))
}

func TestExpressionErrorsAreCollected(t *testing.T) {
	src := index.FromTuples(tup(0), tup(2))
	q := &Query{Name: "div", Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0}},
		Expression{Expr: expr.Call{Fn: "/", Args: []expr.Expr{
			expr.Constant{Value: ir.Float(1)},
			expr.Variable{Clause: 0, Column: 0},
		}}},
	}}

	var diags expr.Diagnostics
	got := collect(q, []*index.Index{src}, &diags)

	assert.Equal(t, []ir.Tuple{row(tup(2), ir.Float(0.5))}, got)
	assert.Equal(t, 1, diags.Len())
	assert.ErrorIs(t, diags.Items()[0].Err, expr.ErrDomain)
}

func TestZeroClausesYieldNothing(t *testing.T) {
	q := &Query{}
	rows := q.Rows(nil, nil)
	assert.False(t, rows.Next())
	assert.False(t, rows.Next())
}

func TestRowsAreRestartableAndAbandonable(t *testing.T) {
	q := &Query{Clauses: []Clause{
		TupleScan{Source: Source{Upstream: 0}},
		TupleScan{Source: Source{Upstream: 1}},
	}}
	upstream := joinFixture()

	for range q.All(upstream, nil) {
		break
	}

	first := collect(q, upstream, nil)
	second := collect(q, upstream, nil)
	assert.Equal(t, first, second)

	rows := q.Rows(upstream, nil)
	require.True(t, rows.Next())
	r := rows.Row()
	require.True(t, rows.Next())
	assert.NotEqual(t, r, rows.Row(), "rows returned earlier are not overwritten")
}

func TestSourceOutOfRangePanics(t *testing.T) {
	q := &Query{Clauses: []Clause{TupleScan{Source: Source{Upstream: 3}}}}
	assert.Panics(t, func() {
		q.Rows(nil, nil).Next()
	})
}

func TestQueryEval(t *testing.T) {
	q := &Query{Clauses: []Clause{TupleScan{Source: Source{Upstream: 0}}}}
	out := q.Eval([]*index.Index{index.FromTuples(tup(1), tup(1), tup(2))}, nil)
	assert.Equal(t, []ir.Tuple{row(tup(1)), row(tup(2))}, out.Tuples())
	assert.Equal(t, 1, out.Count(row(tup(1))))
}

func TestClauseStrings(t *testing.T) {
	c := TupleScan{Source: Source{Upstream: 1, Constraints: []Constraint{
		{Column: 0, Op: expr.OpLT, Ref: expr.Variable{Clause: 0, Column: 0}},
	}}}
	assert.Equal(t, "scan #1 where _.0 < $0.0", c.String())
	assert.Equal(t, KindQuery, (&Query{}).Kind())
	assert.Equal(t, KindUnion, (&Union{}).Kind())
}

package compiler

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/index"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/query"
)

var quiet = flow.WithLogger(slog.New(slog.DiscardHandler))

func tup(vals ...any) ir.Tuple {
	t, err := ir.TupleFromGo(vals)
	if err != nil {
		panic(err)
	}
	return t
}

func table(id string, fields ...string) ViewSpec {
	return ViewSpec{ID: id, Kind: KindTable, Fields: fields}
}

func col(source, field string) Side {
	return Side{Source: source, Field: field}
}

// declare returns a quiesced bootstrap flow whose schema relations declare
// views. Nothing is compiled.
func declare(t *testing.T, views ...ViewSpec) *flow.Flow {
	t.Helper()
	f := Bootstrap(quiet)
	p := &Program{Views: views}
	require.NoError(t, f.Change(p.Changes()))
	f.Run()
	return f
}

func insert(view string, rows ...ir.Tuple) ir.ViewChanges {
	return ir.ViewChanges{View: view, Changes: ir.Changes{Inserted: rows}}
}

func output(t *testing.T, f *flow.Flow, id string) []ir.Tuple {
	t.Helper()
	out, err := f.Output(id)
	require.NoError(t, err)
	return out.Tuples()
}

func TestBootstrapDescribesItself(t *testing.T) {
	f := Bootstrap(quiet)

	assert.Equal(t, len(bootstrap), f.Len())
	views := output(t, f, RelView)
	require.Len(t, views, len(bootstrap))
	for _, v := range views {
		assert.Equal(t, ir.String(KindTable), v[2])
		assert.Equal(t, v[0], v[1], "each relation is its own schema")
	}
	assert.Contains(t, output(t, f, RelField), tup("constraint", 3, "left"))
	assert.Empty(t, output(t, f, RelSchedule), "schedule is written by the compiler")
}

func TestCompileBootstrapIsStable(t *testing.T) {
	f, err := CompileAndRun(Bootstrap(quiet))
	require.NoError(t, err)

	assert.Equal(t, len(bootstrap), f.Len())
	assert.Len(t, output(t, f, RelSchedule), len(bootstrap))
	assert.Empty(t, output(t, f, RelUpstream))
	assert.False(t, SchemaChanged(SchemaSnapshot(f), f))

	again, err := CompileAndRun(f)
	require.NoError(t, err)
	assert.Empty(t, again.ChangesSince(f), "recompiling an unchanged schema changes nothing")
}

func TestCompilerMetacircularity(t *testing.T) {
	f := declare(t,
		table("a", "x", "y", "z"),
		table("b", "x", "y", "z"),
		ViewSpec{
			ID:   "ab",
			Kind: KindQuery,
			Sources: []SourceSpec{
				{ID: "a", View: "a", Scan: ScanTuple},
				{ID: "b", View: "b", Scan: ScanTuple},
			},
			Constraints: []ConstraintSpec{{Left: col("b", "x"), Op: "<", Right: col("a", "x")}},
		},
	)
	f, err := CompileAndRun(f)
	require.NoError(t, err)

	a := []ir.Tuple{tup(0, 1, 2), tup(4, 5, 6)}
	b := []ir.Tuple{tup(0, -1, -2), tup(-4, -5, -6)}
	require.NoError(t, f.Quiesce([]ir.ViewChanges{insert("a", a...), insert("b", b...)}))

	hand := &query.Query{Clauses: []query.Clause{
		query.TupleScan{Source: query.Source{Upstream: 0}},
		query.TupleScan{Source: query.Source{Upstream: 1, Constraints: []query.Constraint{
			{Column: 0, Op: expr.OpLT, Ref: expr.Variable{Clause: 0, Column: 0}},
		}}},
	}}
	want := hand.Eval([]*index.Index{index.FromTuples(a...), index.FromTuples(b...)}, nil)

	got, err := f.Output("ab")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))
	assert.Equal(t, []ir.Tuple{
		{tup(0, 1, 2), tup(-4, -5, -6)},
		{tup(4, 5, 6), tup(-4, -5, -6)},
		{tup(4, 5, 6), tup(0, -1, -2)},
	}, got.Tuples())
}

func closureProgram(t *testing.T) *flow.Flow {
	t.Helper()
	p, err := ParseProgram("closure.cue", closureSource)
	require.NoError(t, err)
	f, err := p.Apply(Bootstrap(quiet))
	require.NoError(t, err)
	return f
}

func closurePairs(nodes ...string) []ir.Tuple {
	var out []ir.Tuple
	for _, from := range nodes {
		for _, to := range []string{"b", "c", "d"} {
			out = append(out, tup(from, to))
		}
	}
	return out
}

func TestTransitiveClosureThroughSchema(t *testing.T) {
	f := closureProgram(t)

	assert.Equal(t, closurePairs("a", "b", "c", "d"), output(t, f, "path"))
	assert.ElementsMatch(t, []ir.Tuple{
		tup("extend", 0, "path"),
		tup("extend", 1, "edge"),
		tup("path", 0, "edge"),
		tup("path", 1, "extend"),
	}, output(t, f, RelUpstream))
}

func TestRecompileKeepsState(t *testing.T) {
	f := closureProgram(t)

	require.NoError(t, f.Change((&Program{Views: []ViewSpec{table("extra", "v")}}).Changes()))
	f, err := CompileAndRun(f)
	require.NoError(t, err)

	assert.Equal(t, closurePairs("a", "b", "c", "d"), output(t, f, "path"))
	in, err := f.Input("edge")
	require.NoError(t, err)
	assert.Equal(t, 4, in.Len())
	assert.Empty(t, output(t, f, "extra"))

	require.NoError(t, f.Quiesce([]ir.ViewChanges{insert("edge", tup("d", "e"))}))
	assert.Len(t, output(t, f, "path"), 16)
}

func TestScheduleIsTopological(t *testing.T) {
	f := closureProgram(t)

	order, err := Schedule(f)
	require.NoError(t, err)
	pos := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		t.Fatalf("%s not scheduled", id)
		return -1
	}
	assert.Less(t, pos("edge"), pos("extend"))
	assert.Equal(t, pos("extend")+1, pos("path"), "a cycle is scheduled as one block")
	assert.Equal(t, pos("path"), f.Position("path"))
	assert.Contains(t, output(t, f, RelSchedule), tup("path", pos("path")))
}

func TestAnalyzeWarnsOnQueryCycles(t *testing.T) {
	f := closureProgram(t)

	warnings, err := Analyze(f)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"extend", "path", "extend"}, warnings[0].Path)
	assert.Equal(t, []string{"extend"}, warnings[0].Queries)
	assert.Equal(t, "warning", warnings[0].Level)
}

func TestUnionOnlyCycleIsNotWarned(t *testing.T) {
	f := declare(t, ViewSpec{
		ID:     "loop",
		Kind:   KindUnion,
		Fields: []string{"x"},
		Mappings: []MappingSpec{{Source: "loop", Fields: []FieldMappingSpec{
			{Sink: "x", Source: ir.String("x")},
		}}},
	})

	warnings, err := Analyze(f)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestConstraintCanonicalization(t *testing.T) {
	f := declare(t,
		table("t", "x"),
		ViewSpec{
			ID:   "q",
			Kind: KindQuery,
			Sources: []SourceSpec{
				{ID: "s0", View: "t", Scan: ScanTuple},
				{ID: "s1", View: "t", Scan: ScanTuple},
			},
			Constraints: []ConstraintSpec{
				{Left: Side{Value: ir.Float(2)}, Op: "<", Right: col("s0", "x")},
				{Left: col("s0", "x"), Op: "<=", Right: col("s1", "x")},
				{Left: col("s1", "x"), Op: "!=", Right: col("s1", "x")},
			},
		},
	)
	compiled, err := Compile(f)
	require.NoError(t, err)

	n, ok := compiled.Node("q")
	require.True(t, ok)
	q := n.View.(*query.Query)
	require.Len(t, q.Clauses, 2)
	assert.Equal(t, []query.Constraint{
		{Column: 0, Op: expr.OpGT, Ref: expr.Constant{Value: ir.Float(2)}},
	}, q.Clauses[0].(query.TupleScan).Source.Constraints)
	assert.Equal(t, []query.Constraint{
		{Column: 0, Op: expr.OpGE, Ref: expr.Variable{Clause: 0, Column: 0}},
		{Column: 0, Op: expr.OpNE, Ref: expr.Variable{Clause: 1, Column: 0}},
	}, q.Clauses[1].(query.TupleScan).Source.Constraints)
}

func TestConstantOnlyConstraintIsRejected(t *testing.T) {
	f := declare(t,
		table("t", "x"),
		ViewSpec{
			ID:          "q",
			Kind:        KindQuery,
			Sources:     []SourceSpec{{ID: "t", View: "t", Scan: ScanTuple}},
			Constraints: []ConstraintSpec{{Left: Side{Value: ir.Float(1)}, Op: "=", Right: Side{Value: ir.Float(1)}}},
		},
	)

	_, err := Compile(f)
	var ce *CompileError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, RelConstraint, ce.Field)
	assert.Contains(t, ce.Error(), "two constants")
}

func TestSchemaLookupFailures(t *testing.T) {
	tests := []struct {
		name string
		view ViewSpec
	}{
		{"unknown source view", ViewSpec{ID: "q", Kind: KindQuery,
			Sources: []SourceSpec{{ID: "s", View: "nope", Scan: ScanTuple}}}},
		{"unknown constraint source", ViewSpec{ID: "q", Kind: KindQuery,
			Sources:     []SourceSpec{{ID: "s", View: "t", Scan: ScanTuple}},
			Constraints: []ConstraintSpec{{Left: col("zz", "x"), Op: "=", Right: Side{Value: ir.Float(1)}}}}},
		{"unknown constraint field", ViewSpec{ID: "q", Kind: KindQuery,
			Sources:     []SourceSpec{{ID: "s", View: "t", Scan: ScanTuple}},
			Constraints: []ConstraintSpec{{Left: col("s", "nope"), Op: "=", Right: Side{Value: ir.Float(1)}}}}},
		{"unknown mapping view", ViewSpec{ID: "u", Kind: KindUnion, Fields: []string{"x"},
			Mappings: []MappingSpec{{Source: "nope"}}}},
		{"unknown sink field", ViewSpec{ID: "u", Kind: KindUnion, Fields: []string{"x"},
			Mappings: []MappingSpec{{Source: "t", Fields: []FieldMappingSpec{
				{Sink: "x", Source: ir.String("x")},
				{Sink: "y", Source: ir.String("x")},
			}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := declare(t, table("t", "x"), tt.view)
			_, err := Compile(f)
			assert.ErrorIs(t, err, ErrSchemaLookup)
		})
	}
}

func TestMissingFieldMapping(t *testing.T) {
	views := []ViewSpec{
		table("t", "x", "y"),
		{
			ID:     "u",
			Kind:   KindUnion,
			Fields: []string{"x", "y"},
			Mappings: []MappingSpec{
				{Source: "t", Fields: []FieldMappingSpec{{Sink: "x", Source: ir.String("x")}}},
				{Source: "t", Fields: []FieldMappingSpec{
					{Sink: "x", Source: ir.String("y")},
					{Sink: "y", Source: ir.String("x")},
				}},
			},
		},
	}

	t.Run("rejected by default", func(t *testing.T) {
		_, err := Compile(declare(t, views...))
		assert.ErrorIs(t, err, ErrMissingFieldMapping)
	})

	t.Run("lenient compiles a broken mapping", func(t *testing.T) {
		f, err := CompileAndRun(declare(t, views...), WithLenientMappings())
		require.NoError(t, err)

		n, ok := f.Node("u")
		require.True(t, ok)
		u := n.View.(*query.Union)
		assert.True(t, u.Mappings[0].Broken())
		assert.False(t, u.Mappings[1].Broken())

		require.NoError(t, f.Quiesce([]ir.ViewChanges{insert("t", tup(1, 2))}))
		assert.Equal(t, []ir.Tuple{tup(2, 1)}, output(t, f, "u"))
	})
}

func TestRelationScanThroughSchema(t *testing.T) {
	f := declare(t,
		table("nums", "n"),
		ViewSpec{
			ID:      "all",
			Kind:    KindQuery,
			Sources: []SourceSpec{{ID: "ns", View: "nums", Scan: ScanRelation}},
			Constraints: []ConstraintSpec{
				{Left: col("ns", "n"), Op: ">", Right: Side{Value: ir.Float(1)}},
			},
		},
	)
	f, err := CompileAndRun(f)
	require.NoError(t, err)
	require.NoError(t, f.Quiesce([]ir.ViewChanges{insert("nums", tup(1), tup(2), tup(3))}))

	rows := output(t, f, "all")
	require.Len(t, rows, 1)
	assert.True(t, ir.Equal(ir.NewRelation([]ir.Tuple{tup(2), tup(3)}), rows[0][0]))
}

func TestSchemaEditRecompilesQuery(t *testing.T) {
	f := declare(t,
		table("t", "x"),
		ViewSpec{ID: "q", Kind: KindQuery, Sources: []SourceSpec{{ID: "s", View: "t", Scan: ScanTuple}}},
	)
	f, err := CompileAndRun(f)
	require.NoError(t, err)
	require.NoError(t, f.Quiesce([]ir.ViewChanges{insert("t", tup(1), tup(5))}))
	require.Len(t, output(t, f, "q"), 2)

	snap := SchemaSnapshot(f)
	require.NoError(t, f.Quiesce([]ir.ViewChanges{insert(RelConstraint,
		ir.Tuple{ir.String("q/0"), ir.String("q"), ir.String(">"), ColumnSide("s", "x"), ConstantSide(ir.Float(2))})}))
	assert.True(t, SchemaChanged(snap, f))

	f, err = CompileAndRun(f)
	require.NoError(t, err)
	assert.Equal(t, []ir.Tuple{{tup(5)}}, output(t, f, "q"))
}

func TestCompileAndRunMaxRounds(t *testing.T) {
	f := declare(t, table("t", "x"))

	_, err := CompileAndRun(f, WithMaxRounds(1))
	require.NoError(t, err, "a settled schema needs one compile")
}

func TestSplitSchema(t *testing.T) {
	schema, rest := SplitSchema([]ir.ViewChanges{
		insert("edge"), insert(RelView), insert(RelSchedule), insert(RelField),
	})

	assert.Equal(t, []ir.ViewChanges{insert(RelView), insert(RelField)}, schema)
	assert.Equal(t, []ir.ViewChanges{insert("edge"), insert(RelSchedule)}, rest)
	assert.True(t, IsBootstrap(RelSchedule))
	assert.False(t, IsSchemaRelation(RelSchedule))
}

func pricedItems() ViewSpec {
	return table("item", "name", "price")
}

func TestExpressionSourceThroughSchema(t *testing.T) {
	f := declare(t,
		pricedItems(),
		ViewSpec{
			ID:   "total",
			Kind: KindQuery,
			Sources: []SourceSpec{
				{ID: "items", View: "item", Scan: ScanRelation},
				{ID: "sum", Scan: ScanExpression, Expr: CallExpr("sum", ColumnSide("items", "price"))},
			},
		},
	)
	f, err := CompileAndRun(f)
	require.NoError(t, err)

	n, ok := f.Node("total")
	require.True(t, ok)
	q := n.View.(*query.Query)
	require.Len(t, q.Clauses, 2)
	assert.IsType(t, query.Expression{}, q.Clauses[1])
	assert.Len(t, n.Upstream, 1, "expression sources read no view")

	require.NoError(t, f.Quiesce([]ir.ViewChanges{insert("item", tup("pen", 2), tup("book", 10), tup("ink", 6))}))
	rows := output(t, f, "total")
	require.Len(t, rows, 1)
	assert.Equal(t, ir.Float(18), rows[0][1])
}

func TestConstraintAgainstExpressionSource(t *testing.T) {
	f := declare(t,
		pricedItems(),
		ViewSpec{
			ID:   "above",
			Kind: KindQuery,
			Sources: []SourceSpec{
				{ID: "items", View: "item", Scan: ScanRelation},
				{ID: "avg", Scan: ScanExpression, Expr: CallExpr("mean", ColumnSide("items", "price"))},
				{ID: "i", View: "item", Scan: ScanTuple},
			},
			Constraints: []ConstraintSpec{{Left: col("i", "price"), Op: ">", Right: Side{Source: "avg"}}},
		},
	)
	f, err := CompileAndRun(f)
	require.NoError(t, err)
	require.NoError(t, f.Quiesce([]ir.ViewChanges{insert("item", tup("pen", 2), tup("book", 10), tup("ink", 6))}))

	rows := output(t, f, "above")
	require.Len(t, rows, 1)
	assert.Equal(t, ir.Float(6), rows[0][1])
	assert.Equal(t, tup("book", 10), rows[0][2])
}

func TestExpressionSourceErrors(t *testing.T) {
	items := SourceSpec{ID: "items", View: "item", Scan: ScanRelation}
	tests := []struct {
		name string
		view ViewSpec
	}{
		{
			name: "reads a later source",
			view: ViewSpec{ID: "q", Kind: KindQuery, Sources: []SourceSpec{
				{ID: "n", Scan: ScanExpression, Expr: CallExpr("count", BindingSide("items"))},
				items,
			}},
		},
		{
			name: "unknown function",
			view: ViewSpec{ID: "q", Kind: KindQuery, Sources: []SourceSpec{
				items,
				{ID: "n", Scan: ScanExpression, Expr: CallExpr("nope", BindingSide("items"))},
			}},
		},
		{
			name: "field of an expression",
			view: ViewSpec{ID: "q", Kind: KindQuery, Sources: []SourceSpec{
				items,
				{ID: "n", Scan: ScanExpression, Expr: ConstantSide(ir.Float(1))},
				{ID: "m", Scan: ScanExpression, Expr: ColumnSide("n", "x")},
			}},
		},
		{
			name: "constraint tests an expression",
			view: ViewSpec{
				ID:   "q",
				Kind: KindQuery,
				Sources: []SourceSpec{
					items,
					{ID: "n", Scan: ScanExpression, Expr: ConstantSide(ir.Float(1))},
				},
				Constraints: []ConstraintSpec{{Left: Side{Source: "n"}, Op: "=", Right: Side{Value: ir.Float(1)}}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileAndRun(declare(t, pricedItems(), tt.view))
			require.Error(t, err)
		})
	}
}

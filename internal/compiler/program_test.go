package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/ir"
)

const closureSource = `
view: edge: {
	kind: "table"
	fields: ["from", "to"]
}

view: path: {
	kind: "union"
	fields: ["from", "to"]
	mappings: [
		{source: "edge", fields: {from: "from", to: "to"}},
		{source: "extend", fields: {from: ["p", "from"], to: ["e", "to"]}},
	]
}

view: extend: {
	kind: "query"
	sources: [
		{id: "p", view: "path"},
		{id: "e", view: "edge"},
	]
	constraints: [
		{left: {source: "e", field: "from"}, op: "=", right: {source: "p", field: "to"}},
	]
}

data: edge: [["a", "b"], ["b", "c"], ["c", "d"], ["d", "b"]]
`

func TestParseProgram(t *testing.T) {
	p, err := ParseProgram("closure.cue", closureSource)
	require.NoError(t, err)

	require.Len(t, p.Views, 3)
	byID := make(map[string]ViewSpec)
	for _, v := range p.Views {
		byID[v.ID] = v
	}

	assert.Equal(t, []string{"from", "to"}, byID["edge"].Fields)
	assert.Equal(t, KindTable, byID["edge"].Kind)

	ext := byID["extend"]
	assert.Equal(t, []SourceSpec{
		{ID: "p", View: "path", Scan: ScanTuple},
		{ID: "e", View: "edge", Scan: ScanTuple},
	}, ext.Sources)
	assert.Equal(t, []ConstraintSpec{{Left: col("e", "from"), Op: "=", Right: col("p", "to")}}, ext.Constraints)

	path := byID["path"]
	require.Len(t, path.Mappings, 2)
	assert.Equal(t, "extend", path.Mappings[1].Source)
	assert.Equal(t, []FieldMappingSpec{
		{Sink: "from", Source: tup("p", "from")},
		{Sink: "to", Source: tup("e", "to")},
	}, path.Mappings[1].Fields)

	require.Len(t, p.Data, 1)
	assert.Equal(t, "edge", p.Data[0].View)
	assert.Len(t, p.Data[0].Rows, 4)
	assert.True(t, p.Data[0].Pos.IsValid())
}

func TestProgramChanges(t *testing.T) {
	p := &Program{Views: []ViewSpec{
		table("t", "x"),
		{
			ID:          "q",
			Kind:        KindQuery,
			Sources:     []SourceSpec{{ID: "s", View: "t", Scan: ScanRelation}},
			Constraints: []ConstraintSpec{{Left: col("s", "x"), Op: ">", Right: Side{Value: ir.Float(0)}}},
		},
	}}

	got := make(map[string][]ir.Tuple)
	for _, c := range p.Changes() {
		assert.Empty(t, c.Removed)
		got[c.View] = c.Inserted
	}

	assert.ElementsMatch(t, []ir.Tuple{tup("t"), tup("q")}, got[RelSchema])
	assert.ElementsMatch(t, []ir.Tuple{tup("t", 0, "x"), tup("q", 0, "s")}, got[RelField])
	assert.ElementsMatch(t, []ir.Tuple{tup("t", "t", "table"), tup("q", "q", "query")}, got[RelView])
	assert.Equal(t, []ir.Tuple{tup("q", 0, "s", "t", "relation")}, got[RelSource])
	assert.Equal(t, []ir.Tuple{{
		ir.String("q/0"), ir.String("q"), ir.String(">"),
		ColumnSide("s", "x"), ConstantSide(ir.Float(0)),
	}}, got[RelConstraint])
	assert.NotContains(t, got, RelViewMapping)
}

func TestParseProgramValues(t *testing.T) {
	p, err := ParseProgram("values.cue", `
view: t: {kind: "table", fields: ["v"]}
data: t: [[true], [1.5], ["s"], [[1, 2]], [{relation: [[1], [2]]}]]
`)
	require.NoError(t, err)
	require.Len(t, p.Data, 1)

	rows := p.Data[0].Rows
	require.Len(t, rows, 5)
	assert.Equal(t, ir.Bool(true), rows[0][0])
	assert.Equal(t, ir.Float(1.5), rows[1][0])
	assert.Equal(t, ir.String("s"), rows[2][0])
	assert.Equal(t, tup(1, 2), rows[3][0])
	assert.True(t, ir.Equal(ir.NewRelation([]ir.Tuple{tup(1), tup(2)}), rows[4][0]))
}

func TestParseProgramErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"missing kind", `view: t: {fields: ["x"]}`, "kind"},
		{"missing source view", `view: q: {kind: "query", sources: [{id: "s"}]}`, "view"},
		{"missing side", `view: q: {kind: "query", sources: [{view: "t"}], constraints: [{op: "=", left: {value: 1}}]}`, "right"},
		{"unsupported value", `view: t: {kind: "table", fields: ["x"]}
data: t: [[null]]`, "value"},
		{"row is not a list", `data: t: [1]`, "data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProgram("bad.cue", tt.src)
			var ce *CompileError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestParseProgramSyntaxError(t *testing.T) {
	_, err := ParseProgram("broken.cue", "view: t: {kind: ")
	require.Error(t, err)
}

func TestLoadProgramDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "closure.cue"), []byte(closureSource), 0o644))

	p, err := LoadProgramDir(dir)
	require.NoError(t, err)
	assert.Len(t, p.Views, 3)

	f, err := p.Apply(Bootstrap(quiet))
	require.NoError(t, err)
	assert.Len(t, output(t, f, "path"), 12)
}

func TestLoadProgramDirUnifiesFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"views.cue": `view: item: {kind: "table", fields: ["name"]}`,
		"data.cue":  `data: item: [["pen"], ["ink"]]`,
	}
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}

	p, err := LoadProgram(dir)
	require.NoError(t, err)
	require.Len(t, p.Views, 1)
	assert.Equal(t, "item", p.Views[0].ID)
	require.Len(t, p.Data, 1)
	assert.Len(t, p.Data[0].Rows, 2)
}

func TestLoadProgramDirMissing(t *testing.T) {
	_, err := LoadProgramDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestLoadProgramFileOrDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "closure.cue")
	require.NoError(t, os.WriteFile(file, []byte(closureSource), 0o644))

	fromFile, err := LoadProgram(file)
	require.NoError(t, err)
	fromDir, err := LoadProgram(dir)
	require.NoError(t, err)

	assert.Equal(t, len(fromDir.Views), len(fromFile.Views))
	assert.Equal(t, fromDir.DataChanges(), fromFile.DataChanges())

	_, err = LoadProgram(filepath.Join(dir, "missing.cue"))
	assert.Error(t, err)
}

const aboveAverageSource = `
view: item: {kind: "table", fields: ["name", "price"]}

view: above: {
	kind: "query"
	sources: [
		{id: "items", view: "item", scan: "relation"},
		{id: "avg", expr: {call: "mean", args: [{source: "items", field: "price"}]}},
		{id: "i", view: "item"},
	]
	constraints: [
		{left: {source: "i", field: "price"}, op: ">", right: {source: "avg"}},
	]
}

view: pricey: {
	kind: "union"
	fields: ["name", "avg"]
	mappings: [{source: "above", fields: {name: ["i", "name"], avg: ["avg"]}}]
}

data: item: [["pen", 2], ["book", 10], ["ink", 6]]
`

func TestParseProgramExpressionSources(t *testing.T) {
	p, err := ParseProgram("above.cue", aboveAverageSource)
	require.NoError(t, err)
	require.Len(t, p.Views, 3)

	above := p.Views[1]
	require.Len(t, above.Sources, 3)
	assert.Equal(t, SourceSpec{
		ID:   "avg",
		Scan: ScanExpression,
		Expr: CallExpr("mean", ColumnSide("items", "price")),
	}, above.Sources[1])
	assert.Equal(t, Side{Source: "avg"}, above.Constraints[0].Right)
	assert.Empty(t, ValidateProgram(p))

	f, err := p.Apply(Bootstrap(quiet))
	require.NoError(t, err)
	assert.Equal(t, []ir.Tuple{tup("book", 6)}, output(t, f, "pricey"))
}

package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/ir"
)

// Bootstrap relation ids.
const (
	RelSchema       = "schema"
	RelField        = "field"
	RelView         = "view"
	RelSource       = "source"
	RelExpression   = "expression"
	RelConstraint   = "constraint"
	RelViewMapping  = "view-mapping"
	RelFieldMapping = "field-mapping"
	RelSchedule     = "schedule"
	RelUpstream     = "upstream"
)

// View kinds stored in the view relation.
const (
	KindQuery = "query"
	KindUnion = "union"
	KindTable = "table"
)

// Scan modes stored in the source relation. ScanExpression marks a query
// clause declared in the expression relation instead.
const (
	ScanTuple      = "tuple"
	ScanRelation   = "relation"
	ScanExpression = "expression"
)

// Side and expression tags. A constraint side is ("column", source, field),
// ("column", source) for the whole binding, or ("constant", value). An
// expression is a side or ("call", fn, arg...) with expression arguments.
const (
	SideColumn   = "column"
	SideConstant = "constant"
	ExprCall     = "call"
)

type relation struct {
	id     string
	fields []string
}

// bootstrap lists every built-in relation in declaration order.
var bootstrap = []relation{
	{RelSchema, []string{"schema"}},
	{RelField, []string{"schema", "ix", "field"}},
	{RelView, []string{"view", "schema", "kind"}},
	{RelSource, []string{"view", "ix", "source", "source-view", "scan"}},
	{RelExpression, []string{"view", "ix", "source", "expr"}},
	{RelConstraint, []string{"constraint", "view", "op", "left", "right"}},
	{RelViewMapping, []string{"view-mapping", "view", "ix", "source-view"}},
	{RelFieldMapping, []string{"view-mapping", "source-field", "sink-field"}},
	{RelSchedule, []string{"view", "ix"}},
	{RelUpstream, []string{"view", "ix", "upstream-view"}},
}

// schemaRelations are the bootstrap relations a user edits. schedule and
// upstream are written by the compiler and do not trigger recompilation.
var schemaRelations = []string{
	RelSchema, RelField, RelView, RelSource, RelExpression,
	RelConstraint, RelViewMapping, RelFieldMapping,
}

// IsBootstrap reports whether id names a built-in relation.
func IsBootstrap(id string) bool {
	return slices.ContainsFunc(bootstrap, func(r relation) bool { return r.id == id })
}

// IsSchemaRelation reports whether changes to id can alter the compiled
// view graph.
func IsSchemaRelation(id string) bool {
	return slices.Contains(schemaRelations, id)
}

// BootstrapFields returns the declared fields of a built-in relation.
func BootstrapFields(id string) ([]string, bool) {
	for _, r := range bootstrap {
		if r.id == id {
			return slices.Clone(r.fields), true
		}
	}
	return nil, false
}

// Bootstrap returns a quiesced flow holding only the built-in relations,
// each described by rows in schema, field and view.
func Bootstrap(opts ...flow.Option) *flow.Flow {
	f := flow.New(opts...)
	for _, r := range bootstrap {
		f.EnsureUnionExists(r.id, r.fields)
	}
	if err := f.Change(describe(bootstrap)); err != nil {
		panic(fmt.Sprintf("compiler: bootstrap description: %v", err))
	}
	f.Run()
	return f
}

// describe returns the schema, field and view rows declaring rels as
// tables.
func describe(rels []relation) []ir.ViewChanges {
	var schemas, fields, views []ir.Tuple
	for _, r := range rels {
		id := ir.NewString(r.id)
		schemas = append(schemas, ir.Tuple{id})
		for i, name := range r.fields {
			fields = append(fields, ir.Tuple{id, ir.Float(i), ir.NewString(name)})
		}
		views = append(views, ir.Tuple{id, id, ir.String(KindTable)})
	}
	return []ir.ViewChanges{
		{View: RelSchema, Changes: ir.Changes{Inserted: schemas}},
		{View: RelField, Changes: ir.Changes{Inserted: fields}},
		{View: RelView, Changes: ir.Changes{Inserted: views}},
	}
}

// SplitSchema separates batches that edit schema relations from the rest,
// preserving order within each group.
func SplitSchema(batches []ir.ViewChanges) (schema, rest []ir.ViewChanges) {
	for _, b := range batches {
		if IsSchemaRelation(b.View) {
			schema = append(schema, b)
		} else {
			rest = append(rest, b)
		}
	}
	return schema, rest
}

// ColumnSide builds a constraint side reading field of source.
func ColumnSide(source, field string) ir.Tuple {
	return ir.Tuple{ir.String(SideColumn), ir.NewString(source), ir.NewString(field)}
}

// ConstantSide builds a constraint side holding a literal.
func ConstantSide(v ir.Value) ir.Tuple {
	return ir.Tuple{ir.String(SideConstant), v}
}

// BindingSide builds a side reading the whole binding of source.
func BindingSide(source string) ir.Tuple {
	return ir.Tuple{ir.String(SideColumn), ir.NewString(source)}
}

// CallExpr builds an expression applying fn to args.
func CallExpr(fn string, args ...ir.Tuple) ir.Tuple {
	t := ir.Tuple{ir.String(ExprCall), ir.NewString(fn)}
	for _, a := range args {
		t = append(t, a)
	}
	return t
}

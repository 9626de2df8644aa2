package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/ir"
)

// Program is a declarative description of views and their initial data,
// usually loaded from CUE:
//
//	view: edge: {kind: "table", fields: ["from", "to"]}
//	view: path: {
//		kind: "union"
//		fields: ["from", "to"]
//		mappings: [
//			{source: "edge", fields: {from: "from", to: "to"}},
//			{source: "extend", fields: {from: ["p", "from"], to: ["e", "to"]}},
//		]
//	}
//	view: extend: {
//		kind: "query"
//		sources: [{id: "p", view: "path"}, {id: "e", view: "edge"}]
//		constraints: [{left: {source: "e", field: "from"}, op: "=", right: {source: "p", field: "to"}}]
//	}
//	data: edge: [["a", "b"], ["b", "c"]]
type Program struct {
	Views []ViewSpec
	Data  []DataSpec
}

// ViewSpec declares one view.
type ViewSpec struct {
	ID          string
	Kind        string
	Fields      []string
	Sources     []SourceSpec
	Constraints []ConstraintSpec
	Mappings    []MappingSpec
	Pos         token.Pos
}

// SourceSpec is one clause of a query view. An expression source has Scan
// ScanExpression and Expr set instead of View.
type SourceSpec struct {
	ID   string
	View string
	Scan string
	Expr ir.Tuple
}

// ConstraintSpec compares two sides of a query view.
type ConstraintSpec struct {
	Left  Side
	Op    string
	Right Side
}

// Side is a column of a source, the whole binding of a source when Field
// is empty, or a constant when Value is set.
type Side struct {
	Source string
	Field  string
	Value  ir.Value
}

func (s Side) tuple() ir.Tuple {
	switch {
	case s.Value != nil:
		return ConstantSide(s.Value)
	case s.Field == "":
		return BindingSide(s.Source)
	default:
		return ColumnSide(s.Source, s.Field)
	}
}

// MappingSpec projects one upstream view into a union.
type MappingSpec struct {
	Source string
	Fields []FieldMappingSpec
}

// FieldMappingSpec fills Sink from Source: a field name of a flat view, or
// a (source, field) pair of a query view.
type FieldMappingSpec struct {
	Sink   string
	Source ir.Value
}

// DataSpec holds initial rows for a table.
type DataSpec struct {
	View string
	Rows []ir.Tuple
	Pos  token.Pos
}

// fields returns the declared fields of a view, including the source ids
// that make up a query's row.
func (s ViewSpec) fields() []string {
	if s.Kind != KindQuery {
		return s.Fields
	}
	ids := make([]string, len(s.Sources))
	for i, src := range s.Sources {
		ids[i] = src.ID
	}
	return ids
}

// Changes returns the schema rows declaring every view of p.
func (p *Program) Changes() []ir.ViewChanges {
	rows := make(map[string][]ir.Tuple)
	add := func(rel string, t ir.Tuple) {
		rows[rel] = append(rows[rel], t)
	}

	for _, v := range p.Views {
		id := ir.NewString(v.ID)
		add(RelSchema, ir.Tuple{id})
		for i, name := range v.fields() {
			add(RelField, ir.Tuple{id, ir.Float(i), ir.NewString(name)})
		}
		add(RelView, ir.Tuple{id, id, ir.NewString(v.Kind)})
		for i, s := range v.Sources {
			if s.Scan == ScanExpression {
				add(RelExpression, ir.Tuple{id, ir.Float(i), ir.NewString(s.ID), s.Expr})
				continue
			}
			add(RelSource, ir.Tuple{id, ir.Float(i), ir.NewString(s.ID), ir.NewString(s.View), ir.NewString(s.Scan)})
		}
		for i, c := range v.Constraints {
			cid := ir.NewString(fmt.Sprintf("%s/%d", v.ID, i))
			add(RelConstraint, ir.Tuple{cid, id, ir.NewString(c.Op), c.Left.tuple(), c.Right.tuple()})
		}
		for i, m := range v.Mappings {
			vm := ir.NewString(fmt.Sprintf("%s/%d", v.ID, i))
			add(RelViewMapping, ir.Tuple{vm, id, ir.Float(i), ir.NewString(m.Source)})
			for _, fm := range m.Fields {
				add(RelFieldMapping, ir.Tuple{vm, fm.Source, ir.NewString(fm.Sink)})
			}
		}
	}

	var out []ir.ViewChanges
	for _, rel := range schemaRelations {
		if len(rows[rel]) > 0 {
			out = append(out, ir.ViewChanges{View: rel, Changes: ir.Changes{Inserted: rows[rel]}})
		}
	}
	return out
}

// DataChanges returns the initial rows of p as insertions.
func (p *Program) DataChanges() []ir.ViewChanges {
	var out []ir.ViewChanges
	for _, d := range p.Data {
		out = append(out, ir.ViewChanges{View: d.View, Changes: ir.Changes{Inserted: d.Rows}})
	}
	return out
}

// Apply declares p's views in f, compiles, and loads p's data. It returns
// the quiesced flow.
func (p *Program) Apply(f *flow.Flow, opts ...Option) (*flow.Flow, error) {
	if err := f.Change(p.Changes()); err != nil {
		return nil, fmt.Errorf("declaring views: %w", err)
	}
	next, err := CompileAndRun(f, opts...)
	if err != nil {
		return nil, err
	}
	if err := next.Quiesce(p.DataChanges()); err != nil {
		return nil, fmt.Errorf("loading data: %w", err)
	}
	return next, nil
}

// ParseProgram compiles CUE source text into a Program.
func ParseProgram(filename, src string) (*Program, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return CompileProgram(v)
}

// LoadProgram loads a single CUE file, or every CUE file of the package
// when path is a directory.
func LoadProgram(path string) (*Program, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	if info.IsDir() {
		return LoadProgramDir(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return ParseProgram(path, string(src))
}

// LoadProgramDir loads every CUE file in dir that has no package clause
// and unifies them into one program.
func LoadProgramDir(dir string) (*Program, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("program directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir, Package: "_"})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", formatCUEError(inst.Err))
	}

	ctx := cuecontext.New()
	return CompileProgram(ctx.BuildInstance(inst))
}

// CompileProgram parses the view and data structs of a CUE value.
func CompileProgram(v cue.Value) (*Program, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	p := &Program{}
	if views := v.LookupPath(cue.ParsePath("view")); views.Exists() {
		iter, err := views.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			spec, err := parseView(iter.Selector().Unquoted(), iter.Value())
			if err != nil {
				return nil, err
			}
			p.Views = append(p.Views, spec)
		}
	}

	if data := v.LookupPath(cue.ParsePath("data")); data.Exists() {
		iter, err := data.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			rows, err := parseRows(iter.Value())
			if err != nil {
				return nil, err
			}
			p.Data = append(p.Data, DataSpec{View: iter.Selector().Unquoted(), Rows: rows, Pos: iter.Value().Pos()})
		}
	}
	return p, nil
}

func parseView(id string, v cue.Value) (ViewSpec, error) {
	spec := ViewSpec{ID: id, Pos: v.Pos()}

	kind, err := requiredString(v, "kind")
	if err != nil {
		return spec, err
	}
	spec.Kind = kind

	if fv := v.LookupPath(cue.ParsePath("fields")); fv.Exists() {
		if err := eachElem(fv, func(e cue.Value) error {
			s, err := e.String()
			if err != nil {
				return formatCUEError(err)
			}
			spec.Fields = append(spec.Fields, s)
			return nil
		}); err != nil {
			return spec, err
		}
	}

	if sv := v.LookupPath(cue.ParsePath("sources")); sv.Exists() {
		if err := eachElem(sv, func(e cue.Value) error {
			src, err := parseSource(e)
			spec.Sources = append(spec.Sources, src)
			return err
		}); err != nil {
			return spec, err
		}
	}

	if cv := v.LookupPath(cue.ParsePath("constraints")); cv.Exists() {
		if err := eachElem(cv, func(e cue.Value) error {
			c, err := parseConstraint(e)
			spec.Constraints = append(spec.Constraints, c)
			return err
		}); err != nil {
			return spec, err
		}
	}

	if mv := v.LookupPath(cue.ParsePath("mappings")); mv.Exists() {
		if err := eachElem(mv, func(e cue.Value) error {
			m, err := parseMapping(e)
			spec.Mappings = append(spec.Mappings, m)
			return err
		}); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

func parseSource(v cue.Value) (SourceSpec, error) {
	if ev := v.LookupPath(cue.ParsePath("expr")); ev.Exists() {
		id, err := requiredString(v, "id")
		if err != nil {
			return SourceSpec{}, err
		}
		e, err := parseExpr(ev)
		return SourceSpec{ID: id, Scan: ScanExpression, Expr: e}, err
	}

	view, err := requiredString(v, "view")
	if err != nil {
		return SourceSpec{}, err
	}
	src := SourceSpec{ID: view, View: view, Scan: ScanTuple}
	if id, ok, err := optionalString(v, "id"); err != nil {
		return src, err
	} else if ok {
		src.ID = id
	}
	if scan, ok, err := optionalString(v, "scan"); err != nil {
		return src, err
	} else if ok {
		src.Scan = scan
	}
	return src, nil
}

func parseConstraint(v cue.Value) (ConstraintSpec, error) {
	op, err := requiredString(v, "op")
	if err != nil {
		return ConstraintSpec{}, err
	}
	left, err := parseSide(v, "left")
	if err != nil {
		return ConstraintSpec{}, err
	}
	right, err := parseSide(v, "right")
	if err != nil {
		return ConstraintSpec{}, err
	}
	return ConstraintSpec{Left: left, Op: op, Right: right}, nil
}

func parseSide(v cue.Value, name string) (Side, error) {
	sv := v.LookupPath(cue.ParsePath(name))
	if !sv.Exists() {
		return Side{}, &CompileError{Field: name, Message: name + " is required", Pos: v.Pos()}
	}
	if val := sv.LookupPath(cue.ParsePath("value")); val.Exists() {
		x, err := cueToValue(val)
		return Side{Value: x}, err
	}
	src, err := requiredString(sv, "source")
	if err != nil {
		return Side{}, err
	}
	field, _, err := optionalString(sv, "field")
	if err != nil {
		return Side{}, err
	}
	return Side{Source: src, Field: field}, nil
}

// parseExpr encodes an expression: {value: x}, {source: s, field?: f} or
// {call: fn, args: [...]}.
func parseExpr(v cue.Value) (ir.Tuple, error) {
	if val := v.LookupPath(cue.ParsePath("value")); val.Exists() {
		x, err := cueToValue(val)
		if err != nil {
			return nil, err
		}
		return ConstantSide(x), nil
	}

	fn, isCall, err := optionalString(v, "call")
	if err != nil {
		return nil, err
	}
	if isCall {
		var args []ir.Tuple
		if av := v.LookupPath(cue.ParsePath("args")); av.Exists() {
			if err := eachElem(av, func(e cue.Value) error {
				arg, err := parseExpr(e)
				args = append(args, arg)
				return err
			}); err != nil {
				return nil, err
			}
		}
		return CallExpr(fn, args...), nil
	}

	src, err := requiredString(v, "source")
	if err != nil {
		return nil, err
	}
	field, ok, err := optionalString(v, "field")
	if err != nil {
		return nil, err
	}
	if !ok {
		return BindingSide(src), nil
	}
	return ColumnSide(src, field), nil
}

func parseMapping(v cue.Value) (MappingSpec, error) {
	src, err := requiredString(v, "source")
	if err != nil {
		return MappingSpec{}, err
	}
	m := MappingSpec{Source: src}
	fv := v.LookupPath(cue.ParsePath("fields"))
	if !fv.Exists() {
		return m, nil
	}
	iter, err := fv.Fields()
	if err != nil {
		return m, formatCUEError(err)
	}
	for iter.Next() {
		x, err := cueToValue(iter.Value())
		if err != nil {
			return m, err
		}
		m.Fields = append(m.Fields, FieldMappingSpec{Sink: iter.Selector().Unquoted(), Source: x})
	}
	return m, nil
}

func parseRows(v cue.Value) ([]ir.Tuple, error) {
	var rows []ir.Tuple
	err := eachElem(v, func(e cue.Value) error {
		x, err := cueToValue(e)
		if err != nil {
			return err
		}
		t, ok := x.(ir.Tuple)
		if !ok {
			return &CompileError{Field: "data", Message: "row must be a list", Pos: e.Pos()}
		}
		rows = append(rows, t)
		return nil
	})
	return rows, err
}

// cueToValue converts a concrete CUE value. Lists become tuples and a
// struct {relation: [...]} becomes a relation.
func cueToValue(v cue.Value) (ir.Value, error) {
	switch v.Kind() {
	case cue.BoolKind:
		b, err := v.Bool()
		return ir.Bool(b), formatCUEError(err)
	case cue.StringKind:
		s, err := v.String()
		return ir.NewString(s), formatCUEError(err)
	case cue.IntKind:
		n, err := v.Int64()
		return ir.Float(n), formatCUEError(err)
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.NewFloat(f)
	case cue.ListKind:
		t := ir.Tuple{}
		err := eachElem(v, func(e cue.Value) error {
			x, err := cueToValue(e)
			t = append(t, x)
			return err
		})
		return t, err
	case cue.StructKind:
		if rv := v.LookupPath(cue.ParsePath("relation")); rv.Exists() {
			rows, err := parseRows(rv)
			if err != nil {
				return nil, err
			}
			return ir.NewRelation(rows), nil
		}
	}
	return nil, &CompileError{Field: "value", Message: fmt.Sprintf("unsupported value of kind %s", v.IncompleteKind()), Pos: v.Pos()}
}

func eachElem(v cue.Value, fn func(cue.Value) error) error {
	iter, err := v.List()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(v cue.Value, name string) (string, error) {
	s, ok, err := optionalString(v, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &CompileError{Field: name, Message: name + " is required", Pos: v.Pos()}
	}
	return s, nil
}

func optionalString(v cue.Value, name string) (string, bool, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", false, nil
	}
	s, err := fv.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

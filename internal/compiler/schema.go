package compiler

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/ir"
)

// model is the schema as read from the bootstrap relations.
type model struct {
	views map[string]*viewDecl
	// ids holds every declared view id in sorted order.
	ids []string
}

type viewDecl struct {
	id     string
	schema string
	kind   string
	fields []string

	sources     []sourceDecl
	constraints []constraintDecl
	mappings    []mappingDecl
}

type sourceDecl struct {
	id   string
	ix   int
	view string
	scan string
	// expr is set for expression sources, which read no view.
	expr ir.Tuple
}

type constraintDecl struct {
	id    string
	op    expr.Op
	left  ir.Tuple
	right ir.Tuple
}

type mappingDecl struct {
	id     string
	ix     int
	view   string
	fields []fieldMapping
}

type fieldMapping struct {
	source ir.Value
	sink   string
}

// upstream returns the ids of the views v reads, in clause or mapping
// order.
func (v *viewDecl) upstream() []string {
	var ids []string
	switch v.kind {
	case KindQuery:
		for _, s := range v.sources {
			if s.scan != ScanExpression {
				ids = append(ids, s.view)
			}
		}
	case KindUnion:
		for _, m := range v.mappings {
			ids = append(ids, m.view)
		}
	}
	return ids
}

// outputFields returns the columns of v's output tuples. A query row holds
// one binding per source.
func (v *viewDecl) outputFields() []string {
	if v.kind != KindQuery {
		return v.fields
	}
	ids := make([]string, len(v.sources))
	for i, s := range v.sources {
		ids[i] = s.id
	}
	return ids
}

func (v *viewDecl) source(id string) (int, sourceDecl, bool) {
	for i, s := range v.sources {
		if s.id == id {
			return i, s, true
		}
	}
	return 0, sourceDecl{}, false
}

func (m *model) field(view, name string) (int, error) {
	v, ok := m.views[view]
	if !ok {
		return 0, lookupError("view %q", view)
	}
	i := slices.Index(v.fields, name)
	if i < 0 {
		return 0, lookupError("field %q of view %q", name, view)
	}
	return i, nil
}

// cursor decodes one schema row. The first failure sticks.
type cursor struct {
	rel string
	t   ir.Tuple
	err error
}

func (c *cursor) fail(i int, format string, args ...any) {
	if c.err == nil {
		c.err = &CompileError{
			Field:   c.rel,
			Message: fmt.Sprintf("row %s column %d: %s", ir.Format(c.t), i, fmt.Sprintf(format, args...)),
		}
	}
}

func (c *cursor) value(i int) ir.Value {
	if c.err != nil {
		return nil
	}
	if i >= len(c.t) {
		c.fail(i, "missing")
		return nil
	}
	return c.t[i]
}

func (c *cursor) str(i int) string {
	v := c.value(i)
	if v == nil {
		return ""
	}
	s, ok := v.(ir.String)
	if !ok {
		c.fail(i, "want string, got %s", v.Kind())
	}
	return string(s)
}

func (c *cursor) num(i int) int {
	v := c.value(i)
	if v == nil {
		return 0
	}
	f, ok := v.(ir.Float)
	if !ok || float64(f) != math.Trunc(float64(f)) {
		c.fail(i, "want integer position, got %s", ir.Format(v))
		return 0
	}
	return int(f)
}

func (c *cursor) tuple(i int) ir.Tuple {
	v := c.value(i)
	if v == nil {
		return nil
	}
	t, ok := v.(ir.Tuple)
	if !ok {
		c.fail(i, "want tuple, got %s", v.Kind())
	}
	return t
}

// rows returns the current output of a bootstrap relation, or nothing when
// the flow does not have it.
func rows(f *flow.Flow, rel string) []ir.Tuple {
	out, err := f.Output(rel)
	if err != nil {
		return nil
	}
	return out.Tuples()
}

// readSchema decodes the bootstrap relations of f. Built-in relations that
// are not declared are added as tables.
func readSchema(f *flow.Flow) (*model, error) {
	m := &model{views: make(map[string]*viewDecl)}

	schemas := make(map[string]bool)
	for _, t := range rows(f, RelSchema) {
		c := &cursor{rel: RelSchema, t: t}
		id := c.str(0)
		if c.err != nil {
			return nil, c.err
		}
		schemas[id] = true
	}

	type fieldRow struct {
		ix   int
		name string
	}
	fields := make(map[string][]fieldRow)
	for _, t := range rows(f, RelField) {
		c := &cursor{rel: RelField, t: t}
		schema, ix, name := c.str(0), c.num(1), c.str(2)
		if c.err != nil {
			return nil, c.err
		}
		if !schemas[schema] {
			return nil, lookupError("field %q: schema %q", name, schema)
		}
		fields[schema] = append(fields[schema], fieldRow{ix, name})
	}

	for _, t := range rows(f, RelView) {
		c := &cursor{rel: RelView, t: t}
		id, schema, kind := c.str(0), c.str(1), c.str(2)
		if c.err != nil {
			return nil, c.err
		}
		if _, dup := m.views[id]; dup {
			return nil, &CompileError{Field: RelView, Message: fmt.Sprintf("view %q declared more than once", id)}
		}
		switch kind {
		case KindQuery, KindUnion, KindTable:
		default:
			return nil, &CompileError{Field: RelView, Message: fmt.Sprintf("view %q: unknown kind %q", id, kind)}
		}
		if !schemas[schema] {
			return nil, lookupError("view %q: schema %q", id, schema)
		}
		fs := fields[schema]
		slices.SortFunc(fs, func(a, b fieldRow) int { return cmp.Compare(a.ix, b.ix) })
		v := &viewDecl{id: id, schema: schema, kind: kind}
		for i, fr := range fs {
			if fr.ix != i {
				return nil, &CompileError{Field: RelField, Message: fmt.Sprintf("schema %q: field positions are not 0..%d", schema, len(fs)-1)}
			}
			v.fields = append(v.fields, fr.name)
		}
		m.views[id] = v
	}

	for _, r := range bootstrap {
		if _, ok := m.views[r.id]; !ok {
			m.views[r.id] = &viewDecl{id: r.id, schema: r.id, kind: KindTable, fields: slices.Clone(r.fields)}
		}
	}

	for _, t := range rows(f, RelSource) {
		c := &cursor{rel: RelSource, t: t}
		view, ix, id, src, scan := c.str(0), c.num(1), c.str(2), c.str(3), c.str(4)
		if c.err != nil {
			return nil, c.err
		}
		v, ok := m.views[view]
		if !ok {
			return nil, lookupError("source %q: view %q", id, view)
		}
		if scan != ScanTuple && scan != ScanRelation {
			return nil, &CompileError{Field: RelSource, Message: fmt.Sprintf("source %q: unknown scan %q", id, scan)}
		}
		v.sources = append(v.sources, sourceDecl{id: id, ix: ix, view: src, scan: scan})
	}

	for _, t := range rows(f, RelExpression) {
		c := &cursor{rel: RelExpression, t: t}
		view, ix, id, e := c.str(0), c.num(1), c.str(2), c.tuple(3)
		if c.err != nil {
			return nil, c.err
		}
		v, ok := m.views[view]
		if !ok {
			return nil, lookupError("expression %q: view %q", id, view)
		}
		v.sources = append(v.sources, sourceDecl{id: id, ix: ix, scan: ScanExpression, expr: e})
	}

	for _, t := range rows(f, RelConstraint) {
		c := &cursor{rel: RelConstraint, t: t}
		id, view, opName, left, right := c.str(0), c.str(1), c.str(2), c.tuple(3), c.tuple(4)
		if c.err != nil {
			return nil, c.err
		}
		v, ok := m.views[view]
		if !ok {
			return nil, lookupError("constraint %q: view %q", id, view)
		}
		op, err := expr.ParseOp(opName)
		if err != nil {
			return nil, &CompileError{Field: RelConstraint, Message: fmt.Sprintf("constraint %q: %v", id, err)}
		}
		v.constraints = append(v.constraints, constraintDecl{id: id, op: op, left: left, right: right})
	}

	mappings := make(map[string]*mappingDecl)
	owner := make(map[string]*viewDecl)
	for _, t := range rows(f, RelViewMapping) {
		c := &cursor{rel: RelViewMapping, t: t}
		id, view, ix, src := c.str(0), c.str(1), c.num(2), c.str(3)
		if c.err != nil {
			return nil, c.err
		}
		v, ok := m.views[view]
		if !ok {
			return nil, lookupError("view-mapping %q: view %q", id, view)
		}
		if _, dup := mappings[id]; dup {
			return nil, &CompileError{Field: RelViewMapping, Message: fmt.Sprintf("view-mapping %q declared more than once", id)}
		}
		mappings[id] = &mappingDecl{id: id, ix: ix, view: src}
		owner[id] = v
	}
	for _, t := range rows(f, RelFieldMapping) {
		c := &cursor{rel: RelFieldMapping, t: t}
		id, src, sink := c.str(0), c.value(1), c.str(2)
		if c.err != nil {
			return nil, c.err
		}
		vm, ok := mappings[id]
		if !ok {
			return nil, lookupError("field-mapping for %q", id)
		}
		vm.fields = append(vm.fields, fieldMapping{source: src, sink: sink})
	}
	for id, vm := range mappings {
		owner[id].mappings = append(owner[id].mappings, *vm)
	}

	for _, v := range m.views {
		slices.SortFunc(v.sources, func(a, b sourceDecl) int {
			return cmp.Or(cmp.Compare(a.ix, b.ix), cmp.Compare(a.id, b.id))
		})
		slices.SortFunc(v.constraints, func(a, b constraintDecl) int { return cmp.Compare(a.id, b.id) })
		slices.SortFunc(v.mappings, func(a, b mappingDecl) int {
			return cmp.Or(cmp.Compare(a.ix, b.ix), cmp.Compare(a.id, b.id))
		})
		for _, s := range v.sources {
			if s.scan == ScanExpression {
				continue
			}
			if _, ok := m.views[s.view]; !ok {
				return nil, lookupError("view %q source %q: view %q", v.id, s.id, s.view)
			}
		}
		for _, vm := range v.mappings {
			if _, ok := m.views[vm.view]; !ok {
				return nil, lookupError("view %q mapping %q: view %q", v.id, vm.id, vm.view)
			}
		}
		m.ids = append(m.ids, v.id)
	}
	slices.Sort(m.ids)
	return m, nil
}

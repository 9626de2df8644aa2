// Package compiler turns the bootstrap schema relations of a flow into a
// new flow of compiled views.
//
// The schema is ordinary data: views, fields, sources, constraints and
// union mappings are rows of built-in relations that live in the same flow
// they describe. Editing the program is a change to those relations, and
// CompileAndRun alternates propagation and recompilation until the schema
// stops changing.
package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/index"
	"github.com/roach88/tarn/internal/ir"
	"github.com/roach88/tarn/internal/query"
)

type config struct {
	lenient   bool
	maxRounds int
}

// Option configures compilation.
type Option func(*config)

// WithLenientMappings compiles a union view-mapping that lacks a sink field
// into a broken mapping that contributes nothing, logging a warning instead
// of failing.
func WithLenientMappings() Option {
	return func(c *config) {
		c.lenient = true
	}
}

// WithMaxRounds bounds the number of recompilations CompileAndRun performs
// before giving up with ErrNoFixpoint. Zero means unbounded.
func WithMaxRounds(n int) Option {
	return func(c *config) {
		c.maxRounds = n
	}
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Compile reads the schema relations of f and returns a new flow with one
// node per declared view, in schedule order. Nodes whose id and arity
// survive keep their input and output; every node is marked dirty. The
// derived schedule and upstream relations of the new flow are rewritten.
//
// f is not modified.
func Compile(f *flow.Flow, opts ...Option) (*flow.Flow, error) {
	cfg := newConfig(opts)
	logger := f.Logger()

	m, err := readSchema(f)
	if err != nil {
		return nil, err
	}

	graph := buildDependencyGraph(m)
	sccs := tarjanSCC(graph)
	order := schedule(graph, sccs)
	for _, w := range analyzeCycles(m, graph, sccs) {
		logger.Warn(w.Message, "path", w.Path)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}

	nodes := make([]*flow.Node, len(order))
	for i, id := range order {
		v := m.views[id]
		view, err := compileView(m, v, cfg, logger)
		if err != nil {
			return nil, err
		}
		n := &flow.Node{ID: id, Fields: slices.Clone(v.outputFields()), View: view}
		for _, up := range v.upstream() {
			n.Upstream = append(n.Upstream, pos[up])
		}
		nodes[i] = n
	}

	next, err := flow.Build(nodes, flow.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("building compiled flow: %w", err)
	}
	next.Inherit(f)

	if err := writeDerived(next, m, order); err != nil {
		return nil, err
	}
	next.MarkAllDirty()

	logger.Debug("compiled schema", "views", len(order))
	return next, nil
}

// Analyze reports the cycles through query views in f's schema.
func Analyze(f *flow.Flow) ([]CycleWarning, error) {
	m, err := readSchema(f)
	if err != nil {
		return nil, err
	}
	graph := buildDependencyGraph(m)
	return analyzeCycles(m, graph, tarjanSCC(graph)), nil
}

// Schedule returns the view ids of f's schema in the order Compile places
// them.
func Schedule(f *flow.Flow) ([]string, error) {
	m, err := readSchema(f)
	if err != nil {
		return nil, err
	}
	graph := buildDependencyGraph(m)
	return schedule(graph, tarjanSCC(graph)), nil
}

func compileView(m *model, v *viewDecl, cfg config, logger *slog.Logger) (query.View, error) {
	switch v.kind {
	case KindQuery:
		return compileQuery(m, v)
	case KindUnion:
		return compileUnion(m, v, cfg, logger)
	default:
		return &query.Union{Name: v.id}, nil
	}
}

func compileQuery(m *model, v *viewDecl) (*query.Query, error) {
	constraints := make([][]query.Constraint, len(v.sources))
	for _, c := range v.constraints {
		clause, con, err := canonicalize(m, v, c)
		if err != nil {
			return nil, err
		}
		constraints[clause] = append(constraints[clause], con)
	}

	q := &query.Query{Name: v.id, Clauses: make([]query.Clause, len(v.sources))}
	upstream := 0
	for i, s := range v.sources {
		if s.scan == ScanExpression {
			e, err := compileExpr(m, v, s.expr)
			if err != nil {
				return nil, fmt.Errorf("expression %q of view %q: %w", s.id, v.id, err)
			}
			if expr.MaxClause(e) >= i {
				return nil, &CompileError{
					Field:   RelExpression,
					Message: fmt.Sprintf("expression %q of view %q reads a source bound after it", s.id, v.id),
				}
			}
			q.Clauses[i] = query.Expression{Expr: e}
			continue
		}

		src := query.Source{Upstream: upstream, Constraints: constraints[i]}
		upstream++
		if s.scan == ScanRelation {
			q.Clauses[i] = query.RelationScan{Source: src}
		} else {
			q.Clauses[i] = query.TupleScan{Source: src}
		}
	}
	return q, nil
}

// errMalformedRef marks a column reference of the wrong shape. Callers
// replace it with an error naming the offending row.
var errMalformedRef = errors.New("malformed column reference")

// resolveColumn resolves ("column", source, field) or ("column", source)
// against the sources of v. The short form reads the whole binding, and is
// the only form an expression source accepts.
func resolveColumn(m *model, v *viewDecl, t ir.Tuple) (int, int, error) {
	if len(t) != 2 && len(t) != 3 {
		return 0, 0, errMalformedRef
	}
	srcID, ok := t[1].(ir.String)
	if !ok {
		return 0, 0, errMalformedRef
	}
	clause, src, ok := v.source(string(srcID))
	if !ok {
		return 0, 0, lookupError("source %q of view %q", srcID, v.id)
	}
	if len(t) == 2 {
		return clause, expr.Whole, nil
	}
	field, ok := t[2].(ir.String)
	if !ok {
		return 0, 0, errMalformedRef
	}
	if src.scan == ScanExpression {
		return 0, 0, lookupError("field %q of expression source %q", field, srcID)
	}
	col, err := m.field(src.view, string(field))
	if err != nil {
		return 0, 0, err
	}
	return clause, col, nil
}

// compileExpr decodes an expression tuple of v's expression relation.
func compileExpr(m *model, v *viewDecl, t ir.Tuple) (expr.Expr, error) {
	bad := &CompileError{Field: RelExpression, Message: fmt.Sprintf("malformed expression %s", ir.Format(t))}
	if len(t) == 0 {
		return nil, bad
	}
	tag, _ := t[0].(ir.String)
	switch string(tag) {
	case SideConstant:
		if len(t) != 2 {
			return nil, bad
		}
		return expr.Constant{Value: t[1]}, nil
	case SideColumn:
		clause, col, err := resolveColumn(m, v, t)
		if errors.Is(err, errMalformedRef) {
			return nil, bad
		}
		if err != nil {
			return nil, err
		}
		return expr.Variable{Clause: clause, Column: col}, nil
	case ExprCall:
		if len(t) < 2 {
			return nil, bad
		}
		fn, ok := t[1].(ir.String)
		if !ok {
			return nil, bad
		}
		if !slices.Contains(expr.Names(), string(fn)) {
			return nil, &CompileError{Field: RelExpression, Message: fmt.Sprintf("unknown function %q", fn)}
		}
		call := expr.Call{Fn: string(fn), Args: make([]expr.Expr, 0, len(t)-2)}
		for _, a := range t[2:] {
			arg, ok := a.(ir.Tuple)
			if !ok {
				return nil, bad
			}
			e, err := compileExpr(m, v, arg)
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, e)
		}
		return call, nil
	default:
		return nil, bad
	}
}

// side is one resolved operand of a declared constraint.
type side struct {
	constant ir.Value
	clause   int
	column   int
}

func (s side) ref() expr.Ref {
	if s.constant != nil {
		return expr.Constant{Value: s.constant}
	}
	return expr.Variable{Clause: s.clause, Column: s.column}
}

func resolveSide(m *model, v *viewDecl, c constraintDecl, t ir.Tuple) (side, error) {
	bad := &CompileError{Field: RelConstraint, Message: fmt.Sprintf("constraint %q: malformed side %s", c.id, ir.Format(t))}
	if len(t) == 0 {
		return side{}, bad
	}
	tag, _ := t[0].(ir.String)
	switch string(tag) {
	case SideConstant:
		if len(t) != 2 {
			return side{}, bad
		}
		return side{constant: t[1]}, nil
	case SideColumn:
		clause, col, err := resolveColumn(m, v, t)
		if errors.Is(err, errMalformedRef) {
			return side{}, bad
		}
		if err != nil {
			return side{}, fmt.Errorf("constraint %q: %w", c.id, err)
		}
		return side{clause: clause, column: col}, nil
	default:
		return side{}, bad
	}
}

// canonicalize places a declared comparison on the clause bound last, so it
// only reads bindings that exist when it is tested. A constant side is
// never the tested one.
func canonicalize(m *model, v *viewDecl, c constraintDecl) (int, query.Constraint, error) {
	left, err := resolveSide(m, v, c, c.left)
	if err != nil {
		return 0, query.Constraint{}, err
	}
	right, err := resolveSide(m, v, c, c.right)
	if err != nil {
		return 0, query.Constraint{}, err
	}

	op := c.op
	switch {
	case left.constant != nil && right.constant != nil:
		return 0, query.Constraint{}, &CompileError{
			Field:   RelConstraint,
			Message: fmt.Sprintf("constraint %q compares two constants", c.id),
		}
	case left.constant != nil:
		left, right, op = right, left, op.Flip()
	case right.constant == nil && right.clause > left.clause:
		left, right, op = right, left, op.Flip()
	}
	if v.sources[left.clause].scan == ScanExpression {
		return 0, query.Constraint{}, &CompileError{
			Field:   RelConstraint,
			Message: fmt.Sprintf("constraint %q tests expression source %q; compare it against a source bound later", c.id, v.sources[left.clause].id),
		}
	}
	return left.clause, query.Constraint{Column: left.column, Op: op, Ref: right.ref()}, nil
}

func compileUnion(m *model, v *viewDecl, cfg config, logger *slog.Logger) (*query.Union, error) {
	u := &query.Union{Name: v.id, Mappings: make([]query.Mapping, len(v.mappings))}
	for i, vm := range v.mappings {
		mapping, err := compileMapping(m, v, vm)
		if err != nil {
			if !cfg.lenient || !errors.Is(err, ErrMissingFieldMapping) {
				return nil, err
			}
			logger.Warn("compiling broken mapping", "view", v.id, "view-mapping", vm.id, "error", err)
			mapping = query.Mapping{Arity: -1}
		}
		u.Mappings[i] = mapping
	}
	return u, nil
}

func compileMapping(m *model, v *viewDecl, vm mappingDecl) (query.Mapping, error) {
	src := m.views[vm.view]
	for _, fm := range vm.fields {
		if !slices.Contains(v.fields, fm.sink) {
			return query.Mapping{}, lookupError("view-mapping %q: sink field %q of view %q", vm.id, fm.sink, v.id)
		}
	}

	mapping := query.Mapping{Arity: len(src.outputFields()), Refs: make([]expr.Ref, len(v.fields))}
	for i, sink := range v.fields {
		j := slices.IndexFunc(vm.fields, func(fm fieldMapping) bool { return fm.sink == sink })
		if j < 0 {
			return query.Mapping{}, fmt.Errorf("view-mapping %q of view %q: sink field %q: %w",
				vm.id, v.id, sink, ErrMissingFieldMapping)
		}
		ref, err := sourceRef(m, src, vm, vm.fields[j].source)
		if err != nil {
			return query.Mapping{}, err
		}
		mapping.Refs[i] = ref
	}
	return mapping, nil
}

// sourceRef resolves a mapping's source field: a field name of a flat view,
// or a (source, field) pair of a query view. A (source) singleton maps the
// whole binding of that source.
func sourceRef(m *model, src *viewDecl, vm mappingDecl, field ir.Value) (expr.Ref, error) {
	if src.kind != KindQuery {
		name, ok := field.(ir.String)
		if !ok {
			return nil, &CompileError{Field: RelFieldMapping, Message: fmt.Sprintf("view-mapping %q: source field %s must be a field name", vm.id, ir.Format(field))}
		}
		col, err := m.field(src.id, string(name))
		if err != nil {
			return nil, fmt.Errorf("view-mapping %q: %w", vm.id, err)
		}
		return expr.Variable{Clause: col, Column: expr.Whole}, nil
	}

	bad := &CompileError{Field: RelFieldMapping, Message: fmt.Sprintf("view-mapping %q: source field %s must be (source, field) or (source)", vm.id, ir.Format(field))}
	pair, ok := field.(ir.Tuple)
	if !ok || len(pair) == 0 {
		return nil, bad
	}
	ref := append(ir.Tuple{ir.String(SideColumn)}, pair...)
	clause, col, err := resolveColumn(m, src, ref)
	if errors.Is(err, errMalformedRef) {
		return nil, bad
	}
	if err != nil {
		return nil, fmt.Errorf("view-mapping %q: %w", vm.id, err)
	}
	return expr.Variable{Clause: clause, Column: col}, nil
}

// writeDerived replaces the inputs of schedule and upstream with the rows
// implied by order and m.
func writeDerived(f *flow.Flow, m *model, order []string) error {
	sched := index.New()
	for i, id := range order {
		sched.Insert(ir.Tuple{ir.NewString(id), ir.Float(i)})
	}
	up := index.New()
	for _, id := range order {
		for i, u := range m.views[id].upstream() {
			up.Insert(ir.Tuple{ir.NewString(id), ir.Float(i), ir.NewString(u)})
		}
	}

	var batches []ir.ViewChanges
	for _, d := range []struct {
		rel  string
		want *index.Index
	}{{RelSchedule, sched}, {RelUpstream, up}} {
		have, err := f.Input(d.rel)
		if err != nil {
			return err
		}
		if c := d.want.ChangesSince(have); !c.IsEmpty() {
			batches = append(batches, ir.ViewChanges{View: d.rel, Changes: c})
		}
	}
	return f.Change(batches)
}

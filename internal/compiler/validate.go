package compiler

import (
	"fmt"
	"slices"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// View declarations (E100-E105)
	ErrUnknownKind     = "E100" // kind is not query, union or table
	ErrNoFields        = "E101" // table or union without fields
	ErrDuplicateName   = "E102" // duplicate field or source id
	ErrNoSources       = "E103" // query without sources
	ErrMisplacedClause = "E104" // sources on a non-query, mappings on a non-union
	ErrUnknownView     = "E105" // reference to an undeclared view

	// Query sources and constraints (E110-E114)
	ErrInvalidScan        = "E110" // scan is not tuple or relation
	ErrInvalidOp          = "E111" // unknown comparison operator
	ErrConstantConstraint = "E112" // both sides constant
	ErrUnknownColumn      = "E113" // side names an unknown source or field
	ErrBadExpression      = "E114" // unknown function or a source bound later

	// Union mappings (E120-E122)
	ErrMissingMapping = "E120" // sink field not mapped
	ErrUnknownSink    = "E121" // mapping names a field the union lacks
	ErrBadSourceField = "E122" // source field does not exist in the upstream view

	// Data (E130-E131)
	ErrDataTarget = "E130" // data for an undeclared view or a query
	ErrDataArity  = "E131" // row arity differs from the view's fields
)

// ValidationError represents a program validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidateProgram checks p without compiling it and returns every problem
// found (does not fail fast). Built-in relations may be referenced without
// being declared.
func ValidateProgram(p *Program) []ValidationError {
	var errs []ValidationError

	views := make(map[string]ViewSpec, len(p.Views))
	for _, v := range p.Views {
		views[v.ID] = v
	}
	fieldsOf := func(id string) ([]string, bool) {
		if v, ok := views[id]; ok {
			return v.fields(), true
		}
		return BootstrapFields(id)
	}

	for _, v := range p.Views {
		add := func(code, field, format string, args ...any) {
			errs = append(errs, ValidationError{
				Field:   "view." + v.ID + field,
				Message: fmt.Sprintf(format, args...),
				Code:    code,
				Line:    v.Pos.Line(),
			})
		}

		switch v.Kind {
		case KindTable, KindUnion:
			if len(v.Fields) == 0 {
				add(ErrNoFields, ".fields", "%s view must declare fields", v.Kind)
			}
			if len(v.Sources) > 0 || len(v.Constraints) > 0 {
				add(ErrMisplacedClause, ".sources", "only query views have sources and constraints")
			}
		case KindQuery:
			if len(v.Sources) == 0 {
				add(ErrNoSources, ".sources", "query view must declare at least one source")
			}
			if len(v.Fields) > 0 {
				add(ErrMisplacedClause, ".fields", "query rows are named by their sources")
			}
		default:
			add(ErrUnknownKind, ".kind", "unknown kind %q", v.Kind)
		}
		if v.Kind != KindUnion && len(v.Mappings) > 0 {
			add(ErrMisplacedClause, ".mappings", "only union views have mappings")
		}
		if dup, ok := firstDuplicate(v.Fields); ok {
			add(ErrDuplicateName, ".fields", "field %q declared more than once", dup)
		}
		if dup, ok := firstDuplicate(v.fields()); ok && v.Kind == KindQuery {
			add(ErrDuplicateName, ".sources", "source %q declared more than once", dup)
		}

		sources := make(map[string]SourceSpec, len(v.Sources))
		position := make(map[string]int, len(v.Sources))
		for i, s := range v.Sources {
			sources[s.ID] = s
			position[s.ID] = i
		}
		for i, s := range v.Sources {
			if s.Scan == ScanExpression {
				loc := fmt.Sprintf(".sources[%d].expr", i)
				if s.Expr == nil {
					add(ErrInvalidScan, loc, "expression source needs an expression")
					continue
				}
				for _, msg := range checkExpr(s.Expr, i, sources, position, fieldsOf) {
					add(ErrBadExpression, loc, "%s", msg)
				}
				continue
			}
			if _, ok := fieldsOf(s.View); !ok {
				add(ErrUnknownView, fmt.Sprintf(".sources[%d]", i), "view %q is not declared", s.View)
			}
			if s.Scan != ScanTuple && s.Scan != ScanRelation {
				add(ErrInvalidScan, fmt.Sprintf(".sources[%d]", i), "unknown scan %q", s.Scan)
			}
		}

		for i, c := range v.Constraints {
			loc := fmt.Sprintf(".constraints[%d]", i)
			if _, err := expr.ParseOp(c.Op); err != nil {
				add(ErrInvalidOp, loc, "%v", err)
			}
			if c.Left.Value != nil && c.Right.Value != nil {
				add(ErrConstantConstraint, loc, "at least one side must be a column")
			}
			for _, s := range []Side{c.Left, c.Right} {
				if s.Value != nil {
					continue
				}
				src, ok := sources[s.Source]
				if !ok {
					add(ErrUnknownColumn, loc, "unknown source %q", s.Source)
					continue
				}
				if s.Field == "" {
					continue
				}
				if src.Scan == ScanExpression {
					add(ErrUnknownColumn, loc, "expression source %q has no field %q", s.Source, s.Field)
					continue
				}
				if fs, ok := fieldsOf(src.View); ok && !slices.Contains(fs, s.Field) {
					add(ErrUnknownColumn, loc, "view %q has no field %q", src.View, s.Field)
				}
			}
		}

		for i, m := range v.Mappings {
			loc := fmt.Sprintf(".mappings[%d]", i)
			srcFields, ok := fieldsOf(m.Source)
			if !ok {
				add(ErrUnknownView, loc, "view %q is not declared", m.Source)
			}
			mapped := make([]string, 0, len(m.Fields))
			for _, fm := range m.Fields {
				mapped = append(mapped, fm.Sink)
				if !slices.Contains(v.Fields, fm.Sink) {
					add(ErrUnknownSink, loc, "union has no field %q", fm.Sink)
				}
				if ok && !sourceFieldExists(views, m.Source, srcFields, fm.Source, fieldsOf) {
					add(ErrBadSourceField, loc, "view %q has no source field %s", m.Source, ir.Format(fm.Source))
				}
			}
			for _, sink := range v.Fields {
				if !slices.Contains(mapped, sink) {
					add(ErrMissingMapping, loc, "field %q is not mapped", sink)
				}
			}
		}
	}

	for _, d := range p.Data {
		add := func(code, format string, args ...any) {
			errs = append(errs, ValidationError{
				Field:   "data." + d.View,
				Message: fmt.Sprintf(format, args...),
				Code:    code,
				Line:    d.Pos.Line(),
			})
		}
		if v, ok := views[d.View]; ok && v.Kind == KindQuery {
			add(ErrDataTarget, "query views cannot hold data")
			continue
		}
		fs, ok := fieldsOf(d.View)
		if !ok {
			add(ErrDataTarget, "view %q is not declared", d.View)
			continue
		}
		for i, row := range d.Rows {
			if len(row) != len(fs) {
				add(ErrDataArity, "row %d has %d columns, want %d", i, len(row), len(fs))
			}
		}
	}
	return errs
}

// sourceFieldExists checks a mapping's source field against the upstream
// view: a field name for flat views, a (source, field) pair for queries.
func sourceFieldExists(views map[string]ViewSpec, view string, fields []string, field ir.Value, fieldsOf func(string) ([]string, bool)) bool {
	v, isDeclared := views[view]
	if !isDeclared || v.Kind != KindQuery {
		name, ok := field.(ir.String)
		return ok && slices.Contains(fields, string(name))
	}
	pair, ok := field.(ir.Tuple)
	if !ok || len(pair) == 0 || len(pair) > 2 {
		return false
	}
	srcID, ok := pair[0].(ir.String)
	if !ok {
		return false
	}
	for _, s := range v.Sources {
		if s.ID != string(srcID) {
			continue
		}
		if len(pair) == 1 {
			return true
		}
		name, ok := pair[1].(ir.String)
		if !ok || s.Scan == ScanExpression {
			return false
		}
		fs, ok := fieldsOf(s.View)
		return ok && slices.Contains(fs, string(name))
	}
	return false
}

// checkExpr reports the problems of an expression bound at position pos:
// unknown functions, and references to unknown or later sources.
func checkExpr(t ir.Tuple, pos int, sources map[string]SourceSpec, position map[string]int, fieldsOf func(string) ([]string, bool)) []string {
	if len(t) == 0 {
		return []string{"empty expression"}
	}
	malformed := []string{fmt.Sprintf("malformed expression %s", ir.Format(t))}
	tag, _ := t[0].(ir.String)
	switch string(tag) {
	case SideConstant:
		return nil
	case SideColumn:
		if len(t) != 2 && len(t) != 3 {
			return malformed
		}
		id, _ := t[1].(ir.String)
		src, ok := sources[string(id)]
		if !ok {
			return []string{fmt.Sprintf("unknown source %q", id)}
		}
		if position[string(id)] >= pos {
			return []string{fmt.Sprintf("source %q is bound after the expression", id)}
		}
		if len(t) == 3 {
			field, _ := t[2].(ir.String)
			if src.Scan == ScanExpression {
				return []string{fmt.Sprintf("expression source %q has no field %q", id, field)}
			}
			if fs, ok := fieldsOf(src.View); ok && !slices.Contains(fs, string(field)) {
				return []string{fmt.Sprintf("view %q has no field %q", src.View, field)}
			}
		}
		return nil
	case ExprCall:
		if len(t) < 2 {
			return malformed
		}
		var msgs []string
		fn, _ := t[1].(ir.String)
		if !slices.Contains(expr.Names(), string(fn)) {
			msgs = append(msgs, fmt.Sprintf("unknown function %q", fn))
		}
		for _, a := range t[2:] {
			arg, _ := a.(ir.Tuple)
			msgs = append(msgs, checkExpr(arg, pos, sources, position, fieldsOf)...)
		}
		return msgs
	default:
		return malformed
	}
}

func firstDuplicate(names []string) (string, bool) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n, true
		}
		seen[n] = true
	}
	return "", false
}

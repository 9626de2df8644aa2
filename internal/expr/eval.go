package expr

import (
	"fmt"
	"maps"

	"github.com/roach88/tarn/internal/ir"
)

// Eval evaluates e against a row of clause bindings.
func Eval(e Expr, row []ir.Value) (ir.Value, error) {
	return eval(e, row, nil)
}

func eval(e Expr, row []ir.Value, names map[string]ir.Value) (ir.Value, error) {
	switch n := e.(type) {
	case Constant:
		return n.Value, nil

	case Variable:
		return resolveVariable(n, row, nil)

	case Name:
		v, ok := names[n.Name]
		if !ok {
			return nil, fmt.Errorf("name %q: %w", n.Name, ErrUnbound)
		}
		return v, nil

	case Call:
		args := make([]ir.Value, len(n.Args))
		for i, a := range n.Args {
			v, err := eval(a, row, names)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return Apply(n.Fn, args)

	case Match:
		return evalMatch(n, row, names)

	default:
		return nil, fmt.Errorf("unknown expression %T", e)
	}
}

// ResolveRef evaluates a constraint or projection reference. When candidate
// is non-nil, a Variable naming clause len(row) reads the candidate instead:
// that is the row currently being bound.
func ResolveRef(r Ref, row []ir.Value, candidate ir.Value) (ir.Value, error) {
	switch n := r.(type) {
	case Constant:
		return n.Value, nil
	case Variable:
		return resolveVariable(n, row, candidate)
	default:
		return nil, fmt.Errorf("unknown reference %T", r)
	}
}

func resolveVariable(v Variable, row []ir.Value, candidate ir.Value) (ir.Value, error) {
	var binding ir.Value
	switch {
	case v.Clause >= 0 && v.Clause < len(row):
		binding = row[v.Clause]
	case v.Clause == len(row) && candidate != nil:
		binding = candidate
	default:
		return nil, fmt.Errorf("clause %d: %w", v.Clause, ErrUnbound)
	}
	return Column(binding, v.Column)
}

// Column selects column col of a binding. Whole returns the binding.
func Column(binding ir.Value, col int) (ir.Value, error) {
	if col == Whole {
		return binding, nil
	}
	switch b := binding.(type) {
	case ir.Tuple:
		if col < 0 || col >= len(b) {
			return nil, fmt.Errorf("column %d of %d-tuple: %w", col, len(b), ErrUnbound)
		}
		return b[col], nil
	case ir.Relation:
		vec := make(ir.Tuple, 0, len(b))
		for _, t := range b {
			if col < 0 || col >= len(t) {
				return nil, fmt.Errorf("column %d of %d-tuple: %w", col, len(t), ErrUnbound)
			}
			vec = append(vec, t[col])
		}
		return vec, nil
	default:
		return nil, &TypeError{Fn: fmt.Sprintf("column %d", col), Kinds: []ir.Kind{binding.Kind()}}
	}
}

func evalMatch(m Match, row []ir.Value, names map[string]ir.Value) (ir.Value, error) {
	if len(m.Handlers) != len(m.Patterns) && len(m.Handlers) != len(m.Patterns)+1 {
		return nil, fmt.Errorf("match has %d patterns and %d handlers", len(m.Patterns), len(m.Handlers))
	}

	input, err := eval(m.Input, row, names)
	if err != nil {
		return nil, err
	}

	for i, p := range m.Patterns {
		bound := make(map[string]ir.Value)
		if !matchPattern(p, input, bound) {
			continue
		}
		scope := maps.Clone(names)
		if scope == nil {
			scope = bound
		} else {
			maps.Copy(scope, bound)
		}
		return eval(m.Handlers[i], row, scope)
	}

	if len(m.Handlers) > len(m.Patterns) {
		return eval(m.Handlers[len(m.Patterns)], row, names)
	}
	return nil, ErrNoMatch
}

// matchPattern tests v against p, adding bindings to scope. A name used
// twice in one pattern must match equal values. Callers discard scope on
// failure.
func matchPattern(p Pattern, v ir.Value, scope map[string]ir.Value) bool {
	switch pat := p.(type) {
	case ConstantPattern:
		return ir.Equal(pat.Value, v)

	case VariablePattern:
		if prev, ok := scope[pat.Name]; ok {
			return ir.Equal(prev, v)
		}
		scope[pat.Name] = v
		return true

	case TuplePattern:
		t, ok := v.(ir.Tuple)
		if !ok || len(t) != len(pat.Elems) {
			return false
		}
		for i, elem := range pat.Elems {
			if !matchPattern(elem, t[i], scope) {
				return false
			}
		}
		return true

	default:
		return false
	}
}

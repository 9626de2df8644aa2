package query

import (
	"fmt"

	"github.com/roach88/tarn/internal/expr"
	"github.com/roach88/tarn/internal/index"
	"github.com/roach88/tarn/internal/ir"
)

// Eval computes the union's next output.
//
// The accumulator starts from prev, never from empty. Input tuples listed
// in removed that are no longer in input are taken out; every input tuple
// is added; then every upstream tuple whose length matches its mapping's
// Arity is projected and added. Upstream retractions are not propagated:
// output only grows through the mappings, which is what lets recursive
// unions reach a fixpoint.
//
// A mapping position outside upstream is a compiler bug and panics.
func (u *Union) Eval(prev, input *index.Index, removed []ir.Tuple, upstream []*index.Index, diags *expr.Diagnostics) *index.Index {
	if len(u.Mappings) > len(upstream) {
		panic(fmt.Sprintf("union %s: %d mappings but %d upstream", u.Name, len(u.Mappings), len(upstream)))
	}

	acc := prev.Clone()
	for _, t := range removed {
		if input.Contains(t) {
			continue
		}
		for acc.Contains(t) {
			acc.Remove(t)
		}
	}

	add := func(t ir.Tuple) {
		if !acc.Contains(t) {
			acc.Insert(t)
		}
	}

	for t := range input.All() {
		add(t)
	}

	for i, m := range u.Mappings {
		if m.Broken() {
			continue
		}
		for t := range upstream[i].All() {
			if len(t) != m.Arity {
				continue
			}
			projected, err := m.Project(t)
			if err != nil {
				diags.Add(fmt.Sprintf("view %s mapping %d", u.Name, i), err)
				continue
			}
			add(projected)
		}
	}
	return acc
}

// Project maps one upstream tuple through the mapping's refs.
func (m Mapping) Project(t ir.Tuple) (ir.Tuple, error) {
	out := make(ir.Tuple, len(m.Refs))
	for i, ref := range m.Refs {
		v, err := expr.ResolveRef(ref, t, nil)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

package compiler

import (
	"fmt"

	"github.com/roach88/tarn/internal/flow"
	"github.com/roach88/tarn/internal/index"
)

// Snapshot holds the outputs of the schema relations at one point in time.
type Snapshot map[string]*index.Index

// SchemaSnapshot captures the current outputs of f's schema relations.
// Relations the flow lacks are recorded as empty.
func SchemaSnapshot(f *flow.Flow) Snapshot {
	s := make(Snapshot, len(schemaRelations))
	for _, rel := range schemaRelations {
		out, err := f.Output(rel)
		if err != nil {
			out = index.New()
		}
		s[rel] = out
	}
	return s
}

// SchemaChanged reports whether any schema relation of f differs from prev.
// A nil prev always counts as changed.
func SchemaChanged(prev Snapshot, f *flow.Flow) bool {
	if prev == nil {
		return true
	}
	cur := SchemaSnapshot(f)
	for _, rel := range schemaRelations {
		before, ok := prev[rel]
		if !ok || !before.Equal(cur[rel]) {
			return true
		}
	}
	return false
}

// CompileAndRun runs f to quiescence and recompiles it, repeating until a
// run leaves the schema relations as they were at the last compile. It
// returns the final flow, which has been run to quiescence.
//
// A schema that keeps rewriting itself loops forever unless WithMaxRounds
// is given.
func CompileAndRun(f *flow.Flow, opts ...Option) (*flow.Flow, error) {
	cfg := newConfig(opts)
	var last Snapshot
	for round := 1; ; round++ {
		f.Run()
		if last != nil && !SchemaChanged(last, f) {
			return f, nil
		}
		if cfg.maxRounds > 0 && round > cfg.maxRounds {
			return f, fmt.Errorf("after %d rounds: %w", cfg.maxRounds, ErrNoFixpoint)
		}
		last = SchemaSnapshot(f)
		next, err := Compile(f, opts...)
		if err != nil {
			return f, err
		}
		f = next
	}
}

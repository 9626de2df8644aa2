package testutil

import (
	"fmt"

	"github.com/roach88/tarn/internal/ir"
)

// Tuple builds a tuple from plain Go values and panics on anything
// ir.FromGo rejects. Intended for test literals only.
func Tuple(vals ...any) ir.Tuple {
	t, err := ir.TupleFromGo(vals)
	if err != nil {
		panic(fmt.Sprintf("testutil.Tuple: %v", err))
	}
	return t
}

// Rows builds one tuple per argument.
func Rows(rows ...[]any) []ir.Tuple {
	out := make([]ir.Tuple, len(rows))
	for i, r := range rows {
		out[i] = Tuple(r...)
	}
	return out
}

// Insert returns a batch inserting rows into view.
func Insert(view string, fields []string, rows ...ir.Tuple) ir.ViewChanges {
	return ir.ViewChanges{View: view, Fields: fields, Changes: ir.Changes{Inserted: rows}}
}

// Remove returns a batch removing rows from view.
func Remove(view string, fields []string, rows ...ir.Tuple) ir.ViewChanges {
	return ir.ViewChanges{View: view, Fields: fields, Changes: ir.Changes{Removed: rows}}
}

// Event wraps batches into an inbound event for session.
func Event(session string, batches ...ir.ViewChanges) ir.Event {
	ev := ir.Event{Session: session, Changes: make([]ir.EventChange, len(batches))}
	for i, b := range batches {
		ev.Changes[i] = ir.EventChangeFrom(b)
	}
	return ev
}

// Command returns an event carrying only commands.
func Command(session string, cmds ...[]string) ir.Event {
	return ir.Event{Session: session, Commands: cmds}
}

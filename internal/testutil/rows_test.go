package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tarn/internal/ir"
)

func TestTuple(t *testing.T) {
	got := Tuple("a", 1, true, []any{"x", 2.5})
	want := ir.Tuple{
		ir.String("a"),
		ir.Float(1),
		ir.Bool(true),
		ir.Tuple{ir.String("x"), ir.Float(2.5)},
	}
	assert.Equal(t, want, got)
}

func TestTuplePanicsOnNull(t *testing.T) {
	assert.Panics(t, func() { Tuple("a", nil) })
}

func TestBatchesAndEvent(t *testing.T) {
	fields := []string{"from", "to"}
	ins := Insert("edge", fields, Rows([]any{"a", "b"}, []any{"b", "c"})...)
	rem := Remove("edge", fields, Tuple("a", "b"))

	assert.Len(t, ins.Inserted, 2)
	assert.Empty(t, ins.Removed)
	assert.Equal(t, []ir.Tuple{Tuple("a", "b")}, rem.Removed)

	ev := Event("s", ins, rem)
	require.Len(t, ev.Changes, 2)
	assert.Equal(t, "s", ev.Session)
	assert.Equal(t, []ir.ViewChanges{ins, rem}, ev.ViewChanges())

	cmd := Command("s", []string{"save", "snap"})
	assert.Empty(t, cmd.Changes)
	assert.Equal(t, [][]string{{"save", "snap"}}, cmd.Commands)
}

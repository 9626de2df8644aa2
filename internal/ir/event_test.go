package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireShape(t *testing.T) {
	payload := `{
		"changes": [["edge", ["from", "to"], [["a", "b"]], [["c", "d"]]]],
		"session": "s",
		"commands": [["save", "snap-1"]]
	}`

	e, err := UnmarshalEvent([]byte(payload))
	require.NoError(t, err)

	require.Len(t, e.Changes, 1)
	c := e.Changes[0]
	assert.Equal(t, "edge", c.View)
	assert.Equal(t, []string{"from", "to"}, c.Fields)
	assert.Equal(t, []Tuple{{String("a"), String("b")}}, c.Inserted)
	assert.Equal(t, []Tuple{{String("c"), String("d")}}, c.Removed)
	assert.Equal(t, "s", e.Session)
	assert.Equal(t, [][]string{{"save", "snap-1"}}, e.Commands)

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, payload, string(out))
}

func TestEventChangeMarshalsEmptySlices(t *testing.T) {
	out, err := json.Marshal(EventChange{View: "v"})
	require.NoError(t, err)
	assert.Equal(t, `["v",[],[],[]]`, string(out))
}

func TestUnmarshalEventRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"short change", `{"changes": [["edge", [], []]]}`},
		{"change not array", `{"changes": [{"view": "edge"}]}`},
		{"null row value", `{"changes": [["edge", ["a"], [[null]], []]]}`},
		{"unknown field", `{"changes": [], "extra": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalEvent([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestEventViewChanges(t *testing.T) {
	e := Event{Changes: []EventChange{{
		View:     "edge",
		Fields:   []string{"from", "to"},
		Inserted: []Tuple{{String("a"), String("b")}},
	}}}

	vcs := e.ViewChanges()
	require.Len(t, vcs, 1)
	assert.Equal(t, "edge", vcs[0].View)
	assert.Len(t, vcs[0].Inserted, 1)
	assert.Empty(t, vcs[0].Removed)

	assert.Equal(t, e.Changes[0], EventChangeFrom(vcs[0]))
}

func TestChangesSorted(t *testing.T) {
	c := Changes{
		Inserted: []Tuple{{Float(2)}, {Float(1)}},
		Removed:  []Tuple{{String("b")}, {Bool(true)}},
	}

	sorted := c.Sorted()
	assert.Equal(t, []Tuple{{Float(1)}, {Float(2)}}, sorted.Inserted)
	assert.Equal(t, []Tuple{{Bool(true)}, {String("b")}}, sorted.Removed)
	// original untouched
	assert.Equal(t, Tuple{Float(2)}, c.Inserted[0])
	assert.False(t, c.IsEmpty())
	assert.True(t, Changes{}.IsEmpty())
}

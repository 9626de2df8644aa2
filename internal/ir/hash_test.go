package ir

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		Session: "session-1",
		Changes: []EventChange{{
			View:     "edge",
			Fields:   []string{"from", "to"},
			Inserted: []Tuple{{String("a"), String("b")}, {String("b"), String("c")}},
		}},
	}
}

func TestEventIDDeterminism(t *testing.T) {
	id1, err := EventID(sampleEvent())
	require.NoError(t, err)
	id2, err := EventID(sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
	_, err = hex.DecodeString(id1)
	assert.NoError(t, err)
}

func TestEventIDIgnoresRowOrder(t *testing.T) {
	reordered := sampleEvent()
	rows := reordered.Changes[0].Inserted
	reordered.Changes[0].Inserted = []Tuple{rows[1], rows[0]}

	assert.Equal(t, MustEventID(sampleEvent()), MustEventID(reordered))
}

func TestEventIDChangesWithContent(t *testing.T) {
	other := sampleEvent()
	other.Session = "session-2"
	assert.NotEqual(t, MustEventID(sampleEvent()), MustEventID(other))

	other = sampleEvent()
	other.Commands = [][]string{{"reset"}}
	assert.NotEqual(t, MustEventID(sampleEvent()), MustEventID(other))
}

func TestEventIDErrorHandling(t *testing.T) {
	bad := sampleEvent()
	bad.Changes[0].Inserted = []Tuple{{Float(math.Inf(1))}}

	_, err := EventID(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EventID")
	assert.Panics(t, func() { MustEventID(bad) })
}

func TestDomainSeparationPreventsCrossTypeCollision(t *testing.T) {
	data := []byte("same")
	assert.NotEqual(t, hashWithDomain(DomainEvent, data), hashWithDomain(DomainState, data))
}

func TestStateHash(t *testing.T) {
	state := []ViewChanges{{
		View:    "edge",
		Fields:  []string{"from", "to"},
		Changes: Changes{Inserted: []Tuple{{String("a"), String("b")}}},
	}}

	h1, err := StateHash(state)
	require.NoError(t, err)

	state[0].Inserted = append(state[0].Inserted, Tuple{String("b"), String("c")})
	h2, err := StateHash(state)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

package ir

import (
	"slices"
)

// Changes is a delta over one relation: tuples that became present and
// tuples that stopped being present. Applying a Changes batch removes every
// Removed tuple and then inserts every Inserted tuple.
type Changes struct {
	Inserted []Tuple `json:"inserted"`
	Removed  []Tuple `json:"removed"`
}

// IsEmpty reports whether the batch carries no tuples.
func (c Changes) IsEmpty() bool {
	return len(c.Inserted) == 0 && len(c.Removed) == 0
}

// Sorted returns a copy with both sides in ascending tuple order.
func (c Changes) Sorted() Changes {
	out := Changes{
		Inserted: slices.Clone(c.Inserted),
		Removed:  slices.Clone(c.Removed),
	}
	sortTuples(out.Inserted)
	sortTuples(out.Removed)
	return out
}

// ViewChanges names the relation a Changes batch targets together with the
// field list the producer believes the relation has.
type ViewChanges struct {
	View   string   `json:"view"`
	Fields []string `json:"fields"`
	Changes
}

func sortTuples(ts []Tuple) {
	slices.SortFunc(ts, CompareTuples)
}

// SortTuples sorts tuples in ascending order in place.
func SortTuples(ts []Tuple) {
	sortTuples(ts)
}

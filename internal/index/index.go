// Package index implements the persistent multiset that stores every
// relation in a flow.
//
// An Index maps tuples to a signed multiplicity. Only tuples with a
// strictly positive multiplicity are present; iteration yields each present
// tuple once in ascending order. Clones share structure with the original
// and are copy-on-write, so a snapshot kept for diffing costs O(1).
package index

import (
	"iter"

	"github.com/google/btree"

	"github.com/roach88/tarn/internal/ir"
)

// degree is the btree branching factor.
const degree = 16

type entry struct {
	tuple ir.Tuple
	count int
}

func lessEntry(a, b entry) bool {
	return ir.CompareTuples(a.tuple, b.tuple) < 0
}

// Index is a multiset of tuples.
//
// The zero value is not usable; create one with New or FromTuples.
// An Index is not safe for concurrent mutation.
type Index struct {
	tree    *btree.BTreeG[entry]
	present int
}

// New returns an empty Index.
func New() *Index {
	return &Index{tree: btree.NewG(degree, lessEntry)}
}

// FromTuples returns an Index holding each tuple with multiplicity one per
// occurrence.
func FromTuples(tuples ...ir.Tuple) *Index {
	idx := New()
	for _, t := range tuples {
		idx.Insert(t)
	}
	return idx
}

// Insert adds one occurrence of t.
func (idx *Index) Insert(t ir.Tuple) {
	idx.adjust(t, 1)
}

// Remove takes away one occurrence of t. Removing an absent tuple records a
// negative multiplicity, which a later Insert cancels.
func (idx *Index) Remove(t ir.Tuple) {
	idx.adjust(t, -1)
}

func (idx *Index) adjust(t ir.Tuple, delta int) {
	key := entry{tuple: t}
	old, found := idx.tree.Get(key)
	count := delta
	if found {
		count += old.count
	}

	wasPresent := found && old.count > 0
	isPresent := count > 0

	if count == 0 {
		idx.tree.Delete(key)
	} else {
		stored := t
		if found {
			stored = old.tuple
		}
		idx.tree.ReplaceOrInsert(entry{tuple: stored, count: count})
	}

	switch {
	case isPresent && !wasPresent:
		idx.present++
	case wasPresent && !isPresent:
		idx.present--
	}
}

// Change applies a batch: every removal first, then every insertion.
func (idx *Index) Change(c ir.Changes) {
	for _, t := range c.Removed {
		idx.Remove(t)
	}
	for _, t := range c.Inserted {
		idx.Insert(t)
	}
}

// All returns the present tuples in ascending order. The sequence is lazy
// and may be ranged over any number of times.
func (idx *Index) All() iter.Seq[ir.Tuple] {
	return func(yield func(ir.Tuple) bool) {
		idx.tree.Ascend(func(e entry) bool {
			if e.count <= 0 {
				return true
			}
			return yield(e.tuple)
		})
	}
}

// Tuples returns the present tuples in ascending order.
func (idx *Index) Tuples() []ir.Tuple {
	out := make([]ir.Tuple, 0, idx.present)
	for t := range idx.All() {
		out = append(out, t)
	}
	return out
}

// Relation returns the present tuples as a Relation value.
func (idx *Index) Relation() ir.Relation {
	return ir.Relation(idx.Tuples())
}

// Len returns the number of present tuples.
func (idx *Index) Len() int {
	return idx.present
}

// Contains reports whether t is present.
func (idx *Index) Contains(t ir.Tuple) bool {
	return idx.Count(t) > 0
}

// Count returns the multiplicity of t, which may be zero or negative.
func (idx *Index) Count(t ir.Tuple) int {
	e, ok := idx.tree.Get(entry{tuple: t})
	if !ok {
		return 0
	}
	return e.count
}

// Clone returns an independent copy. Both indexes may be mutated
// afterwards without observing each other.
func (idx *Index) Clone() *Index {
	return &Index{tree: idx.tree.Clone(), present: idx.present}
}

// Equal reports whether both indexes hold the same present tuples.
// Multiplicities are not compared.
func (idx *Index) Equal(other *Index) bool {
	if idx.present != other.present {
		return false
	}
	changes := idx.ChangesSince(other)
	return changes.IsEmpty()
}

// ChangesSince diffs idx against an earlier state in one ordered merge pass.
// Inserted holds tuples present in idx but not in before; Removed holds
// tuples present in before but not in idx. Both sides come out ascending.
//
// A tuple is repeated when before holds it with a multiplicity other than
// one, so that applying the result to a clone of before with Change yields
// an index Equal to idx. When every multiplicity in before is zero or one,
// as in any query or union output, both sides are sets.
func (idx *Index) ChangesSince(before *Index) ir.Changes {
	var out ir.Changes
	insert := func(t ir.Tuple, prior int) {
		for n := 1 - min(prior, 0); n > 0; n-- {
			out.Inserted = append(out.Inserted, t)
		}
	}
	remove := func(e entry) {
		for n := e.count; n > 0; n-- {
			out.Removed = append(out.Removed, e.tuple)
		}
	}

	nextAfter, stopAfter := iter.Pull(idx.All())
	defer stopAfter()
	nextBefore, stopBefore := iter.Pull(before.entries())
	defer stopBefore()

	a, okA := nextAfter()
	b, okB := nextBefore()
	for okA && okB {
		switch c := ir.CompareTuples(a, b.tuple); {
		case c < 0:
			insert(a, 0)
			a, okA = nextAfter()
		case c > 0:
			remove(b)
			b, okB = nextBefore()
		default:
			if b.count <= 0 {
				insert(a, b.count)
			}
			a, okA = nextAfter()
			b, okB = nextBefore()
		}
	}
	for ; okA; a, okA = nextAfter() {
		insert(a, 0)
	}
	for ; okB; b, okB = nextBefore() {
		remove(b)
	}
	return out
}

// entries yields every stored entry, including non-positive ones.
func (idx *Index) entries() iter.Seq[entry] {
	return func(yield func(entry) bool) {
		idx.tree.Ascend(func(e entry) bool {
			return yield(e)
		})
	}
}

// AsChanges returns the whole present set as an insert-only batch.
func (idx *Index) AsChanges() ir.Changes {
	return ir.Changes{Inserted: idx.Tuples()}
}

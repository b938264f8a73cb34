// Package idset implements a stable tensor-identity hash set: O(1)
// membership plus a stable dense index for every tensor visited, backing
// all per-tensor side tables used by ml/galloc and ml/sched (n_children,
// n_views, backend_id, copies, ...).
//
// Slot occupancy is tracked with a bitset.BitSet rather than a second map:
// Set.Has looks up the slot and then tests its bit. Table lookups go
// through the slot map only and do not consult the bitset.
package idset

import "github.com/bits-and-blooms/bitset"

// Set assigns every tensor ID a stable, monotonically increasing slot
// index the first time it is seen, and tracks which slots are currently
// occupied.
type Set struct {
	slot map[uint64]int
	ids  []uint64
	occ  *bitset.BitSet
}

// New returns an empty set.
func New() *Set {
	return &Set{slot: make(map[uint64]int), occ: bitset.New(64)}
}

// Add assigns (or returns the existing) dense slot index for id and marks
// it occupied.
func (s *Set) Add(id uint64) int {
	i, ok := s.slot[id]
	if !ok {
		i = len(s.ids)
		s.ids = append(s.ids, id)
		s.slot[id] = i
	}
	s.occ.Set(uint(i))
	return i
}

// IndexOf returns id's slot index, if it has ever been Added.
func (s *Set) IndexOf(id uint64) (int, bool) {
	i, ok := s.slot[id]
	return i, ok
}

// Has reports whether id is currently occupied (Added and not Removed).
func (s *Set) Has(id uint64) bool {
	i, ok := s.slot[id]
	if !ok {
		return false
	}
	return s.occ.Test(uint(i))
}

// Remove clears id's occupancy bit without forgetting its slot index, so a
// later re-Add reuses the same slot: a table stays stable across repeated
// Remove/Add cycles on the same id without requiring a full Reset.
func (s *Set) Remove(id uint64) {
	if i, ok := s.slot[id]; ok {
		s.occ.Clear(uint(i))
	}
}

// Len returns the number of currently occupied slots.
func (s *Set) Len() int {
	return int(s.occ.Count())
}

// Reset discards all slots and occupancy, for a fresh traversal with
// possibly different tensor identities.
func (s *Set) Reset() {
	s.slot = make(map[uint64]int)
	s.ids = s.ids[:0]
	s.occ = bitset.New(64)
}

// Table is a side table keyed by tensor ID, backed by a Set for slot
// assignment.
type Table[T any] struct {
	set  *Set
	vals []T
}

// NewTable returns an empty side table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{set: New()}
}

// Get returns the value stored for id, and whether id has ever been Set.
func (t *Table[T]) Get(id uint64) (T, bool) {
	i, ok := t.set.IndexOf(id)
	if !ok {
		var zero T
		return zero, false
	}
	return t.vals[i], true
}

// GetOr returns the value stored for id, or def if id has never been Set.
func (t *Table[T]) GetOr(id uint64, def T) T {
	if v, ok := t.Get(id); ok {
		return v
	}
	return def
}

// Set stores v for id, assigning a slot if this is the first time id has
// been seen.
func (t *Table[T]) Set(id uint64, v T) {
	i := t.set.Add(id)
	for len(t.vals) <= i {
		var zero T
		t.vals = append(t.vals, zero)
	}
	t.vals[i] = v
}

// Has reports whether id has a value in this table.
func (t *Table[T]) Has(id uint64) bool {
	_, ok := t.set.IndexOf(id)
	return ok
}

// Reset discards all entries.
func (t *Table[T]) Reset() {
	t.set.Reset()
	t.vals = t.vals[:0]
}

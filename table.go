package zfrag

import "sync/atomic"

// FragmentTable is the address-indexed map from raw offset to owning
// Fragment (spec.md §4.3): a flat array of one slot per granule of the
// address-offset space, so lookup on the relocation hot path is a
// single indexed load with no locking. There is exactly one
// FragmentTable per collector instance (spec.md §9 "Global state");
// its lifetime spans the whole cycle.
type FragmentTable struct {
	granuleShift uint
	slots        []atomic.Pointer[Fragment]
}

// NewFragmentTable allocates a FragmentTable with one slot per
// cfg.GranuleSize granule of the cfg.OffsetMax-byte offset space.
func NewFragmentTable(cfg Config) *FragmentTable {
	shift := cfg.GranuleShift()
	n := cfg.OffsetMax >> shift
	return &FragmentTable{
		granuleShift: shift,
		slots:        make([]atomic.Pointer[Fragment], n),
	}
}

// granuleIndex returns the slot index covering raw offset o.
func (t *FragmentTable) granuleIndex(o RawOffset) uint64 {
	return uint64(o) >> t.granuleShift
}

// Insert publishes fragment into every granule slot of its source
// range [old_start, old_start+old_size) (spec.md §4.3 "insert"). Each
// slot must currently be null; a non-null slot indicates a Fragment is
// already registered over the same granule, which is an invariant
// violation (spec.md §7 "double insert"). This is the publication
// barrier: every entries[] write performed during population
// happens-before any load that observes the inserted pointer.
func (t *FragmentTable) Insert(fragment *Fragment) {
	first := t.granuleIndex(fragment.OldStart())
	last := t.granuleIndex(fragment.OldStart().Add(fragment.OldSize() - 1))
	for g := first; g <= last; g++ {
		if !t.slots[g].CompareAndSwap(nil, fragment) {
			fatalf("granule %d already owned by another fragment", g)
		}
	}
}

// Remove clears every granule slot fragment occupies. Each slot must
// currently hold exactly fragment; any other value (including nil)
// indicates the Fragment was never registered, or was already removed
// (spec.md §4.3 "remove").
func (t *FragmentTable) Remove(fragment *Fragment) {
	first := t.granuleIndex(fragment.OldStart())
	last := t.granuleIndex(fragment.OldStart().Add(fragment.OldSize() - 1))
	for g := first; g <= last; g++ {
		if !t.slots[g].CompareAndSwap(fragment, nil) {
			fatalf("fragment not registered at granule %d", g)
		}
	}
}

// Get returns the Fragment owning raw offset addr, or nil if addr
// falls in an un-fragmented (not currently being relocated) granule
// (spec.md §4.3 "get"). This is the load-barrier's hot-path lookup:
// a single indexed atomic load, no synchronisation beyond that.
func (t *FragmentTable) Get(addr RawOffset) *Fragment {
	g := t.granuleIndex(addr)
	if g >= uint64(len(t.slots)) {
		fatalf("raw offset %d outside table's address-offset space", addr)
	}
	return t.slots[g].Load()
}

// Len returns the number of granule slots the table indexes.
func (t *FragmentTable) Len() int {
	return len(t.slots)
}

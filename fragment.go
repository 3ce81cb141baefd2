package zfrag

import (
	"sync"
	"sync/atomic"
)

// FragmentState is a Fragment's position in its lifecycle (spec.md
// §4.2 state machine).
type FragmentState int32

const (
	FragmentNew FragmentState = iota
	FragmentPopulating
	FragmentActive
	FragmentDecommissioned
)

func (s FragmentState) String() string {
	switch s {
	case FragmentNew:
		return "new"
	case FragmentPopulating:
		return "populating"
	case FragmentActive:
		return "active"
	case FragmentDecommissioned:
		return "decommissioned"
	default:
		return "unknown"
	}
}

// Fragment is the per-source-page relocation descriptor (spec.md
// §2/§3): it owns the source page while refcount > 0, holds one
// FragmentEntry per 256-byte slice of the source range, and arbitrates
// destination placement across up to two destination pages separated
// by a page break.
type Fragment struct {
	oldPage               *Page
	oldStart              RawOffset
	oldSize               uint64
	objectAlignmentShift  uint32

	entries []FragmentEntry

	newPagePrimary   *Page
	newPageSecondary atomic.Pointer[Page]

	pageBreakOffset        atomic.Uint64 // 0 means unset; offsets are >= granule-aligned so 0 is never a valid break
	pageBreakEntryIndex    int
	pageBreakInternalIndex int

	refcount atomic.Uint32
	pinned   atomic.Bool

	mu    sync.Mutex // per-fragment copy lock (spec.md §5 simple variant)
	state atomic.Int32
}

// CreateFragment allocates a Fragment covering [oldStart, oldStart+oldSize)
// of oldPage, with ceil(oldSize/256) zero-initialised entries (spec.md
// §4.2 "Fragment::create"). refcount starts at 1 (spec.md §9 resolved
// convention); the caller fills entries via population before
// publishing it to the FragmentTable.
func CreateFragment(oldPage *Page, oldStart RawOffset, oldSize uint64, objectAlignmentShift uint32) *Fragment {
	numEntries := ceilDiv(oldSize, SliceSize)
	f := &Fragment{
		oldPage:              oldPage,
		oldStart:             oldStart,
		oldSize:              oldSize,
		objectAlignmentShift: objectAlignmentShift,
		entries:              make([]FragmentEntry, numEntries),
	}
	f.refcount.Store(1)
	f.state.Store(int32(FragmentNew))
	return f
}

// OldPage returns the source page.
func (f *Fragment) OldPage() *Page { return f.oldPage }

// OldStart returns the source range's starting raw offset.
func (f *Fragment) OldStart() RawOffset { return f.oldStart }

// OldSize returns the source range's size in bytes.
func (f *Fragment) OldSize() uint64 { return f.oldSize }

// ObjectAlignmentShift returns the source page's object alignment.
func (f *Fragment) ObjectAlignmentShift() uint32 { return f.objectAlignmentShift }

// NumEntries returns the number of FragmentEntry records.
func (f *Fragment) NumEntries() int { return len(f.entries) }

// State returns the Fragment's current lifecycle state.
func (f *Fragment) State() FragmentState { return FragmentState(f.state.Load()) }

// setState transitions the Fragment's lifecycle state. It does not
// validate the transition graph; callers follow the documented
// sequence (spec.md §4.2).
func (f *Fragment) setState(s FragmentState) { f.state.Store(int32(s)) }

// OffsetToIndex returns the entry index covering source offset o
// (spec.md §4.2 "offset_to_index").
func (f *Fragment) OffsetToIndex(o RawOffset) int {
	return int((uint64(o) - uint64(f.oldStart)) >> SliceShift)
}

// OffsetToInternal returns o's internal word index within its entry
// (spec.md §4.2 "offset_to_internal").
func (f *Fragment) OffsetToInternal(o RawOffset) int {
	return int(((uint64(o) - uint64(f.oldStart)) >> WordShift) & (WordsPerSlice - 1))
}

// FromOffset reconstructs the source raw offset for entry index i,
// internal word index k (spec.md §4.2 "from_offset").
func (f *Fragment) FromOffset(i, k int) RawOffset {
	return RawOffset(uint64(f.oldStart) + (uint64(i) << SliceShift) + (uint64(k) << WordShift))
}

// Find returns the entry owning source offset o. Panics if o falls
// outside the Fragment's range (spec.md invariant 1 assumes a prior
// FragmentTable lookup already established membership).
func (f *Fragment) Find(o RawOffset) *FragmentEntry {
	idx := f.OffsetToIndex(o)
	if idx < 0 || idx >= len(f.entries) {
		fatalf("offset %d out of range for fragment [%d,+%d)", o, f.oldStart, f.oldSize)
	}
	return &f.entries[idx]
}

// AddPageBreak installs the secondary destination page and caches the
// decomposition of firstOffsetOnSecondary (spec.md §4.2). Called at
// most once per Fragment, during population, before publication.
func (f *Fragment) AddPageBreak(secondary *Page, firstOffsetOnSecondary RawOffset) {
	if !f.pageBreakOffset.CompareAndSwap(0, uint64(firstOffsetOnSecondary)) {
		fatalf("page break already set for fragment at %d", f.oldStart)
	}
	f.newPageSecondary.Store(secondary)
	f.pageBreakEntryIndex = f.OffsetToIndex(firstOffsetOnSecondary)
	f.pageBreakInternalIndex = f.OffsetToInternal(firstOffsetOnSecondary)
}

// hasPageBreak reports whether a page break has been installed.
func (f *Fragment) hasPageBreak() bool {
	return f.pageBreakOffset.Load() != 0
}

// HasPageBreak reports whether a page break has been installed for
// this Fragment. Exported for diagnostics and tooling (e.g. a cycle
// recorder tallying how many fragments needed a secondary destination
// page) that have no other way to observe population-time decisions.
func (f *Fragment) HasPageBreak() bool { return f.hasPageBreak() }

// DestinationPage returns the destination page for source offset o
// (spec.md §4.2 "destination_page").
func (f *Fragment) DestinationPage(o RawOffset) *Page {
	breakOffset := f.pageBreakOffset.Load()
	if breakOffset == 0 || uint64(o) < breakOffset {
		return f.newPagePrimary
	}
	return f.newPageSecondary.Load()
}

// ToOffset returns the destination raw offset at which the live
// object starting at source offset o already has been, or will be,
// placed (spec.md §4.2 "to_offset"). It is a pure function of
// pre-populated Fragment state and is safe to call concurrently from
// any number of threads without synchronisation.
func (f *Fragment) ToOffset(o RawOffset) RawOffset {
	if f.Pinned() {
		// In-place relocation: the object never moved, so its
		// destination offset is its source offset (spec.md §7 option
		// (b)). Entries were never populated for a pinned fragment.
		return o
	}
	idx := f.OffsetToIndex(o)
	internal := f.OffsetToInternal(o)
	entry := &f.entries[idx]
	dest := f.DestinationPage(o)

	prefix := entry.LiveBytesPrefix()
	withinFrom := 0
	// Prefix-correction rule (spec.md §4.2): on the page-break entry,
	// an object destined for the secondary page starts a fresh prefix
	// there rather than inheriting the primary page's running prefix.
	// The break can land mid-entry, so the within-entry scan must also
	// start at the break rather than at 0 — otherwise any primary-
	// destined objects earlier in the same entry would be folded into
	// the secondary-destined object's offset.
	if f.hasPageBreak() && idx == f.pageBreakEntryIndex && uint64(o) >= f.pageBreakOffset.Load() {
		prefix = 0
		withinFrom = f.pageBreakInternalIndex
	}
	within := entry.LiveBytesOnFragmentBetween(withinFrom, internal)
	return dest.Start().Add(uint64(prefix) + uint64(within))
}

// Add returns o+delta as a RawOffset.
func (o RawOffset) Add(delta uint64) RawOffset { return RawOffset(uint64(o) + delta) }

// Retain increments refcount, but only if it is currently positive; a
// zero refcount means the Fragment has already been decommissioned
// and retain must fail (spec.md §4.2, the release-then-retain race
// guard). Returns false on failure.
func (f *Fragment) Retain() bool {
	for {
		cur := f.refcount.Load()
		if cur == 0 {
			return false
		}
		if f.refcount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release decrements refcount; when it reaches zero the Fragment's
// source page is handed back to the given allocator and the Fragment
// transitions to Decommissioned (spec.md §4.2/§7).
func (f *Fragment) Release(allocator *PageAllocator) {
	if f.refcount.Add(^uint32(0)) == 0 {
		f.setState(FragmentDecommissioned)
		if allocator != nil {
			allocator.Free(f.oldPage, true)
		}
	}
}

// Pinned reports whether in-place relocation was required for this
// Fragment (acquire load, spec.md §4.2).
func (f *Fragment) Pinned() bool { return f.pinned.Load() }

// SetPinned marks the Fragment as pinned (release store).
func (f *Fragment) SetPinned() { f.pinned.Store(true) }

// lock acquires the per-fragment copy lock used by the simple
// single-mutex relocation variant (spec.md §5).
func (f *Fragment) lock()   { f.mu.Lock() }
func (f *Fragment) unlock() { f.mu.Unlock() }

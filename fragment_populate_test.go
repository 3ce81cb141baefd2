package zfrag

import "testing"

// fakeSizer maps raw offsets (with color stripped) to object sizes for
// population tests, standing in for the real in-heap object header.
type fakeSizer struct {
	sizes map[RawOffset]uint32
}

func (s *fakeSizer) ObjectSize(coloured ColouredAddr) (uint32, error) {
	off := DefaultColorer.Offset(coloured)
	size, ok := s.sizes[off]
	if !ok {
		fatalf("fakeSizer: no size registered for offset %d", off)
	}
	return size, nil
}

func newTestAllocator(t *testing.T, pageSize uint64) *PageAllocator {
	t.Helper()
	cfg := NewConfig(WithGranuleSize(pageSize), WithMediumPageGranules(4), WithOffsetMax(pageSize*64))
	return NewPageAllocator(cfg)
}

// TestPopulateEmptyPageReservesNoDestination mirrors spec.md §8
// scenario S1: a source page with zero live objects never triggers a
// destination page allocation.
func TestPopulateEmptyPageReservesNoDestination(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	f := newTestFragment(t, 4096)
	lm := NewLiveMap(uint32(4096 / WordSize))
	pop := NewPopulator(alloc, DefaultColorer, &fakeSizer{sizes: map[RawOffset]uint32{}})

	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if f.newPagePrimary != nil {
		t.Fatal("empty fragment must not reserve a destination page")
	}
	if f.State() != FragmentActive {
		t.Fatalf("expected Active state, got %v", f.State())
	}
}

// TestPopulateSingleObject mirrors scenario S2.
func TestPopulateSingleObject(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	f := newTestFragment(t, 4096)
	lm := NewLiveMap(uint32(4096 / WordSize))
	lm.MarkLive(0)

	sizer := &fakeSizer{sizes: map[RawOffset]uint32{f.OldStart(): 32}}
	pop := NewPopulator(alloc, DefaultColorer, sizer)

	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if f.newPagePrimary == nil {
		t.Fatal("expected a primary destination page to be reserved")
	}
	if got := f.ToOffset(f.OldStart()); got != f.newPagePrimary.Start() {
		t.Fatalf("ToOffset = %d, want %d", got, f.newPagePrimary.Start())
	}
	if got := f.entries[0].LiveBytesPrefix(); got != 0 {
		t.Fatalf("entry 0 prefix = %d, want 0", got)
	}
}

// TestPopulatePageBreak mirrors scenario S4: packing objects fills the
// primary destination page, forcing a break.
func TestPopulatePageBreak(t *testing.T) {
	pageSize := uint64(256) // small destination page to force an early break
	alloc := newTestAllocator(t, pageSize)
	defer alloc.Close()

	f := newTestFragment(t, SliceSize*4)
	lm := NewLiveMap(uint32(SliceSize * 4 / WordSize))

	sizes := map[RawOffset]uint32{}
	// Pack objects of 64 bytes each; the 256-byte destination page holds
	// exactly 4, so the 5th forces a page break.
	offsets := []RawOffset{}
	for i := 0; i < 5; i++ {
		o := f.OldStart().Add(uint64(i) * 64)
		offsets = append(offsets, o)
		sizes[o] = 64
		lm.MarkLive(uint32(i * 8)) // 64 bytes = 8 words
	}
	sizer := &fakeSizer{sizes: sizes}
	pop := NewPopulator(alloc, DefaultColorer, sizer)

	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if !f.hasPageBreak() {
		t.Fatal("expected a page break to have been installed")
	}

	for i, o := range offsets {
		to := f.ToOffset(o)
		dest := f.DestinationPage(o)
		if to < dest.Start() || uint64(to-dest.Start()) >= dest.Size() {
			t.Fatalf("object %d: to_offset %d outside destination page [%d,+%d)", i, to, dest.Start(), dest.Size())
		}
	}
	// The 5th object must land at the very start of the secondary page.
	if got := f.ToOffset(offsets[4]); got != f.newPageSecondary.Load().Start() {
		t.Fatalf("5th object ToOffset = %d, want secondary page start %d", got, f.newPageSecondary.Load().Start())
	}
}

// TestPopulatePageBreakMidEntry covers a page break that lands partway
// through an entry rather than exactly on an entry boundary — the
// common case, since destination-page capacity is essentially never
// an exact multiple of both the object size and SliceSize. Three
// 64-byte objects packed into entry 0 (internal starts 0, 8, 16) are
// primary-destined; the 200-byte destination page has no room for a
// fourth, so the break lands at internal index 24, still inside entry
// 0. The fourth object's to_offset must not fold the three preceding
// primary-side objects' bytes into its secondary-page prefix.
func TestPopulatePageBreakMidEntry(t *testing.T) {
	pageSize := uint64(200)
	alloc := newTestAllocator(t, pageSize)
	defer alloc.Close()

	f := newTestFragment(t, SliceSize)
	lm := NewLiveMap(uint32(SliceSize / WordSize))

	sizes := map[RawOffset]uint32{}
	offsets := []RawOffset{}
	for i := 0; i < 4; i++ {
		o := f.OldStart().Add(uint64(i) * 64)
		offsets = append(offsets, o)
		sizes[o] = 64
		lm.MarkLive(uint32(i * 8)) // 64 bytes = 8 words
	}
	sizer := &fakeSizer{sizes: sizes}
	pop := NewPopulator(alloc, DefaultColorer, sizer)

	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if !f.hasPageBreak() {
		t.Fatal("expected a page break to have been installed")
	}
	if f.pageBreakEntryIndex != 0 || f.pageBreakInternalIndex != 24 {
		t.Fatalf("expected break at entry 0 internal 24, got entry %d internal %d", f.pageBreakEntryIndex, f.pageBreakInternalIndex)
	}

	secondary := f.newPageSecondary.Load()
	if got := f.ToOffset(offsets[3]); got != secondary.Start() {
		t.Fatalf("4th object ToOffset = %d, want secondary page start %d (must not include preceding primary-side objects)", got, secondary.Start())
	}
	for i := 0; i < 3; i++ {
		to := f.ToOffset(offsets[i])
		want := f.newPagePrimary.Start().Add(uint64(i) * 64)
		if to != want {
			t.Fatalf("object %d ToOffset = %d, want %d", i, to, want)
		}
	}
}

// TestPopulateCrossEntryObject mirrors scenario S6: a 512-byte object
// spans two entries. The entry it spills into carries no live bits of
// its own, and an object starting in the entry after the spill must
// still be placed immediately after the 512-byte object.
func TestPopulateCrossEntryObject(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	f := newTestFragment(t, SliceSize*5)
	lm := NewLiveMap(uint32(SliceSize * 5 / WordSize))

	// 512-byte object starting at entry 1, internal 0: spans entries 1
	// and 2 in full (64 words), ending exactly on entry 2's last word.
	bigObjWordIdx := uint32(WordsPerSlice)
	lm.MarkLive(bigObjWordIdx)
	// A second, unrelated object starts fresh in entry 3.
	secondWordIdx := bigObjWordIdx + 64
	lm.MarkLive(secondWordIdx)

	bigFrom := f.wordOffset(bigObjWordIdx)
	secondFrom := f.wordOffset(secondWordIdx)
	sizer := &fakeSizer{sizes: map[RawOffset]uint32{
		bigFrom:    512,
		secondFrom: 16,
	}}
	pop := NewPopulator(alloc, DefaultColorer, sizer)

	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	bigIdx := f.OffsetToIndex(bigFrom)
	if bigIdx != 1 {
		t.Fatalf("expected the big object's entry to be index 1, got %d", bigIdx)
	}
	spillEntry := bigIdx + 1
	if f.entries[spillEntry].popcountLiveBits() != 0 {
		t.Fatalf("entry %d carries no bits of its own for the spanning object", spillEntry)
	}

	toBig := f.ToOffset(bigFrom)
	toSecond := f.ToOffset(secondFrom)
	if toSecond != toBig.Add(512) {
		t.Fatalf("second object ToOffset = %d, want %d (immediately after the 512-byte object)", toSecond, toBig.Add(512))
	}
}

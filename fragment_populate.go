package zfrag

// ObjectSizer reads an object's size from its in-heap header (spec.md
// §6 "object_size"). The populator and the relocator both consult it
// through this external collaborator; zfrag never interprets object
// headers itself.
type ObjectSizer interface {
	ObjectSize(coloured ColouredAddr) (uint32, error)
}

// Populator fills a Fragment's entries in one pass over its source
// page's LiveMap (spec.md §4.5). It owns destination-page placement:
// packing live objects into the current destination page until the
// next object would not fit, then allocating a fresh destination page
// and installing a page break.
type Populator struct {
	allocator *PageAllocator
	colorer   Colorer
	sizer     ObjectSizer
}

// NewPopulator creates a Populator using the given page allocator,
// colorer, and object-size oracle.
func NewPopulator(allocator *PageAllocator, colorer Colorer, sizer ObjectSizer) *Populator {
	if colorer == nil {
		colorer = DefaultColorer
	}
	return &Populator{allocator: allocator, colorer: colorer, sizer: sizer}
}

// Allocator returns the page allocator this Populator draws
// destination pages from, so a caller building a relocation set can
// check its remaining capacity before populating anything.
func (p *Populator) Allocator() *PageAllocator { return p.allocator }

// Populate walks liveMap's object starts over fragment's source range,
// filling entries and assigning destination offsets. destClass and
// destAlignShift describe the destination pages to allocate.
//
// The primary destination page is allocated lazily, on the first live
// object found: a source page with no live objects at all (spec.md §8
// scenario S1) reserves no destination page. If the packed objects
// overflow the primary page, exactly one page break is installed
// (spec.md §3 "new_page_secondary (optional)" — the model supports at
// most one break per Fragment) and a secondary page absorbs the rest.
func (p *Populator) Populate(f *Fragment, liveMap *LiveMap, destClass PageClass, destAlignShift uint32) error {
	_, _, err := p.populateCore(f, liveMap, destClass, destAlignShift, nil, 0)
	return err
}

// PopulateChained is Populate's group1 (small-page) variant, grounded
// on the original relocation-set populator's habit of packing several
// old pages' live objects back-to-back onto one rolling destination
// page stream rather than giving every source page its own
// destination (original_source's ZRelocationSet::populate,
// alloc_object_iterator's `prev` parameter carried across pages).
// carry is the destination page left over from the previous Fragment
// in the chain (nil to start a fresh chain), carryTop is how many
// bytes of it are already spoken for. It returns the destination page
// still open at the end of this Fragment's population (for the next
// Fragment to continue from) and how many bytes of it are used, so a
// caller can thread the chain across a whole group1 page list.
func (p *Populator) PopulateChained(f *Fragment, liveMap *LiveMap, destClass PageClass, destAlignShift uint32, carry *Page, carryTop uint64) (*Page, uint64, error) {
	return p.populateCore(f, liveMap, destClass, destAlignShift, carry, carryTop)
}

func (p *Populator) populateCore(f *Fragment, liveMap *LiveMap, destClass PageClass, destAlignShift uint32, carry *Page, carryTop uint64) (*Page, uint64, error) {
	f.setState(FragmentPopulating)

	countCarry := carry != nil
	if carry != nil {
		f.newPagePrimary = carry
	}

	numWords := uint32(f.oldSize >> WordShift)

	destTop := carryTop
	lastEntryIdx := -1

	cur := uint32(0)
	for {
		// GetNextOneOffset yields individual live-bit positions, not
		// runs: two objects whose starts land on adjacent words must
		// be visited as two separate starts rather than folded into
		// one segment, so the precise per-bit walk is used here
		// rather than the segment iterator (which is for bulk
		// skipping of long dead stretches, e.g. by external callers).
		next := liveMap.GetNextOneOffset(cur, numWords)
		if next >= numWords {
			break
		}
		cur = next

		from := f.wordOffset(cur)
		coloured := p.colorer.Good(from)
		size, err := p.sizer.ObjectSize(coloured)
		if err != nil {
			return nil, 0, err
		}

		idx := f.OffsetToIndex(from)
		internal := f.OffsetToInternal(from)

		if f.newPagePrimary == nil {
			// No destination capacity at all could be secured for
			// this source page. Fall back to in-place relocation
			// (spec.md §7 option (b), additive): pin the Fragment —
			// entries are left untouched (all-zero) since ToOffset
			// bypasses them entirely for a pinned Fragment — and the
			// source page stays mapped rather than being freed.
			primary, err := p.allocator.Alloc(destClass, destAlignShift, AllocFlags{NoChangeTop: true})
			if err != nil {
				f.SetPinned()
				f.setState(FragmentActive)
				return nil, 0, nil
			}
			primary.IncAttachedOldPages()
			f.newPagePrimary = primary
		}

		// The entry's prefix must reflect bytes already committed on
		// the active destination page as of this object's start,
		// which is only known once that page (primary, possibly
		// carried from a previous Fragment) is settled above.
		if idx != lastEntryIdx {
			f.entries[idx].SetLiveBytesPrefix(clampPrefix(destTop))
			lastEntryIdx = idx
		}

		activeDest := f.newPagePrimary
		if f.hasPageBreak() {
			activeDest = f.newPageSecondary.Load()
		}
		// activeDest was allocated with NoChangeTop, so its own bump
		// pointer is pinned at full and can't answer "does this object
		// fit" — destTop is the populator's own running placement
		// cursor for the page and is what must be checked instead.
		if destTop+uint64(size) > activeDest.Size() {
			freshPage, err := p.allocator.Alloc(destClass, destAlignShift, AllocFlags{NoChangeTop: true})
			if err != nil {
				return nil, 0, err
			}
			freshPage.IncAttachedOldPages()
			f.AddPageBreak(freshPage, from)
			destTop = 0
			// The page-break entry's own stored prefix still reflects
			// bytes placed on the primary page before the break;
			// ToOffset's breakOffset comparison, not a second write
			// here, is what resets the effective prefix to 0 for
			// objects landing on the secondary side of this entry.
		}

		if countCarry && !f.hasPageBreak() {
			// This Fragment's first object lands on the carried page.
			carry.IncAttachedOldPages()
			countCarry = false
		}

		f.entries[idx].SetLiveness(internal)
		f.entries[idx].SetSizeBit(internal, uint64(size))

		words := uint32(size) / WordSize
		endGlobal := cur + words - 1

		destTop += uint64(size)
		cur = endGlobal + 1
	}

	f.setState(FragmentActive)

	if f.Pinned() {
		return nil, 0, nil
	}
	finalPage := f.newPagePrimary
	if f.hasPageBreak() {
		finalPage = f.newPageSecondary.Load()
	}
	return finalPage, destTop, nil
}

// wordOffset returns the source raw offset of the wordIdx-th 8-byte
// word of the source page, counting from the Fragment's start.
func (f *Fragment) wordOffset(wordIdx uint32) RawOffset {
	return f.oldStart.Add(uint64(wordIdx) << WordShift)
}

// clampPrefix narrows a running byte total to the 31-bit
// live-bytes-prefix field (spec.md §3: "<= 2^31-1"), panicking via
// fatalf if the total exceeds that range.
func clampPrefix(v uint64) uint32 {
	if v > liveBytesMax {
		fatalf("live bytes prefix overflow: %d", v)
	}
	return uint32(v)
}

package zfrag

import "sync/atomic"

// Page is the external backing-storage collaborator spec.md §6 names:
// a contiguous, granule-aligned range of the address-offset space with
// a bump-pointer allocator. Marking and mutator access to live page
// contents are out of scope (spec.md Non-goals); zfrag only needs the
// handful of operations the Fragment subsystem calls directly.
type Page struct {
	start                RawOffset
	size                 uint64
	class                PageClass
	objectAlignmentShift uint32
	top                  atomic.Uint64 // bump-pointer, relative to start
	attachedOldPages     atomic.Uint32 // number of source pages packed onto this destination
	data                 []byte        // backing storage, nil for pages with no real memory (tests)
}

// NewPage constructs a Page over [start, start+size) with the given
// size class and object alignment shift (spec.md §3: "a per-page
// power of two, >= 8 bytes").
func NewPage(start RawOffset, size uint64, class PageClass, objectAlignmentShift uint32, data []byte) *Page {
	if objectAlignmentShift < MinObjectAlignmentShift {
		fatalf("object alignment shift %d below minimum", objectAlignmentShift)
	}
	return &Page{
		start:                start,
		size:                 size,
		class:                class,
		objectAlignmentShift: objectAlignmentShift,
		data:                 data,
	}
}

// Start returns the page's starting raw offset.
func (p *Page) Start() RawOffset { return p.start }

// Size returns the page's size in bytes.
func (p *Page) Size() uint64 { return p.size }

// Class returns the page's size class.
func (p *Page) Class() PageClass { return p.class }

// ObjectAlignmentShift returns this page's object alignment shift.
func (p *Page) ObjectAlignmentShift() uint32 { return p.objectAlignmentShift }

// Top returns the current bump-pointer offset, relative to Start.
func (p *Page) Top() uint64 { return p.top.Load() }

// Remaining returns the number of bytes left before the page is full.
func (p *Page) Remaining() uint64 {
	top := p.top.Load()
	if top >= p.size {
		return 0
	}
	return p.size - top
}

// IsIn reports whether a raw offset falls within this page's range.
func (p *Page) IsIn(offset RawOffset) bool {
	return offset >= p.start && uint64(offset-p.start) < p.size
}

// AllocObject bump-allocates size bytes from the page, aligned to the
// page's object alignment. It returns (0, false) if the object would
// not fit, matching the "Overshooting" behaviour the destination-page
// placement policy (spec.md §4.5) relies on to detect when to advance
// to a new destination page.
func (p *Page) AllocObject(size uint64) (RawOffset, bool) {
	align := uint64(1) << p.objectAlignmentShift
	for {
		top := p.top.Load()
		aligned := alignUp(top, align)
		if aligned+size > p.size {
			return 0, false
		}
		if p.top.CompareAndSwap(top, aligned+size) {
			return p.start + RawOffset(aligned), true
		}
	}
}

// IncTop advances the bump pointer by delta without allocating an
// object. Used by PageAllocator.Alloc to pre-fill a whole destination
// page of any class in one step when AllocFlags.NoChangeTop is set
// (grounded on the original's
// ZRelocationSet::populate, which does the equivalent
// "inc_top(new_page->remaining())" for pages allocated whole rather
// than object-by-object).
func (p *Page) IncTop(delta uint64) {
	for {
		top := p.top.Load()
		nt := top + delta
		if nt > p.size {
			nt = p.size
		}
		if p.top.CompareAndSwap(top, nt) {
			return
		}
	}
}

// IncAttachedOldPages records that one more source page's objects have
// been packed onto this destination page; used for diagnostics.
func (p *Page) IncAttachedOldPages() {
	p.attachedOldPages.Add(1)
}

// AttachedOldPages returns how many source pages have contributed
// objects to this destination page.
func (p *Page) AttachedOldPages() uint32 {
	return p.attachedOldPages.Load()
}

// Data returns the page's backing storage, or nil if this Page was
// constructed without one (e.g. a unit test exercising only the
// bump-pointer arithmetic).
func (p *Page) Data() []byte { return p.data }

// Bytes returns the byte slice covering [offset, offset+size) within
// this page's backing storage. It panics if the range is not fully
// contained in the page or if the page has no backing storage.
func (p *Page) Bytes(offset RawOffset, size uint64) []byte {
	if p.data == nil {
		fatalf("page has no backing storage")
	}
	if !p.IsIn(offset) || uint64(offset-p.start)+size > p.size {
		fatalf("byte range [%d,+%d) outside page [%d,+%d)", offset, size, p.start, p.size)
	}
	rel := uint64(offset - p.start)
	return p.data[rel : rel+size]
}

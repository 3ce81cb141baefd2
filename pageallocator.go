package zfrag

import (
	"sync"

	"github.com/Giulio2002/zfrag/mmap"
)

// AllocFlags mirror the flags spec.md §6's alloc_page accepts: hints
// to the allocator about how the page will be used and whether the
// caller can tolerate blocking.
type AllocFlags struct {
	// NonBlocking makes Alloc fail with ErrWouldBlock instead of
	// waiting for the allocator's bookkeeping lock (spec.md §6:
	// alloc_page "may block" otherwise).
	NonBlocking bool
	NoChangeTop bool // allocate the page pre-filled (spec.md's "don't change top")
}

// PageAllocator is the external page-subsystem collaborator (spec.md
// §6): it supplies and reclaims backing pages. The reference
// implementation backs every page with a real anonymous memory
// mapping via golang.org/x/sys (through the mmap package), grounded on
// the teacher's own mmap-backed page storage.
type PageAllocator struct {
	cfg Config

	mu           sync.Mutex
	mmaps        []*mmap.Map // every mapping ever created, for Close
	offsetCursor uint64      // next free raw offset to hand out
}

// NewPageAllocator creates a PageAllocator using the given Config for
// page sizing.
func NewPageAllocator(cfg Config) *PageAllocator {
	return &PageAllocator{cfg: cfg.withDefaults()}
}

// pageSize returns the byte size of the given page class under this
// allocator's configuration.
func (a *PageAllocator) pageSize(class PageClass) uint64 {
	switch class {
	case ClassSmall:
		return a.cfg.GranuleSize
	case ClassMedium:
		return a.cfg.GranuleSize * a.cfg.MediumPageGranules
	default:
		fatalf("unknown page class %v", class)
		return 0
	}
}

// Alloc reserves a fresh page of the given class and alignment shift,
// backed by a real anonymous mapping. It returns ErrDestinationExhausted
// if the mapping cannot be created or OffsetMax has no room left for the
// page (spec.md §7's out-of-memory kind),
// or ErrWouldBlock if flags.NonBlocking is set and the allocator's
// bookkeeping lock is already held.
func (a *PageAllocator) Alloc(class PageClass, objectAlignmentShift uint32, flags AllocFlags) (*Page, error) {
	size := a.pageSize(class)

	m, err := mmap.NewAnon(int(size), true)
	if err != nil {
		return nil, WrapError(ErrDestinationExhausted, err)
	}

	if flags.NonBlocking {
		if !a.mu.TryLock() {
			m.Close()
			return nil, NewError(ErrWouldBlock)
		}
	} else {
		a.mu.Lock()
	}
	if a.offsetCursor+size > a.cfg.OffsetMax {
		a.mu.Unlock()
		m.Close()
		return nil, NewError(ErrDestinationExhausted)
	}
	a.mmaps = append(a.mmaps, m)
	offset := a.reserveOffsetRangeLocked(size)
	a.mu.Unlock()

	p := NewPage(offset, size, class, objectAlignmentShift, m.Data())
	if flags.NoChangeTop {
		p.IncTop(size)
	}
	return p, nil
}

// reserveOffsetRangeLocked hands out the next granule-aligned offset
// range of the given size from a monotonically increasing cursor. A
// real collector's page allocator draws offsets from its own
// free-region tracker; the reference allocator only needs
// non-overlapping, granule-aligned ranges within OffsetMax for the
// Fragment subsystem to index correctly. Callers hold a.mu.
func (a *PageAllocator) reserveOffsetRangeLocked(size uint64) RawOffset {
	start := a.offsetCursor
	a.offsetCursor += size
	if a.offsetCursor > a.cfg.OffsetMax {
		fatalf("page allocator exhausted OffsetMax=%d", a.cfg.OffsetMax)
	}
	return RawOffset(start)
}

// RemainingOffsetSpace returns how many bytes of OffsetMax are still
// unreserved. A relocation-set populator consults this before
// allocating any destination pages, to fail fast on a worst-case
// estimate rather than getting partway through a population pass and
// leaving some fragments pinned and others not (spec.md §7 option (a),
// pre-reservation).
func (a *PageAllocator) RemainingOffsetSpace() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.offsetCursor >= a.cfg.OffsetMax {
		return 0
	}
	return a.cfg.OffsetMax - a.offsetCursor
}

// Free releases a page's backing mapping. reclaimed mirrors spec.md
// §6's free_page(page, reclaimed) signature; zfrag's reference
// allocator does not distinguish reclaimed vs. discarded pages since
// it has no free-list to return them to.
func (a *PageAllocator) Free(p *Page, reclaimed bool) {
	_ = reclaimed
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, m := range a.mmaps {
		if len(m.Data()) > 0 && p.data != nil && &m.Data()[0] == &p.data[0] {
			m.Close()
			a.mmaps = append(a.mmaps[:i], a.mmaps[i+1:]...)
			return
		}
	}
}

// Close unmaps every page this allocator ever created. Callers must
// ensure no Fragment still references a Page before calling Close.
func (a *PageAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, m := range a.mmaps {
		if err := m.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.mmaps = nil
	return firstErr
}

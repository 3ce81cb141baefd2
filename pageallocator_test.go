package zfrag

import "testing"

func TestPageAllocatorAllocReservesDisjointOffsets(t *testing.T) {
	cfg := NewConfig(WithGranuleSize(4096), WithMediumPageGranules(4), WithOffsetMax(4096*16))
	alloc := NewPageAllocator(cfg)
	defer alloc.Close()

	p0, err := alloc.Alloc(ClassSmall, MinObjectAlignmentShift, AllocFlags{})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	p1, err := alloc.Alloc(ClassSmall, MinObjectAlignmentShift, AllocFlags{})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if p0.Start() == p1.Start() {
		t.Fatal("expected distinct offsets for successive allocations")
	}
	if got := p1.Start(); uint64(got) < uint64(p0.Start())+p0.Size() {
		t.Fatalf("second page %d overlaps first page [%d,+%d)", got, p0.Start(), p0.Size())
	}
}

func TestPageAllocatorAllocNoChangeTop(t *testing.T) {
	cfg := NewConfig(WithGranuleSize(4096), WithMediumPageGranules(4), WithOffsetMax(4096*4))
	alloc := NewPageAllocator(cfg)
	defer alloc.Close()

	p, err := alloc.Alloc(ClassSmall, MinObjectAlignmentShift, AllocFlags{NoChangeTop: true})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, ok := p.AllocObject(8); ok {
		t.Fatal("expected a pre-filled (NoChangeTop) page to reject further bump allocation")
	}
}

// TestPageAllocatorAllocNonBlockingWouldBlock exercises AllocFlags.NonBlocking:
// once the allocator's bookkeeping lock is held, a non-blocking caller
// must fail immediately with ErrWouldBlock rather than wait.
func TestPageAllocatorAllocNonBlockingWouldBlock(t *testing.T) {
	cfg := NewConfig(WithGranuleSize(4096), WithMediumPageGranules(4), WithOffsetMax(4096*4))
	alloc := NewPageAllocator(cfg)
	defer alloc.Close()

	alloc.mu.Lock()
	defer alloc.mu.Unlock()

	_, err := alloc.Alloc(ClassSmall, MinObjectAlignmentShift, AllocFlags{NonBlocking: true})
	if !Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

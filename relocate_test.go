package zfrag

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// countingSizer wraps a fakeSizer and counts ObjectSize calls, so
// tests can assert the per-entry copy loop ran exactly once no matter
// how many callers raced to trigger it (spec.md §8 scenario S5).
type countingSizer struct {
	inner *fakeSizer
	calls atomic.Int64
}

func (s *countingSizer) ObjectSize(c ColouredAddr) (uint32, error) {
	s.calls.Add(1)
	return s.inner.ObjectSize(c)
}

// newBackedFragment builds a Fragment whose source page has real byte
// storage (unlike newTestFragment's nil-backed page), so copies can be
// observed.
func newBackedFragment(t *testing.T, oldSize uint64) *Fragment {
	t.Helper()
	data := make([]byte, oldSize)
	page := NewPage(RawOffset(0x10_000_000), oldSize, ClassSmall, MinObjectAlignmentShift, data)
	return CreateFragment(page, page.Start(), oldSize, MinObjectAlignmentShift)
}

// TestRelocateObjectCopiesBytes mirrors scenario S2: one object is
// relocated and its bytes land at the destination fragment.ToOffset
// predicts.
func TestRelocateObjectCopiesBytes(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	f := newBackedFragment(t, 4096)
	lm := NewLiveMap(uint32(4096 / WordSize))
	lm.MarkLive(0)

	pattern := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	copy(f.OldPage().Bytes(f.OldStart(), 16), pattern)

	sizer := &fakeSizer{sizes: map[RawOffset]uint32{f.OldStart(): 16}}
	pop := NewPopulator(alloc, DefaultColorer, sizer)
	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	cfg := NewConfig(WithWorkerCount(1))
	rel := NewRelocator(cfg, sizer, alloc)

	to, err := rel.RelocateObject(f, DefaultColorer.Good(f.OldStart()))
	if err != nil {
		t.Fatalf("RelocateObject failed: %v", err)
	}
	toOffset := DefaultColorer.Offset(to)
	if toOffset != f.newPagePrimary.Start() {
		t.Fatalf("to_offset = %d, want %d", toOffset, f.newPagePrimary.Start())
	}
	got := f.newPagePrimary.Bytes(toOffset, 16)
	for i, b := range pattern {
		if got[i] != b {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], b)
		}
	}
	if !f.Find(f.OldStart()).Copied() {
		t.Fatal("expected entry to be marked copied")
	}
}

// TestRelocateObjectIdempotent verifies the copy loop runs exactly
// once across repeated calls for the same entry.
func TestRelocateObjectIdempotent(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	f := newBackedFragment(t, 4096)
	lm := NewLiveMap(uint32(4096 / WordSize))
	lm.MarkLive(0)

	inner := &fakeSizer{sizes: map[RawOffset]uint32{f.OldStart(): 16}}
	sizer := &countingSizer{inner: inner}
	pop := NewPopulator(alloc, DefaultColorer, sizer)
	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	cfg := NewConfig(WithWorkerCount(1))
	rel := NewRelocator(cfg, sizer, alloc)

	coloured := DefaultColorer.Good(f.OldStart())
	first, err := rel.RelocateObject(f, coloured)
	if err != nil {
		t.Fatalf("first RelocateObject failed: %v", err)
	}
	callsAfterFirst := sizer.calls.Load()
	if callsAfterFirst == 0 {
		t.Fatal("expected the copy loop to consult the sizer at least once")
	}

	second, err := rel.RelocateObject(f, coloured)
	if err != nil {
		t.Fatalf("second RelocateObject failed: %v", err)
	}
	if first != second {
		t.Fatalf("idempotence violated: first=%d second=%d", first, second)
	}
	if sizer.calls.Load() != callsAfterFirst {
		t.Fatalf("expected no further sizer calls once copied, got %d new", sizer.calls.Load()-callsAfterFirst)
	}
}

// TestRelocateObjectConcurrentRace mirrors scenario S5: many goroutines
// race to relocate the same object; exactly one performs the entry's
// copy loop and all observe the same destination address.
func TestRelocateObjectConcurrentRace(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	f := newBackedFragment(t, 4096)
	lm := NewLiveMap(uint32(4096 / WordSize))
	lm.MarkLive(0)
	lm.MarkLive(4)

	inner := &fakeSizer{sizes: map[RawOffset]uint32{
		f.OldStart():         16,
		f.OldStart().Add(32): 16,
	}}
	sizer := &countingSizer{inner: inner}
	pop := NewPopulator(alloc, DefaultColorer, sizer)
	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	// Populate consults the same sizer; only the copy's calls count.
	populateCalls := sizer.calls.Load()

	cfg := NewConfig(WithWorkerCount(1))
	rel := NewRelocator(cfg, sizer, alloc)
	coloured := DefaultColorer.Good(f.OldStart())

	const racers = 32
	results := make([]ColouredAddr, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rel.RelocateObject(f, coloured)
		}(i)
	}
	wg.Wait()

	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("racer %d returned %d, want %d", i, results[i], results[0])
		}
	}
	// Two objects live in the entry; the sizer must have been consulted
	// exactly twice by the copy, regardless of how many goroutines raced in.
	if got := sizer.calls.Load() - populateCalls; got != 2 {
		t.Fatalf("expected exactly 2 sizer calls across all racers, got %d", got)
	}
}

// TestForwardObjectAfterCopied mirrors spec.md's "forward_object ==
// relocate_object once copied is true" round-trip law.
func TestForwardObjectAfterCopied(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	f := newBackedFragment(t, 4096)
	lm := NewLiveMap(uint32(4096 / WordSize))
	lm.MarkLive(0)

	sizer := &fakeSizer{sizes: map[RawOffset]uint32{f.OldStart(): 16}}
	pop := NewPopulator(alloc, DefaultColorer, sizer)
	if err := pop.Populate(f, lm, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}

	cfg := NewConfig(WithWorkerCount(1))
	rel := NewRelocator(cfg, sizer, alloc)
	coloured := DefaultColorer.Good(f.OldStart())

	relocated, err := rel.RelocateObject(f, coloured)
	if err != nil {
		t.Fatalf("RelocateObject failed: %v", err)
	}
	forwarded := rel.ForwardObject(f, coloured)
	if forwarded != relocated {
		t.Fatalf("ForwardObject = %d, want %d", forwarded, relocated)
	}
}

// TestRelocateEndToEnd drives the full worker-pool pipeline over an
// empty fragment (S1) and a populated one (S2), checking that both end
// up decommissioned and that the live object's bytes were copied.
func TestRelocateEndToEnd(t *testing.T) {
	alloc := newTestAllocator(t, 4096)
	defer alloc.Close()

	empty := newBackedFragment(t, 4096)
	emptyLM := NewLiveMap(uint32(4096 / WordSize))

	live := newBackedFragment(t, 4096)
	liveLM := NewLiveMap(uint32(4096 / WordSize))
	liveLM.MarkLive(0)
	pattern := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	copy(live.OldPage().Bytes(live.OldStart(), 8), pattern)

	sizer := &fakeSizer{sizes: map[RawOffset]uint32{
		empty.OldStart(): 0, // never consulted; empty fragment has no live words
		live.OldStart():  8,
	}}
	pop := NewPopulator(alloc, DefaultColorer, sizer)
	if err := pop.Populate(empty, emptyLM, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate(empty) failed: %v", err)
	}
	if err := pop.Populate(live, liveLM, ClassSmall, MinObjectAlignmentShift); err != nil {
		t.Fatalf("Populate(live) failed: %v", err)
	}

	cfg := NewConfig(WithWorkerCount(2))
	rel := NewRelocator(cfg, sizer, alloc)

	tasks := []RelocationTask{
		{Fragment: empty, LiveMap: emptyLM},
		{Fragment: live, LiveMap: liveLM},
	}
	if err := rel.Relocate(context.Background(), tasks); err != nil {
		t.Fatalf("Relocate failed: %v", err)
	}

	if empty.State() != FragmentDecommissioned {
		t.Fatal("empty fragment must be decommissioned after relocation")
	}
	if live.State() != FragmentDecommissioned {
		t.Fatal("live fragment must be decommissioned after relocation")
	}
	got := live.newPagePrimary.Bytes(live.newPagePrimary.Start(), 8)
	for i, b := range pattern {
		if got[i] != b {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], b)
		}
	}
}

package spill

import (
	"sync"

	"github.com/Giulio2002/zfrag/mmap"
)

// DefaultInitialCap is the default initial capacity (number of slots) per segment.
const DefaultInitialCap = 1024

// DefaultMaxSegments is the maximum number of segments (limits total capacity).
const DefaultMaxSegments = 256

// segment is a single anonymous mapping carved into fixed-size slots.
type segment struct {
	mmap  *mmap.Map
	slots *slotAllocator
	cap   uint32
}

// Buffer is a pool of fixed-size slots, each large enough to hold one
// object, carved out of anonymous memory mappings and grown one segment
// at a time. The zfrag Relocator does not use it: objects are copied
// straight from source to destination pages. Backed by anonymous
// mappings rather than a file, since the slots hold no state that needs
// to survive a crash, unlike the dirty-page spill area this type
// began as.
type Buffer struct {
	mu         sync.Mutex
	slotSize   uint32
	segmentCap uint32 // Capacity per segment
	segments   []*segment
	curSegment int // Current segment for allocations
	totalAlloc uint32
}

// Slot identifies an allocated slot within the buffer.
type Slot struct {
	SegmentIdx uint16
	SlotIdx    uint16
}

// New creates a bounce buffer. slotSize is the size of each slot in
// bytes (must be at least as large as the largest object that can be
// relocated); initialCap is the initial number of slots per segment.
func New(slotSize, initialCap uint32) (*Buffer, error) {
	if initialCap == 0 {
		initialCap = DefaultInitialCap
	}

	b := &Buffer{
		slotSize:   slotSize,
		segmentCap: initialCap,
		segments:   make([]*segment, 0, 4),
	}

	if err := b.addSegment(); err != nil {
		return nil, err
	}

	return b, nil
}

// addSegment creates a new anonymous-mapping segment.
func (b *Buffer) addSegment() error {
	if len(b.segments) >= DefaultMaxSegments {
		return ErrBufferFull
	}

	size := int(b.segmentCap) * int(b.slotSize)
	m, err := mmap.NewAnon(size, true)
	if err != nil {
		return err
	}

	seg := &segment{
		mmap:  m,
		slots: newSlotAllocator(b.segmentCap),
		cap:   b.segmentCap,
	}
	b.segments = append(b.segments, seg)
	return nil
}

// Close releases every segment's mapping.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, seg := range b.segments {
		if err := seg.mmap.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.segments = nil
	return firstErr
}

// Allocate reserves a slot and returns its backing bytes. Automatically
// extends the buffer by adding a new segment if every existing segment
// is full.
func (b *Buffer) Allocate() ([]byte, *Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.curSegment < len(b.segments) {
		seg := b.segments[b.curSegment]
		slotIdx, ok := seg.slots.allocate()
		if ok {
			b.totalAlloc++
			return b.slotBytes(seg, slotIdx), &Slot{SegmentIdx: uint16(b.curSegment), SlotIdx: uint16(slotIdx)}, nil
		}
		b.curSegment++
	}

	if err := b.addSegment(); err != nil {
		return nil, nil, err
	}

	seg := b.segments[b.curSegment]
	slotIdx, ok := seg.slots.allocate()
	if !ok {
		return nil, nil, ErrBufferFull
	}
	b.totalAlloc++
	return b.slotBytes(seg, slotIdx), &Slot{SegmentIdx: uint16(b.curSegment), SlotIdx: uint16(slotIdx)}, nil
}

func (b *Buffer) slotBytes(seg *segment, slotIdx uint32) []byte {
	offset := int(slotIdx) * int(b.slotSize)
	return seg.mmap.Data()[offset : offset+int(b.slotSize)]
}

// Get returns the bytes backing slot, or nil if slot does not
// currently name an allocated slot.
func (b *Buffer) Get(slot *Slot) []byte {
	if slot == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot.SegmentIdx) >= len(b.segments) {
		return nil
	}
	seg := b.segments[slot.SegmentIdx]
	if uint32(slot.SlotIdx) >= seg.cap {
		return nil
	}
	if !seg.slots.set.Test(uint32(slot.SlotIdx)) {
		return nil
	}
	return b.slotBytes(seg, uint32(slot.SlotIdx))
}

// Release returns a slot to the pool.
func (b *Buffer) Release(slot *Slot) {
	if slot == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if int(slot.SegmentIdx) >= len(b.segments) {
		return
	}
	seg := b.segments[slot.SegmentIdx]
	seg.slots.free(uint32(slot.SlotIdx))
	b.totalAlloc--

	if int(slot.SegmentIdx) < b.curSegment {
		b.curSegment = int(slot.SegmentIdx)
	}
}

// ReleaseBulk returns multiple slots to the pool, e.g. once a whole
// relocation task's bounced objects have all been re-copied onto their
// real destination pages.
func (b *Buffer) ReleaseBulk(slots []*Slot) {
	if len(slots) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	minSeg := b.curSegment
	for _, slot := range slots {
		if slot == nil || int(slot.SegmentIdx) >= len(b.segments) {
			continue
		}
		seg := b.segments[slot.SegmentIdx]
		seg.slots.free(uint32(slot.SlotIdx))
		b.totalAlloc--
		if int(slot.SegmentIdx) < minSeg {
			minSeg = int(slot.SegmentIdx)
		}
	}
	b.curSegment = minSeg
}

// Clear releases every slot without closing the buffer's mappings.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, seg := range b.segments {
		seg.slots.clear()
	}
	b.curSegment = 0
	b.totalAlloc = 0
}

// Capacity returns the total capacity in number of slots.
func (b *Buffer) Capacity() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint32(len(b.segments)) * b.segmentCap
}

// AllocatedCount returns the number of allocated slots.
func (b *Buffer) AllocatedCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalAlloc
}

// SlotSize returns the size in bytes of each slot.
func (b *Buffer) SlotSize() uint32 {
	return b.slotSize
}

// ErrBufferFull is returned when DefaultMaxSegments has been reached
// and no further segment can be added.
var ErrBufferFull = &Error{"buffer full (max segments reached)"}

// Error is the spill package's error type.
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return "spill: " + e.msg
}

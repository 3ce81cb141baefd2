package zfrag

import "github.com/Giulio2002/zfrag/internal/bitset"

// LiveMap is the bitmap iterator over marked objects in a source page
// (spec.md §2/§4.5): one bit per object-alignment granule, set for
// every live object's starting word. A real collector's LiveMap is
// filled by the mark phase; zfrag's reference LiveMap only needs to
// support population and iteration, so it is a thin wrapper over
// internal/bitset.Set with segment-shaped accessors matching spec.md
// §6's external-interface shape (first_live_segment, next_live_segment,
// segment_start/end, get_next_one_offset).
type LiveMap struct {
	bits *bitset.Set
}

// NewLiveMap creates a LiveMap over numWords object-alignment words.
func NewLiveMap(numWords uint32) *LiveMap {
	return &LiveMap{bits: bitset.New(numWords)}
}

// MarkLive records a live object starting at the given word index.
func (m *LiveMap) MarkLive(wordIndex uint32) {
	m.bits.Set(wordIndex)
}

// IsLive reports whether the given word index starts a live object.
func (m *LiveMap) IsLive(wordIndex uint32) bool {
	return m.bits.Test(wordIndex)
}

// Segment is a maximal run of contiguous live-object-start bits,
// expressed in word indices [Start, End).
type Segment = bitset.Run

// FirstLiveSegment returns the first live segment at or after the
// given word index.
func (m *LiveMap) FirstLiveSegment(from uint32) (Segment, bool) {
	return m.bits.NextRun(from)
}

// NextLiveSegment returns the next live segment after seg.
func (m *LiveMap) NextLiveSegment(seg Segment) (Segment, bool) {
	return m.bits.NextRun(seg.End)
}

// SegmentStart returns a segment's first word index.
func (m *LiveMap) SegmentStart(seg Segment) uint32 { return seg.Start }

// SegmentEnd returns a segment's one-past-last word index.
func (m *LiveMap) SegmentEnd(seg Segment) uint32 { return seg.End }

// GetNextOneOffset returns the word index of the next live bit in
// [from, to), or to if none exists, matching spec.md §6's
// get_next_one_offset(from, to) helper used by the populate loop to
// walk from one live object to the next without visiting dead words.
func (m *LiveMap) GetNextOneOffset(from, to uint32) uint32 {
	bit, ok := m.bits.NextSet(from)
	if !ok || bit >= to {
		return to
	}
	return bit
}

package spill

import "github.com/Giulio2002/zfrag/internal/bitset"

// slotAllocator tracks which bounce-buffer slots are in use, built on
// top of the shared word-packed bitset rather than keeping its own
// copy of the bit-scan logic.
type slotAllocator struct {
	set      *bitset.Set
	freeHint uint32
}

func newSlotAllocator(numSlots uint32) *slotAllocator {
	return &slotAllocator{set: bitset.New(numSlots)}
}

// allocate finds and marks a free slot.
func (a *slotAllocator) allocate() (uint32, bool) {
	slot, ok := a.set.NextClear(a.freeHint)
	if !ok {
		slot, ok = a.set.NextClear(0)
		if !ok {
			return 0, false
		}
	}
	a.set.Set(slot)
	a.freeHint = slot + 1
	return slot, true
}

// free returns a slot to the pool.
func (a *slotAllocator) free(slot uint32) {
	a.set.Clear(slot)
	if slot < a.freeHint {
		a.freeHint = slot
	}
}

// clear releases every slot.
func (a *slotAllocator) clear() {
	a.set.ClearAll()
	a.freeHint = 0
}

// count returns the number of allocated slots.
func (a *slotAllocator) count() uint32 { return a.set.Count() }

// capacity returns the total number of slots tracked.
func (a *slotAllocator) capacity() uint32 { return a.set.Len() }

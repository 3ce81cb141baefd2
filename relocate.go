package zfrag

import (
	"context"
	"sync"
)

// RelocationTask pairs a populated Fragment with the LiveMap that was
// used to populate it; the Relocator re-walks the same LiveMap to
// drive the per-entry copy loop (spec.md §4.4 "iterates live objects
// of the source page via LiveMap").
type RelocationTask struct {
	Fragment *Fragment
	LiveMap  *LiveMap
}

// Relocator is the worker task described in spec.md §4.4: it hands
// Fragments out to a pool of goroutines, each of which copies every
// live object of its Fragment's source page to its predetermined
// destination and releases the Fragment once done.
type Relocator struct {
	colorer     Colorer
	sizer       ObjectSizer
	allocator   *PageAllocator
	workerCount int
}

// NewRelocator creates a Relocator. cfg supplies the colorer and
// worker-pool size; sizer reads object sizes from the in-heap header;
// allocator reclaims source pages on final release.
func NewRelocator(cfg Config, sizer ObjectSizer, allocator *PageAllocator) *Relocator {
	colorer := cfg.Colorer
	if colorer == nil {
		colorer = DefaultColorer
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	return &Relocator{colorer: colorer, sizer: sizer, allocator: allocator, workerCount: workers}
}

// RelocateObject ensures the live object at fromColoured has been
// copied to its destination and returns the coloured destination
// address (spec.md §4.4 "relocate_object"): an at-most-once copy
// protocol whose unit of atomicity is the FragmentEntry, not the
// individual object.
func (r *Relocator) RelocateObject(fragment *Fragment, fromColoured ColouredAddr) (ColouredAddr, error) {
	fromOffset := r.colorer.Offset(fromColoured)
	entry := fragment.Find(fromOffset)
	toOffset := fragment.ToOffset(fromOffset)

	if entry.Copied() {
		return r.colorer.Good(toOffset), nil
	}

	fragment.lock()
	defer fragment.unlock()

	if entry.Copied() {
		// Another thread finished this entry while we waited for the lock.
		return r.colorer.Good(toOffset), nil
	}

	idx := fragment.OffsetToIndex(fromOffset)
	cursor := 0
	for {
		startInternal, ok := entry.NextLiveObject(&cursor)
		if !ok {
			break
		}
		objFrom := fragment.FromOffset(idx, startInternal)
		size, err := r.sizer.ObjectSize(r.colorer.Good(objFrom))
		if err != nil {
			return 0, err
		}
		objTo := fragment.ToOffset(objFrom)
		r.copyObject(fragment, objFrom, objTo, uint64(size))
	}

	entry.SetCopied()
	return r.colorer.Good(toOffset), nil
}

// copyObject moves one object's bytes from the source page to its
// destination page (spec.md §6 "object_copy"). Tests construct Pages
// with nil backing storage, in which case the copy is a no-op: only
// the offset arithmetic is under test there, never the bytes.
func (r *Relocator) copyObject(fragment *Fragment, from, to RawOffset, size uint64) {
	src := fragment.OldPage()
	dst := fragment.DestinationPage(from)
	if src.Data() == nil || dst.Data() == nil {
		return
	}
	copy(dst.Bytes(to, size), src.Bytes(from, size))
}

// ForwardObject returns the coloured destination address for an
// object whose entry is already known to be copied, without taking
// the copy lock or touching memory (spec.md §4.4 "forward_object").
// Callers are responsible for only invoking it once `copied` has been
// observed true for the object's entry.
func (r *Relocator) ForwardObject(fragment *Fragment, fromColoured ColouredAddr) ColouredAddr {
	fromOffset := r.colorer.Offset(fromColoured)
	return r.colorer.Good(fragment.ToOffset(fromOffset))
}

// Relocate runs tasks across the Relocator's worker pool (spec.md §5
// "multiple parallel worker threads"). Each task's Fragment carries
// the single reference established at create() (spec.md §9 resolved
// refcount convention: "create = 1, insert does not retain"); the
// worker's end-of-loop release (unless the Fragment ended up pinned)
// is the matching release for that reference, bringing a Fragment
// with no other concurrent holder straight to Decommissioned — the
// same single create/release pair scenario S1 describes. Retain/
// Release remain available for callers (e.g. a concurrent
// remembered-set scan) that need to hold their own extra reference
// across a Relocate call. Returns the first error encountered, if
// any; ctx cancellation stops dispatching further tasks but does not
// abort in-flight copies.
func (r *Relocator) Relocate(ctx context.Context, tasks []RelocationTask) error {
	ch := make(chan RelocationTask)
	var wg sync.WaitGroup
	errOnce := make(chan error, 1)

	for i := 0; i < r.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range ch {
				r.runTask(task, errOnce)
			}
		}()
	}

dispatch:
	for _, t := range tasks {
		select {
		case ch <- t:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(ch)
	wg.Wait()

	select {
	case err := <-errOnce:
		return err
	default:
		return nil
	}
}

// runTask executes one Fragment's relocation loop and performs the
// matching release (spec.md §4.4: "worker iterates live objects ...
// then, if the Fragment is not pinned, calls release()").
func (r *Relocator) runTask(task RelocationTask, errOnce chan<- error) {
	fragment, liveMap := task.Fragment, task.LiveMap
	entry := log.WithField("fragment", fragment.OldStart())

	numWords := uint32(fragment.OldSize() >> WordShift)
	var bytesRelocated uint64
	cur := uint32(0)
	for {
		next := liveMap.GetNextOneOffset(cur, numWords)
		if next >= numWords {
			break
		}
		cur = next

		from := fragment.wordOffset(cur)
		coloured := r.colorer.Good(from)
		size, err := r.sizer.ObjectSize(coloured)
		if err != nil {
			select {
			case errOnce <- err:
			default:
			}
			break
		}
		if _, err := r.RelocateObject(fragment, coloured); err != nil {
			select {
			case errOnce <- err:
			default:
			}
			break
		}
		bytesRelocated += uint64(size)
		cur += uint32(size) / WordSize
	}

	entry.WithField("bytes_relocated", bytesRelocated).
		WithField("pinned", fragment.Pinned()).
		Debug("fragment relocation pass complete")

	if !fragment.Pinned() {
		fragment.Release(r.allocator)
	}
}

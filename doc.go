// Package zfrag implements the compaction/relocation core of a
// region-based concurrent garbage collector.
//
// The heap is divided into fixed-size regions ("pages") of a few size
// classes. After marking, a subset of pages is selected for eviction:
// their live objects are copied into fresh destination pages and every
// pointer into the old page is redirected to the new location. zfrag
// provides the data structures and protocol that make this relocation
// concurrent with mutator execution and idempotent under racing
// relocators:
//
//   - FragmentEntry: a packed 64-bit summary of a 256-byte source slice
//   - Fragment: a per-source-page relocation descriptor
//   - FragmentTable: a granule-indexed address range index
//   - Relocator: the worker task that performs at-most-once copies
//
// Marking, relocation-set selection policy, the page allocator, the
// worker pool scheduler, root iteration and the address-coloring load
// barrier are treated as external collaborators with narrow
// interfaces; zfrag provides reference implementations of the simplest
// ones (Page, PageAllocator, LiveMap) so the core can be exercised
// end-to-end, but a production collector may swap them out.
//
// Basic usage:
//
//	alloc := zfrag.NewPageAllocator(cfg)
//	defer alloc.Close()
//
//	table := zfrag.NewFragmentTable(cfg)
//	populator := zfrag.NewPopulator(alloc, zfrag.DefaultColorer, sizer)
//	set := zfrag.NewRelocationSet(populator, table)
//	if err := set.Populate(mediumPages, smallPages, zfrag.MinObjectAlignmentShift); err != nil {
//	    log.Fatal(err)
//	}
//
//	rel := zfrag.NewRelocator(cfg, sizer, alloc)
//	rel.Relocate(context.Background(), set.Tasks())
package zfrag

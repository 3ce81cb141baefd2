package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	zfrag "github.com/Giulio2002/zfrag"
	"github.com/Giulio2002/zfrag/record"
)

var (
	runGranuleSize    uint64
	runMediumGranules uint64
	runSmallPages     int
	runMediumPages    int
	runObjectSize     uint32
	runLiveObjects    int
	runWorkers        int
	runCycleID        uint64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Populate and relocate a synthetic heap of small and medium pages",
	RunE:  runCycle,
}

func init() {
	runCmd.Flags().Uint64VarP(&runGranuleSize, "granule-size", "g", 4096, "granule size in bytes (also the small page size)")
	runCmd.Flags().Uint64Var(&runMediumGranules, "medium-granules", 4, "granules per medium page")
	runCmd.Flags().IntVar(&runSmallPages, "small-pages", 4, "number of synthetic small source pages")
	runCmd.Flags().IntVar(&runMediumPages, "medium-pages", 2, "number of synthetic medium source pages")
	runCmd.Flags().Uint32Var(&runObjectSize, "object-size", 64, "size in bytes of every synthetic live object")
	runCmd.Flags().IntVar(&runLiveObjects, "live-per-page", 8, "live objects marked per source page")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 4, "relocator worker pool size")
	runCmd.Flags().Uint64Var(&runCycleID, "cycle-id", 1, "cycle id to record results under")

	rootCmd.AddCommand(runCmd)
}

// syntheticPage builds an old (source) page filled with a recognisable
// byte pattern, plus a LiveMap marking liveObjects evenly spaced
// objects as live, standing in for the mark phase's output.
func syntheticPage(start zfrag.RawOffset, size uint64, class zfrag.PageClass, objectSize uint32, liveObjects int, pattern byte) (zfrag.CandidatePage, int) {
	data := make([]byte, size)
	for i := range data {
		data[i] = pattern
	}
	page := zfrag.NewPage(start, size, class, zfrag.MinObjectAlignmentShift, data)
	liveMap := zfrag.NewLiveMap(uint32(size / zfrag.WordSize))

	wordsPerObject := objectSize / zfrag.WordSize
	numWords := uint32(size / zfrag.WordSize)
	marked := 0
	for i := 0; i < liveObjects; i++ {
		word := uint32(i) * wordsPerObject
		if word+wordsPerObject > numWords {
			break
		}
		liveMap.MarkLive(word)
		marked++
	}
	return zfrag.CandidatePage{Page: page, LiveMap: liveMap}, marked
}

func runCycle(cmd *cobra.Command, args []string) error {
	mediumSize := runGranuleSize * runMediumGranules
	oldBytes := uint64(runSmallPages)*runGranuleSize + uint64(runMediumPages)*mediumSize
	offsetMax := oldBytes*4 + runGranuleSize

	cfg := zfrag.NewConfig(
		zfrag.WithGranuleSize(runGranuleSize),
		zfrag.WithMediumPageGranules(runMediumGranules),
		zfrag.WithOffsetMax(offsetMax),
		zfrag.WithWorkerCount(runWorkers),
	)

	alloc := zfrag.NewPageAllocator(cfg)
	defer alloc.Close()
	table := zfrag.NewFragmentTable(cfg)
	sizer := constSizer{size: runObjectSize}
	populator := zfrag.NewPopulator(alloc, zfrag.DefaultColorer, sizer)
	rs := zfrag.NewRelocationSet(populator, table)

	// Source pages live in the upper half of the offset space; the
	// allocator hands out destination pages from zero upward, so the
	// two regions never alias even though both are indexed within the
	// same FragmentTable.
	oldCursor := zfrag.RawOffset(offsetMax / 2)
	var totalLive int

	group0 := make([]zfrag.CandidatePage, 0, runMediumPages)
	for i := 0; i < runMediumPages; i++ {
		cand, marked := syntheticPage(oldCursor, mediumSize, zfrag.ClassMedium, runObjectSize, runLiveObjects, byte('A'+i))
		oldCursor = oldCursor.Add(mediumSize)
		totalLive += marked
		group0 = append(group0, cand)
	}

	group1 := make([]zfrag.CandidatePage, 0, runSmallPages)
	for i := 0; i < runSmallPages; i++ {
		cand, marked := syntheticPage(oldCursor, runGranuleSize, zfrag.ClassSmall, runObjectSize, runLiveObjects, byte('a'+i))
		oldCursor = oldCursor.Add(runGranuleSize)
		totalLive += marked
		group1 = append(group1, cand)
	}

	if err := rs.Populate(group0, group1, zfrag.MinObjectAlignmentShift); err != nil {
		return fmt.Errorf("populate relocation set: %w", err)
	}

	relocator := zfrag.NewRelocator(cfg, sizer, alloc)
	if err := relocator.Relocate(context.Background(), rs.Tasks()); err != nil {
		return fmt.Errorf("relocate: %w", err)
	}

	stats := record.CycleStats{
		CycleID:        runCycleID,
		Fragments:      len(rs.Fragments()),
		BytesRelocated: uint64(totalLive) * uint64(runObjectSize),
	}
	for _, f := range rs.Fragments() {
		if f.Pinned() {
			stats.PinnedCount++
		}
		if f.HasPageBreak() {
			stats.PageBreaks++
		}
	}

	rec, err := record.Open(storePath)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer rec.Close()
	if err := rec.Record(stats); err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}

	log.WithField("fragments", stats.Fragments).
		WithField("bytes_relocated", stats.BytesRelocated).
		WithField("pinned", stats.PinnedCount).
		WithField("page_breaks", stats.PageBreaks).
		Info("cycle complete")
	return nil
}

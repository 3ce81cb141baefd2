package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Giulio2002/zfrag/record"
)

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Print the recorded cycle results with the highest cycle ids",
	RunE:  runRecent,
}

func init() {
	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 10, "maximum number of cycles to print")
	rootCmd.AddCommand(recentCmd)
}

func runRecent(cmd *cobra.Command, args []string) error {
	rec, err := record.Open(storePath)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer rec.Close()

	cycles, err := rec.Recent(recentLimit)
	if err != nil {
		return fmt.Errorf("read recent cycles: %w", err)
	}
	if len(cycles) == 0 {
		fmt.Println("no recorded cycles")
		return nil
	}

	for _, c := range cycles {
		fmt.Printf("cycle %d: fragments=%d bytes_relocated=%d pinned=%d page_breaks=%d\n",
			c.CycleID, c.Fragments, c.BytesRelocated, c.PinnedCount, c.PageBreaks)
	}
	return nil
}

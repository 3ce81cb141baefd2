// Command zfragdemo drives one synthetic relocation cycle end to end —
// candidate page selection, population, relocation, and result
// recording — against an in-process zfrag core, so the package's
// pieces can be exercised and inspected without a real collector
// wired around them.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	zfrag "github.com/Giulio2002/zfrag"
)

var log = logrus.StandardLogger().WithField("component", "zfragdemo")

var rootCmd = &cobra.Command{
	Use:     "zfragdemo",
	Short:   "Exercise the zfrag relocation core against a synthetic heap",
	Version: "0.1.0",
}

// constSizer stands in for the real in-heap object header: every
// synthetic object on the demo heap is the same size.
type constSizer struct {
	size uint32
}

func (s constSizer) ObjectSize(zfrag.ColouredAddr) (uint32, error) {
	return s.size, nil
}

var storePath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&storePath, "store", "o", "zfragdemo.db", "bbolt database recording cycle results")
}

// Execute runs the demo CLI; main's only job is to call this and
// translate a returned error into a process exit code.
func Execute() error {
	return rootCmd.Execute()
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "zfragdemo: %v\n", err)
		os.Exit(1)
	}
}

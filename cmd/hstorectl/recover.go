package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newRecoverCmd())
}

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run restart recovery",
		Long: `The recover command reconstitutes the heap after a crash: it reopens
every region, rebuilds free space from the allocation bitmaps, resolves the
allocations in flight and disarms all records. Pass --verbose to see the
recovered size distribution.

Example:
  hstorectl recover --dir /mnt/pmem0/store -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd.Context())
		},
	}
}

func runRecover(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h, _, err := openHeap(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	st := collectStats(h)
	if jsonOut {
		return printJSON(st)
	}
	printInfo("Recovered %d region(s), %s of %s allocated\n",
		len(st.Regions), humanize.IBytes(st.Allocated), humanize.IBytes(st.Capacity))
	for _, s := range st.Histograms {
		if s.Name == "inject" {
			printInfo("  %s live runs\n", humanize.Comma(s.Count))
		}
	}
	if verbose {
		printHistograms(st.Histograms)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/joshuapare/hstore/heap"
)

var statsProm bool

func init() {
	cmd := newStatsCmd()
	cmd.Flags().BoolVar(&statsProm, "prom", false, "Print Prometheus text exposition instead")
	rootCmd.AddCommand(cmd)
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show heap statistics",
		Long: `The stats command opens the heap, which runs restart recovery, and
shows capacity, allocation and free space figures per region.

Example:
  hstorectl stats --dir /mnt/pmem0/store
  hstorectl stats --json
  hstorectl stats --prom`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context())
		},
	}
}

type RegionInfo struct {
	Ordinal  int    `json:"ordinal"`
	ID       uint64 `json:"id"`
	Size     uint64 `json:"size"`
	NumaNode int    `json:"numa_node"`
}

type HeapStats struct {
	Pool        uint64                  `json:"pool"`
	Grain       uint64                  `json:"grain"`
	Capacity    uint64                  `json:"capacity"`
	Allocated   uint64                  `json:"allocated"`
	Overhead    uint64                  `json:"overhead"`
	FreeBytes   uint64                  `json:"free_bytes"`
	FreeRuns    int                     `json:"free_runs"`
	LargestFree uint64                  `json:"largest_free"`
	Root        string                  `json:"root"`
	Regions     []RegionInfo            `json:"regions"`
	Histograms  []heap.HistogramSummary `json:"histograms"`
}

func collectStats(h *heap.Heap) HeapStats {
	s := h.AllocStats()
	st := HeapStats{
		Pool:        poolID,
		Grain:       h.Grain(),
		Capacity:    h.Capacity(),
		Allocated:   h.Allocated(),
		Overhead:    h.Overhead(),
		FreeBytes:   s.FreeBytes,
		FreeRuns:    s.FreeRuns,
		LargestFree: s.LargestFree,
		Root:        "nil",
		Histograms:  h.Histograms(),
	}
	if root, err := h.LoadPtr(h.Root()); err == nil {
		st.Root = root.String()
	}
	for i, r := range h.Regions() {
		st.Regions = append(st.Regions, RegionInfo{Ordinal: i, ID: r.ID(), Size: r.Len(), NumaNode: r.NumaNode()})
	}
	return st
}

func runStats(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h, _, err := openHeap(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	if statsProm {
		return printProm(h)
	}
	st := collectStats(h)
	if jsonOut {
		return printJSON(st)
	}

	printInfo("Heap (pool %#x)\n", st.Pool)
	printInfo("  capacity:     %s\n", humanize.IBytes(st.Capacity))
	printInfo("  allocated:    %s\n", humanize.IBytes(st.Allocated))
	printInfo("  overhead:     %s\n", humanize.IBytes(st.Overhead))
	printInfo("  free:         %s in %s runs (largest %s)\n",
		humanize.IBytes(st.FreeBytes), humanize.Comma(int64(st.FreeRuns)), humanize.IBytes(st.LargestFree))
	printInfo("  grain:        %s\n", humanize.IBytes(st.Grain))
	printInfo("  root:         %s\n", st.Root)
	printInfo("\nRegions (%d)\n", len(st.Regions))
	for _, r := range st.Regions {
		printInfo("  %3d  id %#-18x %10s  numa %d\n", r.Ordinal, r.ID, humanize.IBytes(r.Size), r.NumaNode)
	}
	printHistograms(st.Histograms)
	return nil
}

func printHistograms(hs []heap.HistogramSummary) {
	for _, s := range hs {
		if s.Count == 0 {
			continue
		}
		printInfo("\nHistogram %s: %s samples, min %s, p50 %s, p99 %s, max %s\n",
			s.Name, humanize.Comma(s.Count),
			humanize.IBytes(uint64(s.Min)), humanize.IBytes(uint64(s.P50)),
			humanize.IBytes(uint64(s.P99)), humanize.IBytes(uint64(s.Max)))
		for _, b := range s.Bars {
			printVerbose("  %10s .. %-10s %s\n",
				humanize.IBytes(uint64(b.From)), humanize.IBytes(uint64(b.To)), humanize.Comma(b.Count))
		}
	}
}

func printProm(h *heap.Heap) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(heap.NewCollector(h, strconv.FormatUint(poolID, 10))); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range families {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

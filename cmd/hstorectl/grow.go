package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var growSeed uint64

func init() {
	cmd := newGrowCmd()
	cmd.Flags().Uint64Var(&growSeed, "seed", 0, "First identifier to try when the heap has no extra regions (default: pool id)")
	rootCmd.AddCommand(cmd)
}

func newGrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grow <increment>",
		Short: "Add a region to a heap",
		Long: `The grow command adds a region of at least the increment, rounded up
to the heap's grain, under the next free identifier.

Example:
  hstorectl grow 100MiB --dir /mnt/pmem0/store`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGrow(cmd.Context(), args)
		},
	}
}

func runGrow(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	inc, err := humanize.ParseBytes(args[0])
	if err != nil {
		return fmt.Errorf("invalid increment %q: %w", args[0], err)
	}
	h, dev, err := openHeap(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	seed := growSeed
	if seed == 0 {
		seed = poolID
	}
	before := h.Capacity()
	capacity, err := h.Grow(ctx, dev, seed, inc)
	if err != nil {
		return fmt.Errorf("failed to grow heap: %w", err)
	}

	if jsonOut {
		return printJSON(collectStats(h))
	}
	regions := h.Regions()
	last := regions[len(regions)-1]
	printInfo("Capacity %s -> %s\n", humanize.IBytes(before), humanize.IBytes(capacity))
	printVerbose("  region %#x: %s\n", last.ID(), humanize.IBytes(last.Len()))
	return nil
}

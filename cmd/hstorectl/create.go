package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/hstore/heap"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <size>",
		Short: "Create a heap",
		Long: `The create command makes pool 0 of the given size in the device
directory and formats an empty heap in it. Sizes accept units.

Example:
  hstorectl create 64MiB --dir /mnt/pmem0/store
  hstorectl create 1GiB --pool 7 --heap-grain 67108864`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), args)
		},
	}
}

func runCreate(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	size, err := humanize.ParseBytes(args[0])
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[0], err)
	}
	dev, err := openDevice()
	if err != nil {
		return err
	}
	r, err := dev.CreateRegion(ctx, poolID, numaNode, size)
	if err != nil {
		return fmt.Errorf("failed to create pool 0: %w", err)
	}
	h, err := heap.Format(r, heapOptions())
	if err != nil {
		_ = r.Close()
		_ = dev.DeleteRegion(poolID)
		return fmt.Errorf("failed to format heap: %w", err)
	}
	defer r.Close()
	defer h.Close()

	if jsonOut {
		return printJSON(collectStats(h))
	}
	printInfo("Created heap in %s\n", dev.Path(poolID))
	printInfo("  capacity: %s\n", humanize.IBytes(h.Capacity()))
	printInfo("  usable:   %s\n", humanize.IBytes(h.AllocStats().FreeBytes))
	printInfo("  grain:    %s\n", humanize.IBytes(h.Grain()))
	return nil
}

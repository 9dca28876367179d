package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/hstore/heap/region"
)

var allocAlign uint64

func init() {
	cmd := newAllocCmd()
	cmd.Flags().Uint64Var(&allocAlign, "align", 8, "Alignment in bytes (power of two)")
	rootCmd.AddCommand(cmd)
	rootCmd.AddCommand(newFreeCmd())
}

func newAllocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc <size>",
		Short: "Allocate into the root cell (debug)",
		Long: `The alloc command allocates size bytes under an armed emplace record
and stores the result in the heap's root cell. The root cell must be empty.

Example:
  hstorectl alloc 4KiB --align 4096`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc(cmd.Context(), args)
		},
	}
}

func newFreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "free",
		Short: "Free the allocation in the root cell (debug)",
		Long: `The free command clears the root cell and frees the allocation it
held.

Example:
  hstorectl free`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFree(cmd.Context())
		},
	}
}

func runAlloc(ctx context.Context, args []string) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	size, err := humanize.ParseBytes(args[0])
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", args[0], err)
	}
	h, _, err := openHeap(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	root, err := h.LoadPtr(h.Root())
	if err != nil {
		return err
	}
	if !root.IsNil() {
		return fmt.Errorf("root cell already holds %s", root)
	}
	if err := h.EmplaceArm(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, h.EmplaceDisarm())
	}()
	p, err := h.Alloc(h.Root(), size, allocAlign)
	if err != nil {
		return fmt.Errorf("failed to allocate: %w", err)
	}

	if jsonOut {
		return printJSON(map[string]any{"ptr": p.String(), "size": size, "allocated": h.Allocated()})
	}
	printInfo("Allocated %s at %s\n", humanize.IBytes(size), p)
	printVerbose("  heap allocated: %s\n", humanize.IBytes(h.Allocated()))
	return nil
}

func runFree(ctx context.Context) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	h, _, err := openHeap(ctx)
	if err != nil {
		return err
	}
	defer h.Close()

	p, err := h.LoadPtr(h.Root())
	if err != nil {
		return err
	}
	if p.IsNil() {
		return errors.New("root cell is empty")
	}
	size, err := h.UsableSize(p)
	if err != nil {
		return err
	}
	if err := h.EmplaceArm(); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, h.EmplaceDisarm())
	}()
	// The cell goes first so a crash cannot leave it naming freed memory.
	if err := h.StorePtr(h.Root(), region.Nil); err != nil {
		return err
	}
	if err := h.Free(h.Root(), p, size); err != nil {
		return fmt.Errorf("failed to free %s: %w", p, err)
	}
	printInfo("Freed %s at %s\n", humanize.IBytes(size), p)
	return nil
}

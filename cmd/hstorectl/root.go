package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/hstore/cmd/hstorectl/logger"
	"github.com/joshuapare/hstore/heap"
	"github.com/joshuapare/hstore/heap/devdax"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	devDir   string
	poolID   uint64
	numaNode int
	logOn    bool
	logDir   string
	logDebug bool

	heapCfg = heap.NewDefaultConfig()
)

var rootCmd = &cobra.Command{
	Use:   "hstorectl",
	Short: "Create, grow and inspect persistent memory heaps",
	Long: `hstorectl manages persistent memory heaps stored in a device directory,
one file per region. It creates heaps, grows them by whole grains, reports
capacity and allocation statistics, and runs restart recovery.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if logDebug {
			level = slog.LevelDebug
		}
		return logger.Init(logger.Options{Enabled: logOn || verbose, LogDir: logDir, Level: level, Stderr: verbose && logDir == ""})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	flags.BoolVar(&jsonOut, "json", false, "Output in JSON format")
	flags.StringVarP(&devDir, "dir", "d", ".", "Device directory holding the region files")
	flags.Uint64Var(&poolID, "pool", 1, "Region identifier of pool 0")
	flags.IntVar(&numaNode, "numa", 0, "NUMA node to open regions on")
	flags.BoolVar(&logOn, "log", false, "Write a log file")
	flags.StringVar(&logDir, "log-dir", "", "Directory for log files (default ~/.hstorectl/logs)")
	flags.BoolVar(&logDebug, "log-debug", false, "Log at debug level")
	heapCfg.DefineFlags(flags)
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func heapOptions() heap.Options {
	return heap.Options{Config: heapCfg, Logger: logger.L}
}

func openDevice() (*devdax.FileDevice, error) {
	return devdax.NewFileDevice(devDir, logger.L)
}

// openHeap reconstitutes the heap in the device directory.
func openHeap(ctx context.Context) (*heap.Heap, *devdax.FileDevice, error) {
	dev, err := openDevice()
	if err != nil {
		return nil, nil, err
	}
	printVerbose("Opening pool %#x in %s\n", poolID, devDir)
	h, err := heap.Open(ctx, dev, poolID, numaNode, heapOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open heap: %w", err)
	}
	return h, dev, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hstore/heap"
)

// useTempDevice points the global flags at a fresh device directory with a
// small grain and restores the defaults afterwards.
func useTempDevice(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	devDir, poolID, numaNode = dir, 1, 0
	verbose, quiet, jsonOut = false, false, false
	growSeed, allocAlign, statsProm = 0, 8, false
	heapCfg = heap.NewDefaultConfig()
	heapCfg.GrainSize = 64 << 10
	t.Cleanup(func() {
		devDir, jsonOut = ".", false
		heapCfg = heap.NewDefaultConfig()
	})
	return dir
}

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	fnErr := fn()
	w.Close()
	os.Stdout = origStdout
	return string(<-done), fnErr
}

// decodeStats parses the JSON emitted with --json.
func decodeStats(t *testing.T, out string) HeapStats {
	t.Helper()
	var st HeapStats
	require.NoError(t, json.Unmarshal([]byte(out), &st), "output: %s", out)
	return st
}

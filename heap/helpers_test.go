package heap

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hstore/heap/devdax"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
	"github.com/joshuapare/hstore/internal/perishable"
)

const testPool0ID = 1

// testConfig uses a small grain so grow tests stay cheap.
func testConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.GrainSize = 16 * format.PageSize
	return cfg
}

// newTestHeap creates a heap over a page-aligned span of n bytes.
func newTestHeap(t testing.TB, n int) *Heap {
	t.Helper()
	span := region.AlignSpan(make([]byte, n+format.PageSize))[:n]
	h, err := Create(span, 0, Options{Config: testConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// newDeviceHeap formats a heap in pool 0 of a fresh memory device.
func newDeviceHeap(t testing.TB, size uint64, opts Options) (*Heap, *devdax.MemDevice) {
	t.Helper()
	dev := devdax.NewMemDevice(0)
	r, err := dev.CreateRegion(context.Background(), testPool0ID, 0, size)
	require.NoError(t, err)
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	h, err := Format(r, opts)
	require.NoError(t, err)
	return h, dev
}

// reopen reconstitutes the heap stored in dev's pool 0.
func reopen(t testing.TB, dev devdax.Device, opts Options) *Heap {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	h, err := Open(context.Background(), dev, testPool0ID, 0, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

// requirePanicIs runs f and requires a panic with an error matching target.
func requirePanicIs(t testing.TB, target error, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, target), "panic %v is not %v", err, target)
	}()
	f()
}

// logBuffer returns a logger writing text records into a buffer.
func logBuffer() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// crashPersister panics with perishable.ErrExpired on its nth call after
// being armed, before flushing. It simulates a crash at every persist point.
type crashPersister struct {
	countdown atomic.Int64
	calls     atomic.Int64
}

func (c *crashPersister) Persist([]byte) error {
	c.calls.Add(1)
	if c.countdown.Load() > 0 && c.countdown.Add(-1) == 0 {
		panic(perishable.ErrExpired)
	}
	return nil
}

func (c *crashPersister) arm(n int64) { c.countdown.Store(n) }
func (c *crashPersister) disarm()     { c.countdown.Store(0) }

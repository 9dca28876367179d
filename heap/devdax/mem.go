package devdax

import (
	"context"
	"fmt"
	"sync"

	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
)

// MemDevice keeps regions in process memory. Contents outlive the regions
// handed out, so a heap can be abandoned mid-operation and reopened from the
// same device to simulate a restart.
type MemDevice struct {
	mu      sync.Mutex
	spans   map[uint64][]byte
	limit   uint64 // total bytes the device may hand out, 0 for unlimited
	used    uint64
	persist persist.Persister

	// FailCreate, if set, is consulted before each create; a non-nil error
	// is returned as is.
	FailCreate func(id uint64) error
}

// NewMemDevice returns an empty device. limit caps the total bytes of all
// regions; zero means no cap.
func NewMemDevice(limit uint64) *MemDevice {
	return &MemDevice{spans: make(map[uint64][]byte), limit: limit, persist: persist.Volatile}
}

// SetPersister replaces the persister given to regions created or opened
// afterwards.
func (d *MemDevice) SetPersister(p persist.Persister) {
	d.mu.Lock()
	d.persist = p
	d.mu.Unlock()
}

// OpenRegion returns a region over the stored span for id.
func (d *MemDevice) OpenRegion(ctx context.Context, id uint64, numaNode int) (*region.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	span, ok := d.spans[id]
	p := d.persist
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrRegionNotFound, id)
	}
	return region.New(span, id, numaNode, p, nil)
}

// CreateRegion allocates a zeroed, page-aligned span for id.
func (d *MemDevice) CreateRegion(ctx context.Context, id uint64, numaNode int, size uint64) (*region.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.FailCreate != nil {
		if err := d.FailCreate(id); err != nil {
			return nil, err
		}
	}
	size = format.AlignPage(size)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.spans[id]; ok {
		return nil, fmt.Errorf("%w: %#x", ErrRegionExists, id)
	}
	if size == 0 || (d.limit != 0 && d.used+size > d.limit) {
		return nil, fmt.Errorf("%w: region %#x of %d bytes", ErrNoSpace, id, size)
	}
	span := region.AlignSpan(make([]byte, size+format.PageSize))[:size]
	d.spans[id] = span
	d.used += size
	return region.New(span, id, numaNode, d.persist, nil)
}

// Reserve marks id as in use without handing out memory, as if another
// pool already owned it.
func (d *MemDevice) Reserve(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.spans[id]; !ok {
		d.spans[id] = nil
	}
}

// IDs returns the number of identifiers in use.
func (d *MemDevice) IDs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.spans)
}

var _ Device = (*MemDevice)(nil)

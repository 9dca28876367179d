// Package devdax provides the region device collaborator: the component that
// creates and reopens persistent memory regions by identifier.
//
// FileDevice backs each region with a file in a directory and maps it shared
// and writable, which is how a DAX filesystem exposes persistent memory to
// user space. MemDevice keeps regions in process memory and survives a
// simulated crash of the heap that uses it, which makes it the device of
// choice for tests.
package devdax

import (
	"context"
	"errors"

	"github.com/joshuapare/hstore/heap/region"
)

var (
	// ErrRegionExists indicates the identifier is already in use.
	ErrRegionExists = errors.New("devdax: region exists")

	// ErrRegionNotFound indicates no region has the identifier.
	ErrRegionNotFound = errors.New("devdax: region not found")

	// ErrNoSpace indicates the device cannot provide a region of the requested size.
	ErrNoSpace = errors.New("devdax: no space")
)

// Device creates and reopens regions by identifier.
//
// Contract: a region reopened by OpenRegion has exactly the length and
// content it had when last flushed. Its base address may differ between
// runs; callers persist region-relative pointers only.
type Device interface {
	// OpenRegion maps an existing region.
	OpenRegion(ctx context.Context, id uint64, numaNode int) (*region.Region, error)

	// CreateRegion creates and maps a new zero-filled region of size bytes.
	// It fails with ErrRegionExists if id is in use.
	CreateRegion(ctx context.Context, id uint64, numaNode int, size uint64) (*region.Region, error)
}

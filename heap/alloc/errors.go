package alloc

import "errors"

var (
	// ErrNoSpace indicates that no free run large enough was found.
	ErrNoSpace = errors.New("alloc: no free run large enough")

	// ErrBadPtr indicates a pointer outside every area's data granules, or
	// not on a granule boundary.
	ErrBadPtr = errors.New("alloc: bad pointer")

	// ErrNotAllocated indicates a free of granules that are not allocated.
	ErrNotAllocated = errors.New("alloc: run not allocated")

	// ErrCorrupt indicates an area header that does not describe the region.
	ErrCorrupt = errors.New("alloc: corrupt area")

	// ErrBadRequest indicates a zero size or an alignment that is not a
	// power of two of at least Granule.
	ErrBadRequest = errors.New("alloc: bad size or alignment")

	// ErrTooSmall indicates a region too small to hold an area.
	ErrTooSmall = errors.New("alloc: region too small for an area")
)

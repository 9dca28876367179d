// Package format houses the persisted layout of hstore heaps: magic values,
// field offsets and the little-endian helpers used to read and write them in
// mapped memory. Higher-level packages never hard-code offsets; they go
// through the constants defined here.
package format

var (
	// HeapMagic is the eight-byte signature at the start of the pool 0 header.
	// Layout:
	//   0x00  'H' 'S' 'T' 'O' 'R' 'E' 'H' 'P'
	HeapMagic = []byte{'H', 'S', 'T', 'O', 'R', 'E', 'H', 'P'}

	// AreaMagic identifies an allocator area header at the start of the
	// allocatable part of every region.
	AreaMagic = []byte{'H', 'S', 'T', 'O', 'R', 'E', 'A', 'L'}
)

const (
	// PageSize is the alignment of region bases and of every persisted
	// structure that must not straddle a flush unit.
	PageSize = 0x1000

	// CacheLine is the size of one cache line. Words that are flushed
	// independently live on separate lines.
	CacheLine = 64

	// WordSize is the size of a persisted pointer or counter.
	WordSize = 8

	// HeapVersion is the layout version written into new heap headers.
	HeapVersion = 1
)

// Pool 0 header (page 0).
const (
	HeapMagicOffset    = 0x00
	HeapMagicLen       = 8
	HeapVersionOffset  = 0x08 // uint32
	HeapNumaOffset     = 0x0C // uint32
	HeapGrainOffset    = 0x10 // uint64
	HeapPool0LenOffset = 0x18 // uint64

	// HeapRegionCountOffset holds the number of valid identifier slots. It
	// sits alone on the second cache line.
	HeapRegionCountOffset = 0x40

	// HeapRootOffset is a pointer cell reserved for the consumer's root
	// object, on its own cache line.
	HeapRootOffset = 0x80

	// HeapRecordsOffset is where the four allocation-state records begin.
	HeapRecordsOffset = 0x100

	// RecordStride is the space reserved for one allocation-state record.
	RecordStride = 0x100

	// HeapRegionSlotsOffset is the start of the identifier slot array (page 1).
	HeapRegionSlotsOffset = PageSize

	// RegionSlots is the fixed capacity of the identifier slot array.
	RegionSlots = PageSize / WordSize

	// HeapHeaderSize is the total size of the pool 0 header.
	HeapHeaderSize = 2 * PageSize
)

// Allocation-state record layout, relative to the record start.
const (
	RecordArmedOffset   = 0x00 // uint64, kind tag or 0
	RecordAuxOffset     = 0x08 // uint64, pinned cell for pin records
	RecordCountOffset   = 0x10 // uint64, number of valid entries
	RecordEntriesOffset = 0x40

	// RecordEntrySize is one {op, dest, ptr, size} tuple.
	RecordEntrySize = 4 * WordSize

	RecordEntryOpOffset   = 0x00
	RecordEntryDestOffset = 0x08
	RecordEntryPtrOffset  = 0x10
	RecordEntrySizeOffset = 0x18

	// RecordMaxEntries bounds the allocations one armed operation may make.
	RecordMaxEntries = 4
)

// Allocator area header, relative to the area start.
const (
	AreaMagicOffset    = 0x00
	AreaMagicLen       = 8
	AreaGranuleOffset  = 0x08 // uint64
	AreaGranulesOffset = 0x10 // uint64
	AreaAllocMapOffset = 0x18 // uint64, offset of the allocation bitmap
	AreaStartMapOffset = 0x20 // uint64, offset of the run-start bitmap
	AreaDataOffset     = 0x28 // uint64, offset of the first data granule
	AreaEndMapOffset   = 0x30 // uint64, offset of the run-end bitmap

	// AreaHeaderSize is rounded to a cache line so the bitmaps start aligned.
	AreaHeaderSize = CacheLine
)

package alloc

import "math"

// SizeClassConfig defines the size class strategy of the free index.
// Sizes are in bytes and must be multiples of Granule.
type SizeClassConfig struct {
	// Name for this configuration (for logging)
	Name string

	// Small runs use linear increments
	SmallMin       uint64
	SmallMax       uint64
	SmallIncrement uint64

	// Medium runs grow geometrically up to MediumMax; anything larger
	// goes to the large list.
	MediumMax    uint64
	GrowthFactor float64
}

// Predefined configurations.
var (
	// ConfigFineGrained keeps many small classes, for key/value workloads
	// dominated by small records.
	ConfigFineGrained = SizeClassConfig{
		Name:           "FineGrained",
		SmallMin:       8,
		SmallMax:       256,
		SmallIncrement: 8,
		MediumMax:      1 << 20,
		GrowthFactor:   1.5,
	}

	// ConfigBalanced trades class count against internal search cost.
	ConfigBalanced = SizeClassConfig{
		Name:           "Balanced",
		SmallMin:       8,
		SmallMax:       512,
		SmallIncrement: 16,
		MediumMax:      1 << 20,
		GrowthFactor:   2.0,
	}

	// DefaultConfig is used if none is specified.
	DefaultConfig = ConfigBalanced
)

// sizeClassTable holds the computed size class boundaries, in granules.
type sizeClassTable struct {
	config     SizeClassConfig
	boundaries []uint64 // inclusive upper bound of each class
	numClasses int
}

// newSizeClassTable computes size class boundaries from config.
func newSizeClassTable(config SizeClassConfig) *sizeClassTable {
	table := &sizeClassTable{
		config:     config,
		boundaries: make([]uint64, 0, 64),
	}
	gmin := max(config.SmallMin/Granule, 1)
	gmax := config.SmallMax / Granule
	ginc := max(config.SmallIncrement/Granule, 1)
	gmed := config.MediumMax / Granule

	// Phase 1: linear increments
	for size := gmin; size < gmax; size += ginc {
		table.boundaries = append(table.boundaries, size+ginc-1)
	}

	// Phase 2: geometric growth
	if gmax < gmed {
		size := gmax
		for size < gmed {
			next := uint64(math.Ceil(float64(size) * config.GrowthFactor))
			if next <= size {
				next = size + 1
			}
			table.boundaries = append(table.boundaries, next-1)
			size = next
		}
	}

	table.numClasses = len(table.boundaries)
	return table
}

// getSizeClass returns the class index for a run of n granules.
// Returns numClasses for runs larger than every boundary (large list).
func (t *sizeClassTable) getSizeClass(n uint64) int {
	lo, hi := 0, t.numClasses-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if n <= t.boundaries[mid] {
			if mid == 0 || n > t.boundaries[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return t.numClasses
}

// String returns the configuration name.
func (t *sizeClassTable) String() string {
	return t.config.Name
}

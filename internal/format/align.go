package format

// Alignment utilities for persisted structures.

// AlignUp returns n rounded up to a multiple of a. a must be a power of two.
//
// Example:
//
//	AlignUp(1, 8)     = 8
//	AlignUp(4096, 4096) = 4096
//	AlignUp(4097, 4096) = 8192
func AlignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

// AlignDown returns n rounded down to a multiple of a. a must be a power of two.
func AlignDown(n, a uint64) uint64 {
	return n &^ (a - 1)
}

// AlignPage returns n aligned up to the next 4 KiB boundary.
func AlignPage(n uint64) uint64 {
	return AlignUp(n, PageSize)
}

// RoundUpMultiple rounds n up to a multiple of m, where m need not be a power
// of two. m must be non-zero.
func RoundUpMultiple(n, m uint64) uint64 {
	if n == 0 {
		return 0
	}
	return ((n-1)/m + 1) * m
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

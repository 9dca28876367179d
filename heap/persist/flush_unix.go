//go:build unix

package persist

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// msyncPersist flushes the pages covering b.
//
// msync() requires a page-aligned start address. Mappings always begin on a
// page boundary, so rounding the start of b down stays inside the mapping.
func msyncPersist(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	fence()
	addr := uintptr(unsafe.Pointer(&b[0]))
	start := addr &^ (pageSize - 1)
	end := addr + uintptr(len(b))
	head := unsafe.Add(unsafe.Pointer(&b[0]), -int(addr-start))
	span := unsafe.Slice((*byte)(head), int(end-start))
	return unix.Msync(span, unix.MS_SYNC)
}

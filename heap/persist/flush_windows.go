//go:build windows

package persist

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// msyncPersist flushes the view pages covering b using FlushViewOfFile.
func msyncPersist(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	fence()
	// Use unsafe.Pointer in a single expression to avoid linter warnings
	addr := uintptr(unsafe.Pointer(&b[0]))
	return windows.FlushViewOfFile(addr, uintptr(len(b)))
}

//go:build unix

// Package mmfile provides platform-specific helpers for memory-mapping region files.
package mmfile

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is a shared, writable mapping of a whole file.
type Mapping struct {
	f    *os.File
	data []byte
}

// Create creates a new file of exactly size bytes at path and maps it. The
// file must not already exist; os.ErrExist is returned (wrapped) if it does.
func Create(path string, size int64) (*Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmfile: invalid size %d", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("mmfile: truncate: %w", err)
	}
	m, err := mapFile(f, size)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return m, nil
}

// Open maps an existing file read-write.
func Open(path string) (*Mapping, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("mmfile: empty file: %s", path)
	}
	if size > int64(^uint(0)>>1) {
		_ = f.Close()
		return nil, fmt.Errorf("mmfile: file too large to map (%d bytes)", size)
	}
	m, err := mapFile(f, size)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

func mapFile(f *os.File, size int64) (*Mapping, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmfile: mmap failed: %w", err)
	}
	return &Mapping{f: f, data: data}, nil
}

// Bytes returns the mapped memory. It is nil after Close.
func (m *Mapping) Bytes() []byte { return m.data }

// Sync flushes the whole mapping and the file descriptor.
func (m *Mapping) Sync() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return err
	}
	return unix.Fdatasync(int(m.f.Fd()))
}

// Close unmaps the memory and closes the file.
func (m *Mapping) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			err = nil
		}
		m.data = nil
	}
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
		m.f = nil
	}
	return err
}

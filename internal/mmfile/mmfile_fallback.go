//go:build !unix

// Package mmfile provides platform-specific helpers for memory-mapping region files.
package mmfile

import (
	"fmt"
	"os"
)

// Mapping holds a file's contents in memory when mmap is not available.
// Changes reach the file only on Sync or Close.
type Mapping struct {
	path string
	data []byte
}

// Create creates a new zero-filled file of exactly size bytes at path.
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
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &Mapping{path: path, data: make([]byte, size)}, nil
}

// Open reads the entire file.
func Open(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("mmfile: empty file: %s", path)
	}
	return &Mapping{path: path, data: data}, nil
}

// Bytes returns the in-memory contents. It is nil after Close.
func (m *Mapping) Bytes() []byte { return m.data }

// Sync writes the contents back to the file.
func (m *Mapping) Sync() error {
	if m.data == nil {
		return nil
	}
	return os.WriteFile(m.path, m.data, 0o600)
}

// Close writes the contents back and drops them.
func (m *Mapping) Close() error {
	err := m.Sync()
	m.data = nil
	return err
}

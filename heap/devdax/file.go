package devdax

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joshuapare/hstore/heap/persist"
	"github.com/joshuapare/hstore/heap/region"
	"github.com/joshuapare/hstore/internal/format"
	"github.com/joshuapare/hstore/internal/mmfile"
)

const (
	regionPrefix = "region-"
	regionSuffix = ".pm"
)

// FileDevice is a Device backed by one file per region in a directory.
type FileDevice struct {
	dir    string
	logger *slog.Logger
}

// NewFileDevice returns a device rooted at dir, creating dir if needed.
// logger may be nil.
func NewFileDevice(dir string, logger *slog.Logger) (*FileDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("devdax: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileDevice{dir: dir, logger: logger}, nil
}

// Dir returns the directory holding the region files.
func (d *FileDevice) Dir() string { return d.dir }

// Path returns the file backing region id.
func (d *FileDevice) Path(id uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s%016x%s", regionPrefix, id, regionSuffix))
}

// OpenRegion maps the file for id.
func (d *FileDevice) OpenRegion(ctx context.Context, id uint64, numaNode int) (*region.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := mmfile.Open(d.Path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %#x", ErrRegionNotFound, id)
		}
		return nil, fmt.Errorf("devdax: open region %#x: %w", id, err)
	}
	r, err := region.New(m.Bytes(), id, numaNode, persist.Msync, m.Close)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	d.logger.Debug("region opened", "id", id, "size", r.Len(), "numa", numaNode)
	return r, nil
}

// CreateRegion creates the file for id, sized up to a whole number of pages.
func (d *FileDevice) CreateRegion(ctx context.Context, id uint64, numaNode int, size uint64) (*region.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("devdax: create region %#x: zero size", id)
	}
	size = format.AlignPage(size)
	m, err := mmfile.Create(d.Path(id), int64(size))
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %#x", ErrRegionExists, id)
		}
		return nil, fmt.Errorf("%w: region %#x: %v", ErrNoSpace, id, err)
	}
	r, err := region.New(m.Bytes(), id, numaNode, persist.Msync, m.Close)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	d.logger.Debug("region created", "id", id, "size", size, "numa", numaNode)
	return r, nil
}

// DeleteRegion removes the file for id. The region must not be open.
func (d *FileDevice) DeleteRegion(id uint64) error {
	if err := os.Remove(d.Path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %#x", ErrRegionNotFound, id)
		}
		return fmt.Errorf("devdax: delete region %#x: %w", id, err)
	}
	return nil
}

// List returns the identifiers of all regions in the directory, sorted.
func (d *FileDevice) List() ([]uint64, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("devdax: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, regionPrefix) || !strings.HasSuffix(name, regionSuffix) {
			continue
		}
		hex := strings.TrimSuffix(strings.TrimPrefix(name, regionPrefix), regionSuffix)
		id, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

var _ Device = (*FileDevice)(nil)

package devdax

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/hstore/internal/format"
)

func TestFileDeviceCreateOpen(t *testing.T) {
	ctx := context.Background()
	dev, err := NewFileDevice(t.TempDir(), nil)
	require.NoError(t, err)

	r, err := dev.CreateRegion(ctx, 7, 0, 1000)
	require.NoError(t, err)
	assert.EqualValues(t, format.PageSize, r.Len(), "size is rounded up to a page")
	copy(r.Bytes(), "persisted")
	require.NoError(t, r.Persist(0, 9))
	require.NoError(t, r.Close())

	r, err = dev.OpenRegion(ctx, 7, 1)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "persisted", string(r.Bytes()[:9]))
	assert.Equal(t, 1, r.NumaNode())
	assert.EqualValues(t, 7, r.ID())

	_, err = dev.CreateRegion(ctx, 7, 0, format.PageSize)
	require.ErrorIs(t, err, ErrRegionExists)
}

func TestFileDeviceErrors(t *testing.T) {
	ctx := context.Background()
	dev, err := NewFileDevice(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = dev.OpenRegion(ctx, 3, 0)
	require.ErrorIs(t, err, ErrRegionNotFound)

	_, err = dev.CreateRegion(ctx, 3, 0, 0)
	require.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = dev.CreateRegion(cancelled, 3, 0, format.PageSize)
	require.ErrorIs(t, err, context.Canceled)

	require.ErrorIs(t, dev.DeleteRegion(3), ErrRegionNotFound)
}

func TestFileDeviceListDelete(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dev, err := NewFileDevice(dir, nil)
	require.NoError(t, err)

	for _, id := range []uint64{0x30, 0x2, 0x11} {
		r, err := dev.CreateRegion(ctx, id, 0, format.PageSize)
		require.NoError(t, err)
		require.NoError(t, r.Close())
	}
	require.NoError(t, os.WriteFile(dir+"/unrelated.txt", nil, 0o600))

	ids, err := dev.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x2, 0x11, 0x30}, ids)

	require.NoError(t, dev.DeleteRegion(0x11))
	ids, err = dev.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x2, 0x30}, ids)
}

func TestMemDevice(t *testing.T) {
	ctx := context.Background()
	dev := NewMemDevice(4 * format.PageSize)

	r, err := dev.CreateRegion(ctx, 1, 0, 3*format.PageSize)
	require.NoError(t, err)
	r.Bytes()[10] = 0xAB

	again, err := dev.OpenRegion(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), again.Bytes()[10], "reopen shares memory")

	_, err = dev.CreateRegion(ctx, 1, 0, format.PageSize)
	require.ErrorIs(t, err, ErrRegionExists)

	_, err = dev.CreateRegion(ctx, 2, 0, 2*format.PageSize)
	require.ErrorIs(t, err, ErrNoSpace, "limit exceeded")

	_, err = dev.OpenRegion(ctx, 2, 0)
	require.ErrorIs(t, err, ErrRegionNotFound)

	dev.Reserve(5)
	assert.Equal(t, 2, dev.IDs())
	_, err = dev.CreateRegion(ctx, 5, 0, format.PageSize)
	require.ErrorIs(t, err, ErrRegionExists)
	_, err = dev.OpenRegion(ctx, 5, 0)
	require.Error(t, err)

	boom := errors.New("boom")
	dev.FailCreate = func(id uint64) error {
		if id == 9 {
			return boom
		}
		return nil
	}
	_, err = dev.CreateRegion(ctx, 9, 0, format.PageSize)
	require.ErrorIs(t, err, boom)
	_, err = dev.CreateRegion(ctx, 10, 0, format.PageSize)
	require.NoError(t, err)
}

package nbdcache

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockstore/nbdclient/pkg/block"
	"github.com/blockstore/nbdclient/pkg/nbdclient"
	"github.com/blockstore/nbdclient/pkg/nbdwire"
)

// deviceSource adapts a *block.MockDevice to this package's Source
// interface, letting tests exercise Cache's read-through logic against an
// in-memory backing store instead of a live connection. Prefetch fetches
// blocks concurrently, so fetchCount is updated atomically.
type deviceSource struct {
	dev        *block.MockDevice
	fetchCount atomic.Int64
}

func (s *deviceSource) Pread(ctx context.Context, buf []byte, offset uint64) error {
	s.fetchCount.Add(1)
	_, err := s.dev.ReadAt(buf, int64(offset))
	return err
}

func newMockSource(data []byte, blockSize int64) *deviceSource {
	return &deviceSource{dev: block.NewMockDevice(data, blockSize, true)}
}

func TestCachePreadFetchesOnceThenHitsCache(t *testing.T) {
	const blockSize = 512
	data := make([]byte, 8*blockSize)
	for i := range data {
		data[i] = byte(i)
	}
	src := newMockSource(data, blockSize)

	scratch := filepath.Join(t.TempDir(), "cache.dat")
	c, err := New(src, int64(len(data)), blockSize, scratch)
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, blockSize)
	require.NoError(t, c.Pread(context.Background(), buf, blockSize))
	require.Equal(t, data[blockSize:2*blockSize], buf)
	require.Equal(t, int64(1), src.fetchCount.Load())

	// Second read of the same block must not touch the source again.
	buf2 := make([]byte, blockSize)
	require.NoError(t, c.Pread(context.Background(), buf2, blockSize))
	require.Equal(t, data[blockSize:2*blockSize], buf2)
	require.Equal(t, int64(1), src.fetchCount.Load())
}

func TestCachePreadSpanningMultipleBlocks(t *testing.T) {
	const blockSize = 256
	data := make([]byte, 10*blockSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	src := newMockSource(data, blockSize)

	scratch := filepath.Join(t.TempDir(), "cache.dat")
	c, err := New(src, int64(len(data)), blockSize, scratch)
	require.NoError(t, err)
	defer c.Close()

	buf := make([]byte, blockSize*3+10)
	off := uint64(blockSize - 5)
	require.NoError(t, c.Pread(context.Background(), buf, off))
	require.Equal(t, data[off:off+uint64(len(buf))], buf)
	require.Equal(t, int64(5), src.fetchCount.Load())
}

type fakeExtentsSource struct {
	*deviceSource
	extents *nbdclient.ExtentsSink
}

func (s *fakeExtentsSource) Extents(ctx context.Context, count uint32, offset uint64, reqOne bool) (*nbdclient.ExtentsSink, error) {
	return s.extents, nil
}

func TestPrefetchExtentsMarksHolesWithoutFetching(t *testing.T) {
	const blockSize = 512
	const size = 4 * blockSize
	data := make([]byte, size)
	src := &fakeExtentsSource{deviceSource: newMockSource(data, blockSize)}

	// Hole covers the first two whole blocks exactly.
	src.extents = nbdclient.NewExtentsSinkFrom(0, []nbdclient.Extent{
		{Length: 2 * blockSize, StatusFlags: nbdwire.NBD_STATE_HOLE | nbdwire.NBD_STATE_ZERO},
	})

	scratch := filepath.Join(t.TempDir(), "cache.dat")
	c, err := New(src, size, blockSize, scratch)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.PrefetchExtents(context.Background(), 0, 2*blockSize))

	buf := make([]byte, blockSize)
	require.NoError(t, c.Pread(context.Background(), buf, 0))
	require.Equal(t, make([]byte, blockSize), buf)
	require.Equal(t, int64(0), src.fetchCount.Load(), "hole block must be served from the zero-filled cache, not fetched")
}

func TestExtentsUnsupportedWithoutExtentsSource(t *testing.T) {
	const blockSize = 512
	src := newMockSource(make([]byte, 4*blockSize), blockSize)

	scratch := filepath.Join(t.TempDir(), "cache.dat")
	c, err := New(src, 4*blockSize, blockSize, scratch)
	require.NoError(t, err)
	defer c.Close()

	err = c.PrefetchExtents(context.Background(), 0, blockSize)
	require.ErrorIs(t, err, ErrExtentsUnsupported)
}

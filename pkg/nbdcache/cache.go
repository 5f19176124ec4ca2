// Package nbdcache is a supplemental read-through cache that sits in
// front of an NBD handle. It is optional: nothing in pkg/nbdclient
// depends on it.
package nbdcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/blockstore/nbdclient/pkg/block"
	"github.com/blockstore/nbdclient/pkg/nbdclient"
)

// concurrentFetches bounds how many blocks this cache fetches from its
// source at once, independent of how many concurrent Pread callers there
// are.
const concurrentFetches = 18

// ErrExtentsUnsupported is returned by PrefetchExtents when the wrapped
// Source does not also implement ExtentsSource.
var ErrExtentsUnsupported = errors.New("nbdcache: source does not support extents")

// Source is the read side of whatever this cache wraps, normally a
// *nbdclient.Handle. Accepting the narrow interface keeps the cache
// testable without a live connection.
type Source interface {
	Pread(ctx context.Context, buf []byte, offset uint64) error
}

// ExtentsSource additionally supports block-status queries, used by
// PrefetchExtents to mark holes as cached without reading them.
type ExtentsSource interface {
	Source
	Extents(ctx context.Context, count uint32, offset uint64, reqOne bool) (*nbdclient.ExtentsSink, error)
}

// Cache is an mmap-backed read-through cache keyed by a block.Marker
// allocation bitmap, adapted from the teacher's MmapCache for a single
// upstream NBD source instead of a generic Device. Concurrent fetches of
// the same block are deduplicated via singleflight and bounded via a
// semaphore, the same pairing the teacher's Chunker uses to ensure data
// from a chunked backing store.
type Cache struct {
	source    Source
	marker    *block.Marker
	filePath  string
	size      int64
	blockSize int64
	mmap      mmap.MMap
	mu        sync.RWMutex

	fetchSemaphore *semaphore.Weighted
	fetchGroup     singleflight.Group
}

// New creates a Cache of size bytes, grouped into blockSize-byte blocks,
// backed by a scratch file at filePath. The file is created (or
// truncated) and mmapped; Close removes it.
func New(source Source, size, blockSize int64, filePath string) (*Cache, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening cache scratch file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("allocating cache scratch file: %w", err)
	}

	mm, err := mmap.MapRegion(f, int(size), unix.PROT_READ|unix.PROT_WRITE, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping cache scratch file: %w", err)
	}

	return &Cache{
		source:         source,
		mmap:           mm,
		filePath:       filePath,
		size:           size,
		blockSize:      blockSize,
		marker:         block.NewMarker(uint(size / blockSize)),
		fetchSemaphore: semaphore.NewWeighted(concurrentFetches),
	}, nil
}

// Pread reads len(buf) bytes at offset, fetching and caching any block
// not already marked valid. It is the cache's only way of pulling data
// from source: all reads go through Prefetch, block by block.
func (c *Cache) Pread(ctx context.Context, buf []byte, offset uint64) error {
	length := int64(len(buf))
	if err := c.Prefetch(ctx, int64(offset), length); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	copy(buf, c.mmap[offset:offset+uint64(length)])
	return nil
}

// Prefetch ensures every block overlapping [offset, offset+length) is
// fetched and cached, without returning any data itself. It is exported
// so a background warmer (see Prefetcher) can populate the cache ahead of
// any caller's actual Pread.
func (c *Cache) Prefetch(ctx context.Context, offset, length int64) error {
	end := offset + length
	if end > c.size {
		return fmt.Errorf("nbdcache: range [%d,%d) exceeds cache size %d", offset, end, c.size)
	}

	var eg errgroup.Group
	for blockStart := c.alignDown(offset); blockStart < end; blockStart += c.blockSize {
		blockIndex := blockStart / c.blockSize
		eg.Go(func() error {
			if c.marker.IsMarked(blockIndex) {
				return nil
			}
			_, err, _ := c.fetchGroup.Do(strconv.FormatInt(blockIndex, 10), func() (interface{}, error) {
				if c.marker.IsMarked(blockIndex) {
					return nil, nil
				}
				if err := c.fetchSemaphore.Acquire(ctx, 1); err != nil {
					return nil, fmt.Errorf("acquiring fetch slot: %w", err)
				}
				defer c.fetchSemaphore.Release(1)

				return nil, c.fetchBlock(ctx, blockIndex)
			})
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("nbdcache: prefetching [%d,%d): %w", offset, end, err)
	}
	return nil
}

func (c *Cache) fetchBlock(ctx context.Context, blockIndex int64) error {
	blockOffset := blockIndex * c.blockSize
	length := c.blockSize
	if blockOffset+length > c.size {
		length = c.size - blockOffset
	}

	tmp := make([]byte, length)
	if err := c.source.Pread(ctx, tmp, uint64(blockOffset)); err != nil {
		return fmt.Errorf("fetching block %d: %w", blockIndex, err)
	}

	c.mu.Lock()
	copy(c.mmap[blockOffset:blockOffset+length], tmp)
	c.mu.Unlock()

	c.marker.Mark(blockIndex)
	return nil
}

// PrefetchExtents queries the source's allocation status for
// [offset, offset+count) and marks any hole blocks fully contained in a
// reported hole as cached zero, without ever reading them from source.
// Partially-covered boundary blocks are left unmarked so a later Pread
// still fetches the true mixed content.
func (c *Cache) PrefetchExtents(ctx context.Context, offset uint64, count uint32) error {
	es, ok := c.source.(ExtentsSource)
	if !ok {
		return ErrExtentsUnsupported
	}

	sink, err := es.Extents(ctx, count, offset, false)
	if err != nil {
		return fmt.Errorf("nbdcache: prefetching extents: %w", err)
	}

	cur := int64(sink.BaseOffset())
	for _, ext := range sink.Extents() {
		if ext.Hole() {
			c.zeroFillWholeBlocks(cur, cur+int64(ext.Length))
		}
		cur += int64(ext.Length)
	}
	return nil
}

func (c *Cache) zeroFillWholeBlocks(start, end int64) {
	blockStart := c.alignUp(start)
	for b := blockStart; b+c.blockSize <= end; b += c.blockSize {
		c.mu.Lock()
		for i := b; i < b+c.blockSize; i++ {
			c.mmap[i] = 0
		}
		c.mu.Unlock()
		c.marker.Mark(b / c.blockSize)
	}
}

func (c *Cache) alignDown(offset int64) int64 {
	return offset - offset%c.blockSize
}

func (c *Cache) alignUp(offset int64) int64 {
	if r := offset % c.blockSize; r != 0 {
		return offset + (c.blockSize - r)
	}
	return offset
}

// Size returns the cache's total capacity in bytes.
func (c *Cache) Size() int64 { return c.size }

// BlockSize returns the cache's block granularity in bytes.
func (c *Cache) BlockSize() int64 { return c.blockSize }

// Close unmaps and removes the scratch file, joining both errors if both
// occur, matching the teacher's MmapCache.Close.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mmapErr := c.mmap.Unmap()
	removeErr := os.Remove(c.filePath)
	return errors.Join(mmapErr, removeErr)
}

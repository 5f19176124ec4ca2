package nbdcache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const prefetchInterval = 125 * time.Millisecond

// Prefetcher walks a Cache's backing export from both ends toward the
// middle, warming the cache ahead of any caller's actual Pread. It is
// meant to run as a best-effort background task; Start returns once both
// directions reach the middle or ctx is cancelled.
type Prefetcher struct {
	cache *Cache
}

func NewPrefetcher(cache *Cache) *Prefetcher {
	return &Prefetcher{cache: cache}
}

func (p *Prefetcher) walk(ctx context.Context, start, end int64, step int64) error {
	for block := start; block != end; block += step {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := p.cache.Prefetch(ctx, block*p.cache.BlockSize(), p.cache.BlockSize()); err != nil {
				return err
			}
			time.Sleep(prefetchInterval)
		}
	}
	return nil
}

// Start prefetches every whole block of the cache, one half walking
// forward from the first block and the other walking backward from the
// last whole block, so a reader near either end of the export sees warm
// blocks soonest. A trailing partial block (when the size is not a
// multiple of the block size) is not prefetched.
func (p *Prefetcher) Start(ctx context.Context) error {
	blocks := p.cache.Size() / p.cache.BlockSize()
	middle := blocks / 2

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return p.walk(gctx, 0, middle, 1)
	})
	g.Go(func() error {
		return p.walk(gctx, blocks-1, middle-1, -1)
	})

	return g.Wait()
}

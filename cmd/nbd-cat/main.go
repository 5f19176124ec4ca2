// Command nbd-cat opens an NBD export, reads a byte range from it, and
// writes the result to stdout. It exists to exercise the open/pread/close
// path against a real server end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/blockstore/nbdclient/pkg/block"
	"github.com/blockstore/nbdclient/pkg/nbdcache"
	"github.com/blockstore/nbdclient/pkg/nbdclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nbd-cat:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socket     = flag.String("socket", "", "unix socket path of the NBD server")
		host       = flag.String("host", "", "TCP hostname of the NBD server")
		port       = flag.String("port", "", "TCP port of the NBD server (defaults to 10809)")
		export     = flag.String("export", "", "export name to request")
		offset     = flag.Uint64("offset", 0, "byte offset to start reading from")
		length     = flag.Uint64("length", 4096, "number of bytes to read")
		timeout    = flag.Duration("timeout", 10*time.Second, "timeout for connecting and reading")
		cacheDir   = flag.String("cache-dir", "", "if set, wrap the handle in a read-through cache backed by a scratch file in this directory")
		cacheSize  = flag.Uint64("cache-size", 0, "size in bytes of the cache scratch file (defaults to the export size)")
		blockSize  = flag.Uint64("cache-block-size", 4096, "cache block granularity in bytes")
		verifyFile = flag.String("verify-file", "", "compare the bytes read against the same range of a local file")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts := &nbdclient.Options{
		Socket:   *socket,
		Hostname: *host,
		Port:     *port,
		Export:   *export,
		Logger: func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}

	h, err := nbdclient.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("opening export: %w", err)
	}
	defer h.Close()

	reader, cleanup, err := wrapCache(h, *cacheDir, int64(*cacheSize), int64(*blockSize))
	if err != nil {
		return err
	}
	defer cleanup()

	buf := make([]byte, *length)
	if err := reader.Pread(ctx, buf, *offset); err != nil {
		return fmt.Errorf("reading %d bytes at offset %d: %w", *length, *offset, err)
	}

	if *verifyFile != "" {
		if err := verifyAgainst(*verifyFile, buf, *offset); err != nil {
			return err
		}
	}

	_, err = os.Stdout.Write(buf)
	return err
}

// preader is the subset of *nbdclient.Handle (or a cache wrapping one)
// that nbd-cat needs; accepting the interface instead of the concrete
// type lets the cache wrapper stand in transparently.
type preader interface {
	Pread(ctx context.Context, buf []byte, offset uint64) error
}

func wrapCache(h *nbdclient.Handle, dir string, size, blockSize int64) (preader, func(), error) {
	if dir == "" {
		return h, func() {}, nil
	}
	if size == 0 {
		size = int64(h.Size())
	}
	scratch, err := os.CreateTemp(dir, "nbd-cat-cache-*")
	if err != nil {
		return nil, nil, fmt.Errorf("creating cache scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	scratch.Close()

	c, err := nbdcache.New(h, size, blockSize, scratchPath)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cache: %w", err)
	}
	return c, func() { _ = c.Close() }, nil
}

// verifyAgainst compares got against the same byte range of a local file,
// using block.FileDevice so the comparison exercises the same Device
// abstraction the rest of this module is built around.
func verifyAgainst(path string, got []byte, offset uint64) error {
	fd, err := block.NewFileDevice(path)
	if err != nil {
		return fmt.Errorf("opening verify file: %w", err)
	}
	defer fd.Close()

	want := make([]byte, len(got))
	if _, err := fd.ReadAt(want, int64(offset)); err != nil {
		return fmt.Errorf("reading verify file: %w", err)
	}

	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("mismatch at byte %d: got %#x want %#x", offset+uint64(i), got[i], want[i])
		}
	}
	return nil
}

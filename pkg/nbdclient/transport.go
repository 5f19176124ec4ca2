package nbdclient

import (
	"context"
	"net"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/blockstore/nbdclient/pkg/nbdwire"
)

// dial opens the configured transport (Unix socket or TCP), matching
// nbd_connect_unix/nbd_connect_tcp, and sets TCP_NODELAY on TCP
// connections the way nbd_connect_tcp does via setsockopt.
func dial(ctx context.Context, opts *Options) (net.Conn, error) {
	var d net.Dialer
	if opts.Socket != "" {
		conn, err := d.DialContext(ctx, "unix", opts.Socket)
		if err != nil {
			return nil, transportError("connect", err)
		}
		return conn, nil
	}

	port := opts.Port
	if port == "" {
		port = nbdwire.NBD_DEFAULT_PORT
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(opts.Hostname, port))
	if err != nil {
		return nil, transportError("connect", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, transportError("setsockopt TCP_NODELAY", err)
		}
	}
	return conn, nil
}

// connectWithRetry wraps dial with the plugin's retry=<n> behavior: try
// once, then retry up to opts.Retry additional times, sleeping one
// second between attempts (nbd_open_handle's "retry:" label with
// sleep(1)). The one-second backoff is expressed with gax.Backoff
// pinned to a constant one-second step so the retry loop reads as a
// backoff policy rather than a hand-rolled sleep loop.
func connectWithRetry(ctx context.Context, opts *Options) (net.Conn, error) {
	backoff := gax.Backoff{
		Initial:    time.Second,
		Max:        time.Second,
		Multiplier: 1,
	}

	var lastErr error
	attempts := opts.Retry + 1
	for i := uint(0); i < attempts; i++ {
		if i > 0 {
			opts.logf("nbd: connect attempt %d failed: %v, retrying", i, lastErr)
			if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
				return nil, transportError("connect", err)
			}
		}
		conn, err := dial(ctx, opts)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

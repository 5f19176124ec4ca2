package nbdclient

import (
	"net"
	"sync"

	"github.com/blockstore/nbdclient/internal/ioframe"
	"github.com/blockstore/nbdclient/pkg/nbdwire"
)

// requestSender owns the write half of a connection, serializing
// concurrent senders with a single mutex so that a request header and
// its payload are never interleaved with another goroutine's request,
// matching nbd_request_raw's ACQUIRE_LOCK_FOR_CURRENT_SCOPE(&h->write_lock).
type requestSender struct {
	mu   sync.Mutex
	conn net.Conn
}

func newRequestSender(conn net.Conn) *requestSender {
	return &requestSender{conn: conn}
}

// send writes one request header, and its payload if non-nil, as a
// single critical section.
func (s *requestSender) send(flags, cmdType uint16, offset uint64, count uint32, cookie uint64, payload []byte) error {
	hdr := nbdwire.RequestHeader{
		Magic:  nbdwire.NBD_REQUEST_MAGIC,
		Flags:  flags,
		Type:   cmdType,
		Handle: cookie,
		From:   offset,
		Length: count,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := hdr.Write(s.conn); err != nil {
		return transportError("write request", err)
	}
	if payload != nil {
		if err := ioframe.WriteFull(s.conn, payload); err != nil {
			return transportError("write request payload", err)
		}
	}
	return nil
}

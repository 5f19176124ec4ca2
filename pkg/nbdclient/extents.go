package nbdclient

import "github.com/blockstore/nbdclient/pkg/nbdwire"

// Extent describes one contiguous run of blocks sharing the same
// allocation status, as reported by a base:allocation BLOCK_STATUS
// reply (nbd_block_descriptor on the wire).
type Extent struct {
	Length uint32
	// StatusFlags mirrors the wire status bits directly
	// (nbdwire.NBD_STATE_HOLE, nbdwire.NBD_STATE_ZERO); nbdkit's own
	// extent representation reuses these bit values verbatim, and so
	// does this one.
	StatusFlags uint32
}

func (e Extent) Hole() bool { return e.StatusFlags&nbdwire.NBD_STATE_HOLE != 0 }
func (e Extent) Zero() bool { return e.StatusFlags&nbdwire.NBD_STATE_ZERO != 0 }

// ExtentsSink accumulates the extents returned by a single
// BlockStatus call. It is append-only: the reply demultiplexer feeds it
// descriptors in wire order as they arrive, possibly across several
// structured reply chunks, and the caller reads the final slice only
// after the transaction completes.
type ExtentsSink struct {
	baseOffset uint64
	extents    []Extent
}

// NewExtentsSink creates a sink anchored at the offset the request was
// issued against; extent offsets are derived by accumulating lengths
// starting here, matching nbd_reply_raw's "offset = trans->offset" reset
// on every BLOCK_STATUS chunk.
func NewExtentsSink(offset uint64) *ExtentsSink {
	return &ExtentsSink{baseOffset: offset}
}

func (s *ExtentsSink) add(length, statusFlags uint32) {
	s.extents = append(s.extents, Extent{Length: length, StatusFlags: statusFlags})
}

// NewExtentsSinkFrom builds a sink from already-known extents, for
// callers that have obtained a extent list some other way than a live
// BlockStatus transaction (tests, or a cache replaying a prior result).
func NewExtentsSinkFrom(offset uint64, extents []Extent) *ExtentsSink {
	return &ExtentsSink{baseOffset: offset, extents: extents}
}

// Extents returns the accumulated extents in wire order.
func (s *ExtentsSink) Extents() []Extent {
	return s.extents
}

// BaseOffset returns the offset the original BlockStatus request covered.
func (s *ExtentsSink) BaseOffset() uint64 {
	return s.baseOffset
}

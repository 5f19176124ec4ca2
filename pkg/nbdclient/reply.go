package nbdclient

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/blockstore/nbdclient/internal/ioframe"
	"github.com/blockstore/nbdclient/pkg/nbdwire"
)

// replyReader owns the read half of a connection. A single dedicated
// goroutine runs its loop for the handle's lifetime, matching
// nbd-standalone.c's one reader pthread per handle; every other
// goroutine only ever waits on a transaction's completion channel, never
// reads the socket directly.
type replyReader struct {
	conn       net.Conn
	trans      *transactionTable
	structured bool
	logf       Logger
}

func newReplyReader(conn net.Conn, trans *transactionTable, structured bool, logf Logger) *replyReader {
	return &replyReader{conn: conn, trans: trans, structured: structured, logf: logf}
}

// run is the reader goroutine's body. It loops reading replies until the
// connection dies, then drains any transactions still outstanding with
// ESHUTDOWN, matching nbd_reader's two-phase structure.
func (r *replyReader) run() {
	for {
		cookie, trans, err := r.readOneReply()
		if err != nil {
			r.trans.markDead(err)
			return
		}
		if trans == nil {
			continue // partial structured reply; more chunks expected
		}
		_ = cookie
	}
}

// readOneReply reads and fully processes one reply frame (which may be
// one of several chunks belonging to the same structured-reply
// transaction). It returns the transaction if this was its terminal
// reply, completing it as a side effect; it returns (0, nil, nil) if
// this was a non-terminal chunk of an ongoing structured reply.
func (r *replyReader) readOneReply() (uint64, *transaction, error) {
	var magicBuf [4]byte
	if err := ioframe.ReadFull(r.conn, magicBuf[:]); err != nil {
		return 0, nil, err
	}
	magic := binary.BigEndian.Uint32(magicBuf[:])

	switch magic {
	case nbdwire.NBD_SIMPLE_REPLY_MAGIC:
		return r.readSimpleReply(magicBuf)
	case nbdwire.NBD_STRUCTURED_REPLY_MAGIC:
		if !r.structured {
			return 0, nil, framingError("structured response without negotiation")
		}
		return r.readStructuredReply(magicBuf)
	default:
		return 0, nil, framingError("received unexpected magic in reply: %#x", magic)
	}
}

func (r *replyReader) readSimpleReply(magicBuf [4]byte) (uint64, *transaction, error) {
	var hdr nbdwire.SimpleReplyHeader
	if err := hdr.Read(io.MultiReader(bytes.NewReader(magicBuf[:]), r.conn)); err != nil {
		return 0, nil, err
	}
	r.logf("nbd: received simple reply for cookie %#x, status %d", hdr.Handle, hdr.Error)

	trans := r.trans.lookup(hdr.Handle, true)
	if trans == nil {
		return 0, nil, &DemuxError{Cookie: hdr.Handle}
	}
	if trans.buf != nil && r.structured {
		return 0, nil, framingError("simple read reply when structured was expected")
	}

	wireErr := hdr.Error
	if trans.buf != nil {
		if wireErr == nbdwire.NBD_SUCCESS {
			if err := ioframe.ReadFull(r.conn, trans.buf); err != nil {
				return 0, nil, err
			}
		}
	}
	trans.complete(nbdwire.ErrnoForWireError(wireErr))
	return hdr.Handle, trans, nil
}

func (r *replyReader) readStructuredReply(magicBuf [4]byte) (uint64, *transaction, error) {
	var hdr nbdwire.StructuredReplyHeader
	if err := hdr.Read(io.MultiReader(bytes.NewReader(magicBuf[:]), r.conn)); err != nil {
		return 0, nil, err
	}
	r.logf("nbd: received structured reply type %#x for cookie %#x, length %d",
		hdr.Type, hdr.Handle, hdr.Length)

	if hdr.Length > nbdwire.MaxStructuredReplyPayload {
		return 0, nil, framingError("structured reply length is suspiciously large: %d", hdr.Length)
	}

	more := !hdr.Done()

	trans := r.trans.lookup(hdr.Handle, !more)
	if trans == nil {
		// Drain the payload so the stream stays in sync even though we
		// can't act on it, then report the demux failure.
		if hdr.Length > 0 {
			_, _ = io.CopyN(io.Discard, r.conn, int64(hdr.Length))
		}
		return 0, nil, &DemuxError{Cookie: hdr.Handle}
	}

	chunkErr, err := r.applyStructuredChunk(&hdr, trans)
	if err != nil {
		return 0, nil, err
	}

	if !more {
		if trans.err != nil {
			chunkErr = trans.err
		}
		trans.complete(chunkErr)
		return hdr.Handle, trans, nil
	}
	if chunkErr != nil && trans.err == nil {
		trans.err = chunkErr
	}
	return 0, nil, nil
}

// applyStructuredChunk consumes hdr's payload (if any) from the wire,
// applies it to trans (copying read data, zeroing a hole, recording
// extents, or remembering an error), and returns the wire error implied
// by this chunk alone, translated to a Go error, or nil on success.
// This is the Go shape of nbd_reply_raw's large switch on
// rep.structured.type.
func (r *replyReader) applyStructuredChunk(hdr *nbdwire.StructuredReplyHeader, trans *transaction) (error, error) {
	switch hdr.Type {
	case nbdwire.NBD_REPLY_TYPE_NONE:
		if hdr.Length != 0 {
			return nil, framingError("NBD_REPLY_TYPE_NONE with invalid payload")
		}
		if !hdr.Done() {
			return nil, framingError("NBD_REPLY_TYPE_NONE without done flag")
		}
		return nil, nil

	case nbdwire.NBD_REPLY_TYPE_OFFSET_DATA:
		if hdr.Length <= 8 {
			return nil, framingError("structured reply OFFSET_DATA too small")
		}
		var offHdr nbdwire.OffsetDataHeader
		if err := offHdr.Read(r.conn); err != nil {
			return nil, err
		}
		dataLen := hdr.Length - 8
		if err := r.copyStructuredData(trans, offHdr.Offset, dataLen); err != nil {
			return nil, err
		}
		return nil, nil

	case nbdwire.NBD_REPLY_TYPE_OFFSET_HOLE:
		if hdr.Length != 12 {
			return nil, framingError("structured reply OFFSET_HOLE size incorrect")
		}
		var chunk nbdwire.OffsetHoleChunk
		if err := chunk.Read(r.conn); err != nil {
			return nil, err
		}
		if chunk.Length == 0 {
			return nil, framingError("structured reply OFFSET_HOLE length incorrect")
		}
		if err := r.zeroStructuredData(trans, chunk.Offset, chunk.Length); err != nil {
			return nil, err
		}
		return nil, nil

	case nbdwire.NBD_REPLY_TYPE_BLOCK_STATUS:
		return r.applyBlockStatus(hdr, trans)

	default:
		if !nbdwire.IsErrorChunk(hdr.Type) {
			return nil, framingError("received unexpected structured reply %#x", hdr.Type)
		}
		return r.applyErrorChunk(hdr)
	}
}

func (r *replyReader) applyBlockStatus(hdr *nbdwire.StructuredReplyHeader, trans *transaction) (error, error) {
	if trans.extents == nil {
		return nil, framingError("block status response to a non-status command")
	}
	if hdr.Length < 8 || (hdr.Length-4)%8 != 0 {
		return nil, framingError("structured reply BLOCK_STATUS size incorrect")
	}

	var ctxHdr nbdwire.BlockStatusHeader
	if err := ctxHdr.Read(r.conn); err != nil {
		return nil, err
	}
	nDescriptors := (hdr.Length - 4) / 8
	r.logf("nbd: parsing %d extents for context id %d", nDescriptors, ctxHdr.ContextID)

	for i := uint32(0); i < nDescriptors; i++ {
		var desc nbdwire.BlockDescriptor
		if err := desc.Read(r.conn); err != nil {
			return nil, err
		}
		trans.extents.add(desc.Length, desc.Status)
	}
	return nil, nil
}

func (r *replyReader) applyErrorChunk(hdr *nbdwire.StructuredReplyHeader) (error, error) {
	if hdr.Length < 6 {
		return nil, framingError("structured reply error size incorrect")
	}
	var errHdr nbdwire.ErrorChunkHeader
	if err := errHdr.Read(r.conn); err != nil {
		return nil, err
	}
	remaining := hdr.Length - 6
	if uint32(errHdr.MessageLength) > remaining {
		return nil, framingError("structured reply error message size incorrect")
	}
	msg := make([]byte, errHdr.MessageLength)
	if err := ioframe.ReadFull(r.conn, msg); err != nil {
		return nil, err
	}
	// Any trailing bytes belong to NBD_REPLY_TYPE_ERROR_OFFSET's extra
	// offset field; the offset is not interpreted, so the remainder is
	// drained.
	if drain := remaining - uint32(errHdr.MessageLength); drain > 0 {
		if _, err := io.CopyN(io.Discard, r.conn, int64(drain)); err != nil {
			return nil, err
		}
	}
	if len(msg) > 0 {
		r.logf("nbd: received structured error %d with message: %s", errHdr.Error, string(msg))
	} else {
		r.logf("nbd: received structured error %d without message", errHdr.Error)
	}
	return nbdwire.ErrnoForWireError(errHdr.Error), nil
}

// copyStructuredData reads dataLen bytes directly into trans.buf at the
// position implied by offset, validating that the chunk falls within
// the transaction's originally requested range.
func (r *replyReader) copyStructuredData(trans *transaction, offset uint64, dataLen uint32) error {
	if trans.buf == nil {
		return framingError("structured read response to a non-read command")
	}
	if err := r.checkRange(trans, offset, dataLen); err != nil {
		return err
	}
	dst := trans.buf[offset-trans.offset:]
	if err := ioframe.ReadFull(r.conn, dst[:dataLen]); err != nil {
		return err
	}
	return nil
}

func (r *replyReader) zeroStructuredData(trans *transaction, offset uint64, length uint32) error {
	if trans.buf == nil {
		return framingError("structured read response to a non-read command")
	}
	if err := r.checkRange(trans, offset, length); err != nil {
		return err
	}
	dst := trans.buf[offset-trans.offset:]
	for i := uint32(0); i < length; i++ {
		dst[i] = 0
	}
	return nil
}

func (r *replyReader) checkRange(trans *transaction, offset uint64, length uint32) error {
	if offset < trans.offset {
		return framingError("structured read reply with unexpected offset/length")
	}
	if offset+uint64(length) > trans.offset+uint64(trans.count) {
		return framingError("structured read reply with unexpected offset/length")
	}
	return nil
}

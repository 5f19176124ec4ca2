package nbdwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// RequestHeader is the fixed-size prefix of every client request sent
// during the transmission phase.
type RequestHeader struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	From   uint64
	Length uint32
}

// Write serializes h onto w in wire order.
func (h *RequestHeader) Write(w io.Writer) error {
	buf := make([]byte, RequestHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Flags)
	binary.BigEndian.PutUint16(buf[6:8], h.Type)
	binary.BigEndian.PutUint64(buf[8:16], h.Handle)
	binary.BigEndian.PutUint64(buf[16:24], h.From)
	binary.BigEndian.PutUint32(buf[24:28], h.Length)
	_, err := w.Write(buf)
	return err
}

// Read populates h by reading RequestHeaderSize bytes from r.
func (h *RequestHeader) Read(r io.Reader) error {
	buf := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Flags = binary.BigEndian.Uint16(buf[4:6])
	h.Type = binary.BigEndian.Uint16(buf[6:8])
	h.Handle = binary.BigEndian.Uint64(buf[8:16])
	h.From = binary.BigEndian.Uint64(buf[16:24])
	h.Length = binary.BigEndian.Uint32(buf[24:28])
	return nil
}

// SimpleReplyHeader is the fixed-size reply used when structured replies
// have not been negotiated.
type SimpleReplyHeader struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

func (h *SimpleReplyHeader) Read(r io.Reader) error {
	buf := make([]byte, SimpleReplyHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Error = binary.BigEndian.Uint32(buf[4:8])
	h.Handle = binary.BigEndian.Uint64(buf[8:16])
	return nil
}

// StructuredReplyHeader is the fixed-size prefix of every structured
// reply chunk.
type StructuredReplyHeader struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Handle uint64
	Length uint32
}

func (h *StructuredReplyHeader) Read(r io.Reader) error {
	buf := make([]byte, StructuredReplyHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Flags = binary.BigEndian.Uint16(buf[4:6])
	h.Type = binary.BigEndian.Uint16(buf[6:8])
	h.Handle = binary.BigEndian.Uint64(buf[8:16])
	h.Length = binary.BigEndian.Uint32(buf[16:20])
	return nil
}

func (h *StructuredReplyHeader) Done() bool {
	return h.Flags&NBD_REPLY_FLAG_DONE != 0
}

// OptionHeader is what the client sends to start a round of option
// haggling: magic, option number, and the length of the option's data.
type OptionHeader struct {
	Magic  uint64
	Option uint32
	Length uint32
}

func (h *OptionHeader) Write(w io.Writer) error {
	buf := make([]byte, OptionHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], h.Magic)
	binary.BigEndian.PutUint32(buf[8:12], h.Option)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// OptionReplyHeader is the fixed-size prefix of a server's reply to an
// option during newstyle negotiation.
type OptionReplyHeader struct {
	Magic  uint64
	Option uint32
	Reply  uint32
	Length uint32
}

func (h *OptionReplyHeader) Read(r io.Reader) error {
	buf := make([]byte, OptionReplyHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.Magic = binary.BigEndian.Uint64(buf[0:8])
	h.Option = binary.BigEndian.Uint32(buf[8:12])
	h.Reply = binary.BigEndian.Uint32(buf[12:16])
	h.Length = binary.BigEndian.Uint32(buf[16:20])
	return nil
}

// OffsetDataHeader is the 8-byte offset that leads an OFFSET_DATA chunk;
// the remainder of the chunk's declared length is the data itself and is
// read separately, without being copied through this struct, so that
// read() can hand the server's bytes straight to the caller's buffer.
type OffsetDataHeader struct {
	Offset uint64
}

func (h *OffsetDataHeader) Read(r io.Reader) error {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.Offset = binary.BigEndian.Uint64(buf)
	return nil
}

// OffsetHoleChunk is the full, fixed-size payload of an OFFSET_HOLE
// chunk.
type OffsetHoleChunk struct {
	Offset uint64
	Length uint32
}

func (h *OffsetHoleChunk) Read(r io.Reader) error {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.Offset = binary.BigEndian.Uint64(buf[0:8])
	h.Length = binary.BigEndian.Uint32(buf[8:12])
	return nil
}

// BlockStatusHeader precedes the repeated (length, status_flags)
// descriptor pairs in a BLOCK_STATUS chunk.
type BlockStatusHeader struct {
	ContextID uint32
}

func (h *BlockStatusHeader) Read(r io.Reader) error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.ContextID = binary.BigEndian.Uint32(buf)
	return nil
}

// BlockDescriptor is one (length, status) pair within a BLOCK_STATUS
// chunk's payload.
type BlockDescriptor struct {
	Length uint32
	Status uint32
}

func (d *BlockDescriptor) Read(r io.Reader) error {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	d.Length = binary.BigEndian.Uint32(buf[0:4])
	d.Status = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// ErrorChunkHeader is the fixed-size prefix of a structured-reply error
// chunk (both NBD_REPLY_TYPE_ERROR and NBD_REPLY_TYPE_ERROR_OFFSET share
// it); the nul-free human-readable message and, for ERROR_OFFSET, an
// extra 8-byte offset, follow it on the wire and are read separately.
type ErrorChunkHeader struct {
	Error         uint32
	MessageLength uint16
}

func (h *ErrorChunkHeader) Read(r io.Reader) error {
	buf := make([]byte, 6)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	h.Error = binary.BigEndian.Uint32(buf[0:4])
	h.MessageLength = binary.BigEndian.Uint16(buf[4:6])
	return nil
}

// PutUint16, PutUint32 and PutUint64 write a single big-endian integer
// to w, for callers that send a bare integer without reaching for
// encoding/binary directly (e.g. the newstyle client flags).
func PutUint16(w io.Writer, v uint16) error {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	_, err := w.Write(buf)
	return err
}

func PutUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

func PutUint64(w io.Writer, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	_, err := w.Write(buf)
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ErrnoForWireError maps a wire error code to the syscall.Errno sentinel
// it was translated from, or nil if the code is NBD_SUCCESS. Unknown
// nonzero codes fall back to EINVAL, matching nbd-standalone.c's switch
// default.
func ErrnoForWireError(code uint32) error {
	return errnoForWireError(code)
}

// String renders a wire error code for diagnostics.
func (h ErrorChunkHeader) String() string {
	return fmt.Sprintf("error=%d msglen=%d", h.Error, h.MessageLength)
}

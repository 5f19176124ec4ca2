// Package nbdwire defines the byte-level constants and structures of the
// Network Block Device protocol, in both its oldstyle and newstyle forms,
// including the structured-reply and base:allocation extensions.
//
// This is in essence a transcription of the protocol described in NBD's
// proto.md. Naming follows the wire protocol's own identifiers rather than
// Go convention, since that is what a reader cross-referencing proto.md
// expects to find.
package nbdwire

// Handshake magics and versions.
const (
	NBD_MAGIC         = uint64(0x4e42444d41474943) // "NBDMAGIC"
	NBD_OPTS_MAGIC    = uint64(0x49484156454f5054) // "IHAVEOPT"
	NBD_CLISERV_MAGIC = uint64(0x00420281861253)   // oldstyle version

	NBD_OLD_VERSION = NBD_CLISERV_MAGIC
	NBD_NEW_VERSION = NBD_OPTS_MAGIC
)

// Reply/request magics in the transmission phase.
const (
	NBD_REQUEST_MAGIC          = uint32(0x25609513)
	NBD_SIMPLE_REPLY_MAGIC     = uint32(0x67446698)
	NBD_STRUCTURED_REPLY_MAGIC = uint32(0x668e33ef)
	NBD_REP_MAGIC              = uint64(0x3e889045565a9)
)

// NBD_DEFAULT_PORT is the TCP port used when none is configured.
const NBD_DEFAULT_PORT = "10809"

// Handshake (newstyle) flags, sent by the server in its greeting.
const (
	NBD_FLAG_FIXED_NEWSTYLE = uint16(1 << 0)
	NBD_FLAG_NO_ZEROES      = uint16(1 << 1)
)

// Client flags, echoed back during newstyle negotiation.
const (
	NBD_FLAG_C_FIXED_NEWSTYLE = uint32(1 << 0)
	NBD_FLAG_C_NO_ZEROES      = uint32(1 << 1)
)

// Transmission (export) flags.
const (
	NBD_FLAG_HAS_FLAGS         = uint16(1 << 0)
	NBD_FLAG_READ_ONLY         = uint16(1 << 1)
	NBD_FLAG_SEND_FLUSH        = uint16(1 << 2)
	NBD_FLAG_SEND_FUA          = uint16(1 << 3)
	NBD_FLAG_ROTATIONAL        = uint16(1 << 4)
	NBD_FLAG_SEND_TRIM         = uint16(1 << 5)
	NBD_FLAG_SEND_WRITE_ZEROES = uint16(1 << 6)
	NBD_FLAG_SEND_DF           = uint16(1 << 7)
	NBD_FLAG_CAN_MULTI_CONN    = uint16(1 << 8)
	NBD_FLAG_SEND_RESIZE       = uint16(1 << 9)
	NBD_FLAG_SEND_CACHE        = uint16(1 << 10)
	NBD_FLAG_SEND_FAST_ZERO    = uint16(1 << 11)
)

// Options sent by the client during newstyle haggling.
const (
	NBD_OPT_EXPORT_NAME      = uint32(1)
	NBD_OPT_ABORT            = uint32(2)
	NBD_OPT_LIST             = uint32(3)
	NBD_OPT_STARTTLS         = uint32(5)
	NBD_OPT_INFO             = uint32(6)
	NBD_OPT_GO               = uint32(7)
	NBD_OPT_STRUCTURED_REPLY = uint32(8)
	NBD_OPT_SET_META_CONTEXT = uint32(10)
)

// Option reply types.
const (
	NBD_REP_ACK                 = uint32(1)
	NBD_REP_SERVER              = uint32(2)
	NBD_REP_INFO                = uint32(3)
	NBD_REP_META_CONTEXT        = uint32(4)
	NBD_REP_FLAG_ERROR          = uint32(1 << 31)
	NBD_REP_ERR_UNSUP           = uint32(1) | NBD_REP_FLAG_ERROR
	NBD_REP_ERR_POLICY          = uint32(2) | NBD_REP_FLAG_ERROR
	NBD_REP_ERR_INVALID         = uint32(3) | NBD_REP_FLAG_ERROR
	NBD_REP_ERR_PLATFORM        = uint32(4) | NBD_REP_FLAG_ERROR
	NBD_REP_ERR_TLS_REQD        = uint32(5) | NBD_REP_FLAG_ERROR
	NBD_REP_ERR_UNKNOWN         = uint32(6) | NBD_REP_FLAG_ERROR
	NBD_REP_ERR_SHUTDOWN        = uint32(7) | NBD_REP_FLAG_ERROR
	NBD_REP_ERR_BLOCK_SIZE_REQD = uint32(8) | NBD_REP_FLAG_ERROR
)

// IsErrorReply reports whether an option reply type carries NBD_REP_FLAG_ERROR.
func IsErrorReply(reply uint32) bool {
	return reply&NBD_REP_FLAG_ERROR != 0
}

// Info types used by NBD_OPT_INFO / NBD_OPT_GO replies.
const (
	NBD_INFO_EXPORT      = uint16(0)
	NBD_INFO_NAME        = uint16(1)
	NBD_INFO_DESCRIPTION = uint16(2)
	NBD_INFO_BLOCK_SIZE  = uint16(3)
)

// Transmission-phase commands.
const (
	NBD_CMD_READ         = uint16(0)
	NBD_CMD_WRITE        = uint16(1)
	NBD_CMD_DISC         = uint16(2)
	NBD_CMD_FLUSH        = uint16(3)
	NBD_CMD_TRIM         = uint16(4)
	NBD_CMD_CACHE        = uint16(5)
	NBD_CMD_WRITE_ZEROES = uint16(6)
	NBD_CMD_BLOCK_STATUS = uint16(7)
)

// Command flags, set on the request header.
const (
	NBD_CMD_FLAG_FUA       = uint16(1 << 0)
	NBD_CMD_FLAG_NO_HOLE   = uint16(1 << 1)
	NBD_CMD_FLAG_DF        = uint16(1 << 2)
	NBD_CMD_FLAG_REQ_ONE   = uint16(1 << 3)
	NBD_CMD_FLAG_FAST_ZERO = uint16(1 << 4)
)

// Structured reply flags and chunk types.
const (
	NBD_REPLY_FLAG_DONE = uint16(1 << 0)

	NBD_REPLY_TYPE_NONE         = uint16(0)
	NBD_REPLY_TYPE_OFFSET_DATA  = uint16(1)
	NBD_REPLY_TYPE_OFFSET_HOLE  = uint16(2)
	NBD_REPLY_TYPE_BLOCK_STATUS = uint16(5)

	// NBD_REPLY_TYPE_ERROR and NBD_REPLY_TYPE_ERROR_OFFSET are the two
	// members of the structured-reply error family; any chunk type with
	// the high bit set is an error chunk.
	NBD_REPLY_TYPE_ERROR        = uint16(1<<15 | 1)
	NBD_REPLY_TYPE_ERROR_OFFSET = uint16(1<<15 | 2)
)

// IsErrorChunk reports whether a structured reply chunk type is in the
// error family.
func IsErrorChunk(chunkType uint16) bool {
	return chunkType&(1<<15) != 0
}

// Wire-level error codes, as transmitted by the server.
const (
	NBD_SUCCESS   = uint32(0)
	NBD_EPERM     = uint32(1)
	NBD_EIO       = uint32(5)
	NBD_ENOMEM    = uint32(12)
	NBD_EINVAL    = uint32(22)
	NBD_ENOSPC    = uint32(28)
	NBD_EOVERFLOW = uint32(75)
	NBD_ESHUTDOWN = uint32(108)
)

// Sizes, in bytes, of the fixed-length wire structures. Variable-length
// trailers (export names, error messages, extent arrays) are handled by
// the codec, not covered here.
const (
	RequestHeaderSize         = 4 + 2 + 2 + 8 + 8 + 4 // magic,flags,type,handle,from,len
	SimpleReplyHeaderSize     = 4 + 4 + 8             // magic,error,handle
	StructuredReplyHeaderSize = 4 + 2 + 2 + 8 + 4     // magic,flags,type,handle,length
	OptionHeaderSize          = 8 + 4 + 4             // magic,option,length
	OptionReplyHeaderSize     = 8 + 4 + 4 + 4         // magic,option,reply,length

	// BaseAllocationContext is the well-known meta-context name negotiated
	// for block-status extent queries.
	BaseAllocationContext = "base:allocation"

	// Extent status bits within a base:allocation BLOCK_STATUS descriptor.
	NBD_STATE_HOLE = uint32(1 << 0)
	NBD_STATE_ZERO = uint32(1 << 1)

	// MaxStructuredReplyPayload bounds a single structured reply chunk's
	// declared length, and MaxOptionReplyPayload an option reply's
	// payload, guarding against a malicious or corrupt server claiming an
	// absurd allocation (the same 64MiB and 16MiB bounds nbd-standalone.c
	// uses).
	MaxStructuredReplyPayload = 64 * 1024 * 1024
	MaxOptionReplyPayload     = 16 * 1024 * 1024
)

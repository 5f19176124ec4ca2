package nbdwire

import (
	"bytes"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestHeaderRoundTrip(t *testing.T) {
	want := RequestHeader{
		Magic:  NBD_REQUEST_MAGIC,
		Flags:  NBD_CMD_FLAG_FUA,
		Type:   NBD_CMD_WRITE,
		Handle: 0xdeadbeefcafef00d,
		From:   4096,
		Length: 512,
	}

	var buf bytes.Buffer
	require.NoError(t, want.Write(&buf))
	require.Equal(t, RequestHeaderSize, buf.Len())

	var got RequestHeader
	require.NoError(t, got.Read(&buf))
	require.Equal(t, want, got)
}

func TestSimpleReplyHeaderRead(t *testing.T) {
	buf := make([]byte, SimpleReplyHeaderSize)
	buf[0], buf[1], buf[2], buf[3] = 0x67, 0x44, 0x66, 0x98
	buf[7] = byte(NBD_EIO)
	buf[15] = 0x2a

	var h SimpleReplyHeader
	require.NoError(t, h.Read(bytes.NewReader(buf)))
	require.Equal(t, NBD_SIMPLE_REPLY_MAGIC, h.Magic)
	require.Equal(t, NBD_EIO, h.Error)
	require.Equal(t, uint64(0x2a), h.Handle)
}

func TestStructuredReplyHeaderDone(t *testing.T) {
	h := StructuredReplyHeader{Flags: NBD_REPLY_FLAG_DONE}
	require.True(t, h.Done())

	h2 := StructuredReplyHeader{Flags: 0}
	require.False(t, h2.Done())
}

func TestIsErrorChunk(t *testing.T) {
	require.True(t, IsErrorChunk(NBD_REPLY_TYPE_ERROR))
	require.True(t, IsErrorChunk(NBD_REPLY_TYPE_ERROR_OFFSET))
	require.False(t, IsErrorChunk(NBD_REPLY_TYPE_OFFSET_DATA))
	require.False(t, IsErrorChunk(NBD_REPLY_TYPE_NONE))
}

func TestIsErrorReply(t *testing.T) {
	require.True(t, IsErrorReply(NBD_REP_ERR_UNSUP))
	require.False(t, IsErrorReply(NBD_REP_ACK))
}

func TestErrnoForWireError(t *testing.T) {
	cases := map[uint32]error{
		NBD_SUCCESS:   nil,
		NBD_EPERM:     syscall.EPERM,
		NBD_EIO:       syscall.EIO,
		NBD_ENOMEM:    syscall.ENOMEM,
		NBD_EINVAL:    syscall.EINVAL,
		NBD_ENOSPC:    syscall.ENOSPC,
		NBD_EOVERFLOW: syscall.EOVERFLOW,
		NBD_ESHUTDOWN: syscall.ESHUTDOWN,
		999:           syscall.EINVAL,
	}
	for code, want := range cases {
		require.Equal(t, want, ErrnoForWireError(code))
	}
}

func TestOptionHeaderWrite(t *testing.T) {
	h := OptionHeader{Magic: NBD_OPTS_MAGIC, Option: NBD_OPT_GO, Length: 4}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	require.Equal(t, OptionHeaderSize, buf.Len())
}

func TestBlockDescriptorRead(t *testing.T) {
	buf := make([]byte, 8)
	buf[3] = 0x10
	buf[7] = byte(NBD_STATE_HOLE | NBD_STATE_ZERO)

	var d BlockDescriptor
	require.NoError(t, d.Read(bytes.NewReader(buf)))
	require.Equal(t, uint32(0x10), d.Length)
	require.Equal(t, NBD_STATE_HOLE|NBD_STATE_ZERO, d.Status)
}

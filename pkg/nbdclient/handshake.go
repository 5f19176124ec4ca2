package nbdclient

import (
	"encoding/binary"
	"net"

	"github.com/blockstore/nbdclient/internal/ioframe"
	"github.com/blockstore/nbdclient/pkg/nbdwire"
)

// negotiated carries everything the handshake learns about the export,
// independent of whether it arrived via oldstyle, newstyle+EXPORT_NAME,
// or newstyle+GO.
type negotiated struct {
	size           uint64
	flags          uint16
	structured     bool
	extentsEnabled bool
	maxBlockSize   uint32 // 0 if the server never reported one
}

// handshake performs the full greeting and option-haggling sequence on
// conn and returns what was negotiated, equivalent to the bulk of
// nbd_open_handle (everything from reading the 16-byte shared prefix
// through NBD_OPT_GO or its EXPORT_NAME fallback).
func handshake(conn net.Conn, opts *Options) (*negotiated, error) {
	var prefix [16]byte
	if err := ioframe.ReadFull(conn, prefix[:]); err != nil {
		return nil, handshakeError("unable to read magic: %v", err)
	}
	magic := binary.BigEndian.Uint64(prefix[0:8])
	version := binary.BigEndian.Uint64(prefix[8:16])
	if magic != nbdwire.NBD_MAGIC {
		return nil, handshakeError("wrong magic, %s is not an NBD server", opts.serverName())
	}

	switch version {
	case nbdwire.NBD_OLD_VERSION:
		opts.logf("nbd: trying oldstyle connection")
		return handshakeOldstyle(conn)
	case nbdwire.NBD_NEW_VERSION:
		opts.logf("nbd: trying newstyle connection")
		return handshakeNewstyle(conn, opts)
	default:
		return nil, handshakeError("unexpected version %#x", version)
	}
}

// handshakeOldstyle reads the remainder of the fixed oldstyle header:
// export size, flags, and a reserved pad.
func handshakeOldstyle(conn net.Conn) (*negotiated, error) {
	// Oldstyle handshake after the 16-byte shared prefix is:
	// exportsize(8) eflags(2) reserved(124).
	buf := make([]byte, 8+2+124)
	if err := ioframe.ReadFull(conn, buf); err != nil {
		return nil, handshakeError("unable to read old handshake: %v", err)
	}
	size := binary.BigEndian.Uint64(buf[0:8])
	flags := binary.BigEndian.Uint16(buf[8:10])
	return &negotiated{size: size, flags: flags}, nil
}

// handshakeNewstyle reads the newstyle global flags, echoes client
// flags, and then prefers NBD_OPT_GO (after trying to negotiate
// structured replies and base:allocation) before falling back to plain
// NBD_OPT_EXPORT_NAME, matching nbd_open_handle's newstyle branch.
func handshakeNewstyle(conn net.Conn, opts *Options) (*negotiated, error) {
	var gflagsBuf [2]byte
	if err := ioframe.ReadFull(conn, gflagsBuf[:]); err != nil {
		return nil, handshakeError("unable to read global flags: %v", err)
	}
	gflags := binary.BigEndian.Uint16(gflagsBuf[:])

	cflags := uint32(gflags) & (uint32(nbdwire.NBD_FLAG_FIXED_NEWSTYLE) | uint32(nbdwire.NBD_FLAG_NO_ZEROES))
	if err := nbdwire.PutUint32(conn, cflags); err != nil {
		return nil, handshakeError("unable to return global flags: %v", err)
	}

	n := &negotiated{}
	if gflags&nbdwire.NBD_FLAG_FIXED_NEWSTYLE != 0 {
		ok, err := newstyleHaggle(conn, opts, n)
		if err != nil {
			return nil, err
		}
		if ok {
			return n, nil
		}
		// NBD_REP_ERR_UNSUP on NBD_OPT_GO: fall through to EXPORT_NAME.
	}

	noZeroes := gflags&nbdwire.NBD_FLAG_NO_ZEROES != 0
	if err := exportNameFallback(conn, opts, n, noZeroes); err != nil {
		return nil, err
	}
	return n, nil
}

// exportNameFallback performs the older NBD_OPT_EXPORT_NAME negotiation,
// used either because the server lacks NBD_FLAG_FIXED_NEWSTYLE or
// because it rejected NBD_OPT_GO as unsupported.
func exportNameFallback(conn net.Conn, opts *Options, n *negotiated, noZeroes bool) error {
	if err := writeOption(conn, nbdwire.NBD_OPT_EXPORT_NAME, []byte(opts.Export)); err != nil {
		return handshakeError("unable to request export %q: %v", opts.Export, err)
	}
	expect := 8 + 2 + 124
	if noZeroes {
		expect = 8 + 2
	}
	buf := make([]byte, expect)
	if err := ioframe.ReadFull(conn, buf); err != nil {
		return handshakeError("unable to read new handshake: %v", err)
	}
	n.size = binary.BigEndian.Uint64(buf[0:8])
	n.flags = binary.BigEndian.Uint16(buf[8:10])
	return nil
}

// writeOption sends one newstyle option: the fixed 16-byte header
// followed by its payload.
func writeOption(conn net.Conn, option uint32, payload []byte) error {
	hdr := nbdwire.OptionHeader{
		Magic:  nbdwire.NBD_OPTS_MAGIC,
		Option: option,
		Length: uint32(len(payload)),
	}
	if err := hdr.Write(conn); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return ioframe.WriteFull(conn, payload)
}

// recvOptionReply reads one NBD_REP_* reply to option, validating magic
// and option echo and bounding the payload length, matching
// nbd_newstyle_recv_option_reply.
func recvOptionReply(conn net.Conn, option uint32) (*nbdwire.OptionReplyHeader, []byte, error) {
	var hdr nbdwire.OptionReplyHeader
	if err := hdr.Read(conn); err != nil {
		return nil, nil, handshakeError("unable to read option reply: %v", err)
	}
	if hdr.Magic != nbdwire.NBD_REP_MAGIC || hdr.Option != option {
		return nil, nil, handshakeError("unexpected option reply")
	}
	if hdr.Length == 0 {
		return &hdr, nil, nil
	}
	if hdr.Reply == nbdwire.NBD_REP_ACK {
		return nil, nil, handshakeError("NBD_REP_ACK should not have replylen %d", hdr.Length)
	}
	if hdr.Length > nbdwire.MaxOptionReplyPayload {
		return nil, nil, handshakeError("option reply length is suspiciously large: %d", hdr.Length)
	}
	payload := make([]byte, hdr.Length)
	if err := ioframe.ReadFull(conn, payload); err != nil {
		return nil, nil, handshakeError("unable to read option reply payload: %v", err)
	}
	return &hdr, payload, nil
}

// newstyleHaggle attempts NBD_OPT_STRUCTURED_REPLY, then
// NBD_OPT_SET_META_CONTEXT("base:allocation") if structured replies were
// accepted, then NBD_OPT_GO. It returns (true, nil) if GO completed,
// (false, nil) if GO is unsupported and the caller should fall back to
// EXPORT_NAME, or a non-nil error if the connection can no longer be
// trusted. This mirrors nbd_newstyle_haggle's three possible outcomes.
func newstyleHaggle(conn net.Conn, opts *Options, n *negotiated) (bool, error) {
	opts.logf("nbd: trying NBD_OPT_STRUCTURED_REPLY")
	if err := writeOption(conn, nbdwire.NBD_OPT_STRUCTURED_REPLY, nil); err != nil {
		return false, handshakeError("unable to request NBD_OPT_STRUCTURED_REPLY: %v", err)
	}
	reply, _, err := recvOptionReply(conn, nbdwire.NBD_OPT_STRUCTURED_REPLY)
	if err != nil {
		return false, err
	}

	if reply.Reply == nbdwire.NBD_REP_ACK {
		opts.logf("nbd: structured replies enabled, trying NBD_OPT_SET_META_CONTEXT")
		n.structured = true
		if err := negotiateMetaContext(conn, opts, n); err != nil {
			return false, err
		}
	} else {
		opts.logf("nbd: structured replies disabled")
	}

	return negotiateGo(conn, opts, n)
}

// negotiateMetaContext sends NBD_OPT_SET_META_CONTEXT for
// base:allocation and, if the server grants it, consumes the trailing
// NBD_REP_ACK. The negotiated context id itself is discarded once
// haggling completes (see DESIGN.md's Open Question decision); only
// whether extents were enabled at all is retained.
func negotiateMetaContext(conn net.Conn, opts *Options, n *negotiated) error {
	export := []byte(opts.Export)
	query := []byte(nbdwire.BaseAllocationContext)

	payload := make([]byte, 0, 4+len(export)+4+4+len(query))
	payload = appendUint32(payload, uint32(len(export)))
	payload = append(payload, export...)
	payload = appendUint32(payload, 1) // number of queries
	payload = appendUint32(payload, uint32(len(query)))
	payload = append(payload, query...)

	if err := writeOption(conn, nbdwire.NBD_OPT_SET_META_CONTEXT, payload); err != nil {
		return handshakeError("unable to request NBD_OPT_SET_META_CONTEXT: %v", err)
	}
	reply, _, err := recvOptionReply(conn, nbdwire.NBD_OPT_SET_META_CONTEXT)
	if err != nil {
		return err
	}

	if reply.Reply == nbdwire.NBD_REP_META_CONTEXT {
		opts.logf("nbd: extents enabled")
		n.extentsEnabled = true
		reply, _, err = recvOptionReply(conn, nbdwire.NBD_OPT_SET_META_CONTEXT)
		if err != nil {
			return err
		}
	}
	if reply.Reply != nbdwire.NBD_REP_ACK {
		if n.extentsEnabled {
			return handshakeError("unexpected response to set meta context")
		}
		opts.logf("nbd: ignoring meta context response %#x", reply.Reply)
	}
	return nil
}

// negotiateGo performs NBD_OPT_GO, parsing NBD_REP_INFO/NBD_INFO_EXPORT
// and NBD_INFO_BLOCK_SIZE replies until NBD_REP_ACK or a terminal error.
func negotiateGo(conn net.Conn, opts *Options, n *negotiated) (bool, error) {
	opts.logf("nbd: trying NBD_OPT_GO")
	export := []byte(opts.Export)
	payload := make([]byte, 0, 4+len(export)+2)
	payload = appendUint32(payload, uint32(len(export)))
	payload = append(payload, export...)
	payload = appendUint16(payload, 0) // number of NBD_INFO_* requests

	if err := writeOption(conn, nbdwire.NBD_OPT_GO, payload); err != nil {
		return false, handshakeError("unable to request NBD_OPT_GO: %v", err)
	}

	for {
		reply, buf, err := recvOptionReply(conn, nbdwire.NBD_OPT_GO)
		if err != nil {
			return false, err
		}
		switch reply.Reply {
		case nbdwire.NBD_REP_INFO:
			if len(buf) < 2 {
				return false, handshakeError("NBD_REP_INFO reply too short")
			}
			info := binary.BigEndian.Uint16(buf[0:2])
			switch info {
			case nbdwire.NBD_INFO_EXPORT:
				if len(buf) != 2+8+2 {
					return false, handshakeError("NBD_INFO_EXPORT reply wrong size")
				}
				n.size = binary.BigEndian.Uint64(buf[2:10])
				n.flags = binary.BigEndian.Uint16(buf[10:12])
			case nbdwire.NBD_INFO_BLOCK_SIZE:
				if len(buf) != 2+4+4+4 {
					return false, handshakeError("NBD_INFO_BLOCK_SIZE reply wrong size")
				}
				n.maxBlockSize = binary.BigEndian.Uint32(buf[10:14])
			default:
				opts.logf("nbd: ignoring server info %d", info)
			}
		case nbdwire.NBD_REP_ACK:
			if n.flags == 0 {
				return false, handshakeError("server omitted NBD_INFO_EXPORT reply to NBD_OPT_GO")
			}
			opts.logf("nbd: NBD_OPT_GO complete")
			return true, nil
		case nbdwire.NBD_REP_ERR_UNSUP:
			opts.logf("nbd: server lacks NBD_OPT_GO support")
			return false, nil
		default:
			if nbdwire.IsErrorReply(reply.Reply) {
				if len(buf) > 0 {
					return false, handshakeError("server rejected NBD_OPT_GO with %#x: %s", reply.Reply, string(buf))
				}
				return false, handshakeError("server rejected NBD_OPT_GO with %#x", reply.Reply)
			}
			return false, handshakeError("server used unexpected reply %#x to NBD_OPT_GO", reply.Reply)
		}
	}
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

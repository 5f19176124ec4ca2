package nbdclient

import (
	"strings"

	"github.com/blockstore/nbdclient/pkg/nbdwire"
)

// Logger receives one-line diagnostic traces of protocol activity: the
// handshake steps and every reply received, mirroring nbdkit_debug's call
// sites in nbd-standalone.c. Requests sent are not traced. A nil Logger
// (the default) means silence.
type Logger func(format string, args ...interface{})

// Options configures a single connection to a remote NBD server. It
// mirrors the nbd plugin's key=value configuration: exactly one of
// Socket or Hostname must be set.
type Options struct {
	// Socket is the absolute path of a Unix domain socket to connect to.
	// Mutually exclusive with Hostname.
	Socket string

	// Hostname is the remote host to dial over TCP. Mutually exclusive
	// with Socket.
	Hostname string

	// Port is the TCP port or service name to use when Hostname is set.
	// Defaults to nbdwire.NBD_DEFAULT_PORT.
	Port string

	// Export is the name of the export to request. Defaults to "",
	// the convention for a server with a single unnamed export.
	Export string

	// Retry is how many extra times to retry connecting, sleeping one
	// second between attempts, before giving up. Zero means try once.
	Retry uint

	// Shared, if true, means this Options' Open call returns a handle
	// meant to be used concurrently by multiple logical clients rather
	// than opening a fresh connection per client. The internals are
	// identical either way; Shared only changes who is responsible for
	// calling Close.
	Shared bool

	// ReadOnly marks the handle as read-only regardless of what the
	// server reports, equivalent to nbdkit's readonly open flag ORing
	// NBD_FLAG_READ_ONLY into h->flags after handshake.
	ReadOnly bool

	// Logger, if set, receives a debug trace of protocol activity.
	Logger Logger
}

func (o *Options) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger(format, args...)
	}
}

// validate mirrors nbd_config_complete's checks: exactly one transport
// must be configured. It fills in no defaults; the default Port is
// applied where the port is used (dial, serverName).
func (o *Options) validate() error {
	if o.Socket != "" && (o.Hostname != "" || o.Port != "") {
		return configError("cannot mix Unix socket and TCP hostname/port parameters")
	}
	if o.Socket == "" && o.Hostname == "" {
		return configError("must supply Socket or Hostname of remote NBD server")
	}
	return nil
}

// serverName renders a human-readable description of the configured
// server, matching nbd_config_complete's servname construction
// (bracketed host for IPv6 literals, via net.JoinHostPort elsewhere).
func (o *Options) serverName() string {
	if o.Socket != "" {
		return o.Socket
	}
	port := o.Port
	if port == "" {
		port = nbdwire.NBD_DEFAULT_PORT
	}
	if strings.Contains(o.Hostname, ":") {
		return "[" + o.Hostname + "]:" + port
	}
	return o.Hostname + ":" + port
}

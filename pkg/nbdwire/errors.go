package nbdwire

import "syscall"

// errnoForWireError mirrors nbd-standalone.c's final switch from the
// wire NBD_E* codes to local errno values on reply receipt.
func errnoForWireError(code uint32) error {
	switch code {
	case NBD_SUCCESS:
		return nil
	case NBD_EPERM:
		return syscall.EPERM
	case NBD_EIO:
		return syscall.EIO
	case NBD_ENOMEM:
		return syscall.ENOMEM
	case NBD_EINVAL:
		return syscall.EINVAL
	case NBD_ENOSPC:
		return syscall.ENOSPC
	case NBD_EOVERFLOW:
		return syscall.EOVERFLOW
	case NBD_ESHUTDOWN:
		return syscall.ESHUTDOWN
	default:
		// Unknown codes squash to EINVAL, matching nbd-standalone.c's
		// default case falling through into NBD_EINVAL.
		return syscall.EINVAL
	}
}

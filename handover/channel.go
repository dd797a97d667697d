package handover

import (
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// The control channel is a unix stream socket at a well-known absolute path.
// Both processes must agree on the path out-of-band; the protocol has no
// discovery mechanism. The retiring process listens, the successor connects,
// and exactly one peer is serviced per handover attempt.

func listenChannel(path string) (*net.UnixListener, error) {
	if !filepath.IsAbs(path) {
		return nil, errors.Errorf("control channel path %q must be absolute", path)
	}
	// A previous instance may have crashed without unlinking its socket.
	if err := unlinkStaleSocket(path); err != nil {
		return nil, errors.Wrap(err, "can't remove stale control channel socket")
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrap(err, "error listening on control channel socket")
	}
	return ln, nil
}

func dialChannel(path string) (*net.UnixConn, error) {
	if !filepath.IsAbs(path) {
		return nil, errors.Errorf("control channel path %q must be absolute", path)
	}
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		if isNoPredecessor(err) {
			// No predecessor is listening. This is a recoverable condition:
			// the caller binds fresh listeners from configuration instead of
			// inheriting.
			return nil, errors.Wrapf(ErrTransferUnavailable, "dial %v", path)
		}
		return nil, errors.Wrap(err, "error connecting to control channel")
	}
	return conn, nil
}

// isNoPredecessor reports whether a dial error means nothing is listening:
// either the socket path does not exist, or it exists but no process has it
// open (a crashed predecessor leaves the path behind, and connecting to it
// fails with ECONNREFUSED).
func isNoPredecessor(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNREFUSED || errno == syscall.ENOENT
	}
	return false
}

func unlinkStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		// not a socket; refuse to remove whatever the operator put there
		return errors.Errorf("%v exists and is not a socket", path)
	}
	return os.Remove(path)
}

package transport

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nczempin/llhlsunix/errors"
)

var _ Transport = (*UnixSocket)(nil)

// UnixSocket owns one non-blocking Unix-domain socket descriptor
type UnixSocket struct {
	fd     int
	kind   SocketKind
	path   string
	listen bool
	closed bool
}

func newUnixSocket(kind SocketKind) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, kind.sockType(), 0)
	if err != nil {
		return -1, errors.NewTransportError(
			errors.SocketCreateFailure,
			"failed to create socket",
			err,
		)
	}

	if err := setSocketOptions(fd); err != nil {
		unix.Close(fd)
		return -1, errors.NewTransportError(
			errors.SocketCreateFailure,
			"failed to configure socket",
			err,
		)
	}

	return fd, nil
}

// setSocketOptions marks fd close-on-exec and non-blocking, and stops
// writes to a vanished peer from raising SIGPIPE.
func setSocketOptions(fd int) error {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	return suppressSigpipe(fd)
}

// Fd returns the socket descriptor, or -1 once closed
func (s *UnixSocket) Fd() int {
	return s.fd
}

// Kind returns the socket type
func (s *UnixSocket) Kind() SocketKind {
	return s.kind
}

// Path returns the socket path this socket was connected or bound to
func (s *UnixSocket) Path() string {
	return s.path
}

// Listening reports whether the socket was obtained in server mode
func (s *UnixSocket) Listening() bool {
	return s.listen
}

// Recv receives up to len(buf) bytes without blocking
func (s *UnixSocket) Recv(buf []byte) (int, error) {
	if s.fd < 0 {
		return 0, errors.NewTransportError(
			errors.ReadFailure,
			"not connected",
			nil,
		)
	}

	for {
		n, _, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errors.NewWouldBlock(err)
		default:
			return 0, errors.NewTransportError(
				errors.ReadFailure,
				"recv failed",
				err,
			)
		}
	}
}

// Send transmits buf with a single send call; SIGPIPE is suppressed
func (s *UnixSocket) Send(buf []byte) (int, error) {
	if s.fd < 0 {
		return 0, errors.NewTransportError(
			errors.WriteFailure,
			"not connected",
			nil,
		)
	}

	for {
		n, err := unix.SendmsgN(s.fd, buf, nil, nil, sendFlags)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errors.NewWouldBlock(err)
		default:
			return 0, errors.NewTransportError(
				errors.WriteFailure,
				"send failed",
				err,
			)
		}
	}
}

// WaitReadable polls for input. A timeout yields errors.ErrWouldBlock.
func (s *UnixSocket) WaitReadable(timeout time.Duration) error {
	return s.wait(unix.POLLIN, timeout)
}

// WaitWritable polls for output space. A timeout yields errors.ErrWouldBlock.
func (s *UnixSocket) WaitWritable(timeout time.Duration) error {
	return s.wait(unix.POLLOUT, timeout)
}

func (s *UnixSocket) wait(events int16, timeout time.Duration) error {
	if s.fd < 0 {
		return errors.NewTransportError(errors.InvalidState, "socket closed", nil)
	}
	ready, err := pollFd(s.fd, events, timeout)
	if err != nil {
		return errors.NewTransportError(errors.ReadFailure, "poll failed", err)
	}
	if !ready {
		return errors.NewWouldBlock(unix.EAGAIN)
	}
	return nil
}

// Close closes the descriptor and, for a socket obtained in server mode,
// unlinks the bound path. Subsequent calls are no-ops.
func (s *UnixSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var closeErr error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			closeErr = errors.NewTransportError(
				errors.CloseFailure,
				"failed to close socket",
				err,
			)
		}
		s.fd = -1
	}

	if s.listen && s.path != "" {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && closeErr == nil {
			closeErr = errors.NewTransportError(
				errors.CloseFailure,
				"failed to unlink socket path",
				err,
			)
		}
	}

	return closeErr
}

// pollFd waits for events on fd. A negative timeout waits indefinitely.
// Interrupted polls are restarted with the remaining time.
func pollFd(fd int, events int16, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ms := -1
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			ms = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0, nil
	}
}

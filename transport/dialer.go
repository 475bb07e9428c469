package transport

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nczempin/llhlsunix/errors"
)

// DefaultConnectTimeout bounds a pending connect when no timeout is configured.
const DefaultConnectTimeout = 100 * time.Millisecond

// acceptPollInterval is how often a waiting listener rechecks its context.
const acceptPollInterval = 50 * time.Millisecond

// Dialer opens Unix-domain sockets in client or server mode
type Dialer struct {
	Kind SocketKind

	// Timeout bounds a pending connect, and in server mode the wait for a
	// peer. Zero means DefaultConnectTimeout for connect and an unbounded
	// accept wait.
	Timeout time.Duration

	Retry  RetryPolicy
	Logger *slog.Logger
}

func (d *Dialer) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Dial connects to the socket at path. A connection-refused-class failure
// is retried once after the retry backoff on a fresh descriptor.
func (d *Dialer) Dial(ctx context.Context, path string) (*UnixSocket, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	retry := d.Retry
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		d.logger().Warn("llhls: connect failed, trying again",
			"path", path,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	var sock *UnixSocket
	err := retry.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return errors.NewTransportError(errors.ConnectFailure, "connect abandoned", err)
		}
		fd, err := newUnixSocket(d.Kind)
		if err != nil {
			return err
		}
		if err := connectFd(ctx, fd, path, timeout); err != nil {
			unix.Close(fd)
			return err
		}
		sock = &UnixSocket{fd: fd, kind: d.Kind, path: path}
		return nil
	}, IsTransientConnectError)
	if err != nil {
		d.logger().Info("llhls: connect failed", "path", path, "error", err)
		return nil, err
	}

	return sock, nil
}

// IsTransientConnectError reports whether a connect failure is worth one retry:
// the peer exists but refused, or its backlog was momentarily full.
func IsTransientConnectError(err error) bool {
	if k, ok := errors.KindOf(err); !ok || k != errors.ConnectFailure {
		return false
	}
	return stderrors.Is(err, unix.ECONNREFUSED) || stderrors.Is(err, unix.EAGAIN)
}

func connectFd(ctx context.Context, fd int, path string, timeout time.Duration) error {
	sa := &unix.SockaddrUnix{Name: path}

	err := unix.Connect(fd, sa)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EINTR:
	default:
		return errors.NewTransportError(
			errors.ConnectFailure,
			"failed to connect to unix socket "+path,
			err,
		)
	}

	timeout, err = connectWait(ctx, timeout)
	if err != nil {
		return errors.NewTransportError(errors.ConnectFailure, "connect abandoned", err)
	}

	ready, err := pollFd(fd, unix.POLLOUT, timeout)
	if err != nil {
		return errors.NewTransportError(errors.ConnectFailure, "poll failed", err)
	}
	if !ready {
		return errors.NewTransportError(
			errors.ConnectFailure,
			"connect timed out",
			unix.ETIMEDOUT,
		)
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.NewTransportError(errors.ConnectFailure, "getsockopt failed", err)
	}
	if soErr != 0 {
		return errors.NewTransportError(
			errors.ConnectFailure,
			"failed to connect to unix socket "+path,
			unix.Errno(soErr),
		)
	}

	return nil
}

// connectWait caps timeout by the context deadline. A context that is
// already done yields its error instead of a non-positive wait, which
// pollFd would treat as unbounded.
func connectWait(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return timeout, nil
}

// Listen binds path and, for connection-oriented kinds, waits for one peer
// and returns the accepted socket in place of the listening one. Datagram
// sockets are returned bound. The returned socket unlinks path on Close.
func (d *Dialer) Listen(ctx context.Context, path string) (*UnixSocket, error) {
	fd, err := newUnixSocket(d.Kind)
	if err != nil {
		return nil, err
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		if err == unix.EADDRINUSE {
			return nil, errors.NewTransportError(
				errors.AddressInUse,
				"socket path already bound: "+path,
				err,
			)
		}
		os.Remove(path)
		return nil, errors.NewTransportError(
			errors.BindFailure,
			"failed to bind unix socket "+path,
			err,
		)
	}

	if d.Kind == Datagram {
		return &UnixSocket{fd: fd, kind: d.Kind, path: path, listen: true}, nil
	}

	fail := func(kind errors.TransportError, msg string, cause error) (*UnixSocket, error) {
		unix.Close(fd)
		os.Remove(path)
		return nil, errors.NewTransportError(kind, msg, cause)
	}

	if err := unix.Listen(fd, 1); err != nil {
		return fail(errors.BindFailure, "failed to listen on "+path, err)
	}

	d.logger().Debug("llhls: listening", "path", path, "fd", fd)

	if err := d.waitForPeer(ctx, fd); err != nil {
		return fail(errors.AcceptFailure, "no peer connected to "+path, err)
	}

	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return fail(errors.AcceptFailure, "failed to accept on "+path, err)
	}
	unix.Close(fd)

	if err := setSocketOptions(nfd); err != nil {
		unix.Close(nfd)
		os.Remove(path)
		return nil, errors.NewTransportError(
			errors.AcceptFailure,
			"failed to configure accepted socket",
			err,
		)
	}

	return &UnixSocket{fd: nfd, kind: d.Kind, path: path, listen: true}, nil
}

func (d *Dialer) waitForPeer(ctx context.Context, fd int) error {
	var deadline time.Time
	if d.Timeout > 0 {
		deadline = time.Now().Add(d.Timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		slice := acceptPollInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return unix.ETIMEDOUT
			}
			if remaining < slice {
				slice = remaining
			}
		}

		ready, err := pollFd(fd, unix.POLLIN, slice)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
	}
}

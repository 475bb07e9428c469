package transport

import "golang.org/x/sys/unix"

// darwin has no MSG_NOSIGNAL; SIGPIPE is suppressed per socket instead.
const sendFlags = 0

func suppressSigpipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

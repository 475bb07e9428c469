//go:build unix && !darwin

package transport

import "golang.org/x/sys/unix"

const sendFlags = unix.MSG_NOSIGNAL

func suppressSigpipe(int) error {
	return nil
}

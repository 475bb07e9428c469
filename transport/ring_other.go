//go:build !linux

package transport

import (
	"github.com/nczempin/llhlsunix/errors"
)

func newIOURingSender(fd int) (RingSender, error) {
	return nil, errors.NewTransportError(errors.IoUringInit, "io_uring requires linux", nil)
}

func newURingSender(fd int) (RingSender, error) {
	return nil, errors.NewTransportError(errors.IoUringInit, "io_uring requires linux", nil)
}

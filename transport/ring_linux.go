//go:build linux

package transport

import (
	"syscall"

	"github.com/godzie44/go-uring/uring"
	"github.com/iceber/iouring-go"

	"github.com/nczempin/llhlsunix/errors"
)

const ringEntries = 32

// IOURingSender sends through github.com/iceber/iouring-go
type IOURingSender struct {
	iour *iouring.IOURing
	fd   int
}

func newIOURingSender(fd int) (*IOURingSender, error) {
	iour, err := iouring.New(ringEntries)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.IoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &IOURingSender{iour: iour, fd: fd}, nil
}

// Send writes all of buf, resubmitting after short sends
func (s *IOURingSender) Send(buf []byte) (int, error) {
	totalWritten := 0
	for totalWritten < len(buf) {
		ch := make(chan iouring.Result, 1)
		prepReq := iouring.Send(s.fd, buf[totalWritten:], syscall.MSG_NOSIGNAL)
		if _, err := s.iour.SubmitRequest(prepReq, ch); err != nil {
			return totalWritten, errors.NewTransportError(
				errors.IoUringSubmit,
				"failed to submit send request",
				err,
			)
		}

		result := <-ch
		n, err := result.ReturnInt()
		if err != nil {
			if err == syscall.EAGAIN {
				return totalWritten, errors.NewWouldBlock(err)
			}
			return totalWritten, errors.NewTransportError(
				errors.WriteFailure,
				"send failed",
				err,
			)
		}

		if n <= 0 {
			return totalWritten, errors.NewTransportError(
				errors.WriteFailure,
				"connection closed during send",
				syscall.EPIPE,
			)
		}

		totalWritten += n
	}

	return totalWritten, nil
}

// Destroy releases the io_uring instance
func (s *IOURingSender) Destroy() {
	if s.iour != nil {
		s.iour.Close()
		s.iour = nil
	}
}

// URingSender sends through github.com/godzie44/go-uring
type URingSender struct {
	ring *uring.Ring
	fd   int
}

func newURingSender(fd int) (*URingSender, error) {
	ring, err := uring.New(ringEntries)
	if err != nil {
		return nil, errors.NewTransportError(
			errors.IoUringInit,
			"failed to initialize io_uring",
			err,
		)
	}

	return &URingSender{ring: ring, fd: fd}, nil
}

// Send writes all of buf, resubmitting after short writes
func (s *URingSender) Send(buf []byte) (int, error) {
	totalWritten := 0
	for totalWritten < len(buf) {
		sqe := uring.Write(uintptr(s.fd), buf[totalWritten:], 0)
		if err := s.ring.QueueSQE(sqe, 0, 0); err != nil {
			return totalWritten, errors.NewTransportError(
				errors.IoUringSubmit,
				"failed to queue write request",
				err,
			)
		}

		if _, err := s.ring.Submit(); err != nil {
			return totalWritten, errors.NewTransportError(
				errors.IoUringSubmit,
				"failed to submit write request",
				err,
			)
		}

		cqe, err := s.ring.WaitCQEvents(1)
		if err != nil {
			return totalWritten, errors.NewTransportError(
				errors.WriteFailure,
				"failed to wait for write completion",
				err,
			)
		}

		if err := cqe.Error(); err != nil {
			s.ring.SeenCQE(cqe)
			if err == syscall.EAGAIN {
				return totalWritten, errors.NewWouldBlock(err)
			}
			return totalWritten, errors.NewTransportError(
				errors.WriteFailure,
				"write operation failed",
				err,
			)
		}

		n := int(cqe.Res)
		s.ring.SeenCQE(cqe)

		if n <= 0 {
			return totalWritten, errors.NewTransportError(
				errors.WriteFailure,
				"connection closed during write",
				syscall.EPIPE,
			)
		}

		totalWritten += n
	}

	return totalWritten, nil
}

// Destroy releases the ring
func (s *URingSender) Destroy() {
	if s.ring != nil {
		s.ring.Close()
		s.ring = nil
	}
}

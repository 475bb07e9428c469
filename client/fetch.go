package client

import (
	"context"
	"io"
	"time"

	"github.com/nczempin/llhlsunix/config"
	"github.com/nczempin/llhlsunix/errors"
)

const (
	fetchBufferSize   = 32 * 1024
	fetchPollInterval = 50 * time.Millisecond
)

// Fetch opens descriptor and copies the stream into w until the server
// ends it, polling the descriptor whenever a read would block. It returns
// the number of bytes written. A sentinel or socket failure is returned as
// is; bytes already written to w must then be discarded by the caller.
func Fetch(ctx context.Context, descriptor string, cfg config.Config, w io.Writer, opts ...Option) (int64, error) {
	h, err := Open(ctx, descriptor, cfg, opts...)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	return h.copyTo(ctx, w)
}

func (h *Handle) copyTo(ctx context.Context, w io.Writer) (int64, error) {
	buf := make([]byte, fetchBufferSize)
	var written int64
	for {
		n, err := h.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
		}

		switch {
		case err == nil:
			continue
		case errors.IsEndOfStream(err):
			return written, nil
		case errors.IsWouldBlock(err):
			if err := h.waitInput(ctx); err != nil {
				return written, err
			}
		default:
			return written, err
		}
	}
}

// waitInput polls the descriptor in short slices so ctx is honoured.
func (h *Handle) waitInput(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := h.WaitReadable(fetchPollInterval)
		if err == nil {
			return nil
		}
		if !errors.IsWouldBlock(err) {
			return err
		}
	}
}

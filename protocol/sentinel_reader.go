package protocol

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/nczempin/llhlsunix/errors"
	"github.com/nczempin/llhlsunix/transport"
)

// Sentinel is the marker a chunk server appends to the stream when it
// cannot complete the chunk. It never occurs in valid TS or MP4 data.
const Sentinel = "<<<=== MAGIC_ERROR_STRING {SHOULDNT BE IN TS/MP4} ===>>>"

// ReadState is the reader's position in the stream lifecycle
type ReadState int

const (
	ReadStreaming ReadState = iota
	ReadCompleted
	ReadFailed
)

func (s ReadState) String() string {
	switch s {
	case ReadStreaming:
		return "streaming"
	case ReadCompleted:
		return "completed"
	case ReadFailed:
		return "failed"
	default:
		return fmt.Sprintf("ReadState(%d)", int(s))
	}
}

// SentinelReader classifies every receive as data, would-block, end of
// stream, sentinel failure or hard failure, scanning a trailing window of
// the stream so markers split across receives are still found.
type SentinelReader struct {
	src      transport.Receiver
	window   *TrailingWindow
	sentinel []byte
	read     int64
	state    ReadState
	terminal error
	logger   *slog.Logger
	uri      string
	observe  func(result string, n int)
	scratch  []byte
}

// ReaderOption configures a SentinelReader
type ReaderOption func(*SentinelReader)

// WithSentinel replaces the marker searched for
func WithSentinel(marker []byte) ReaderOption {
	return func(r *SentinelReader) {
		r.sentinel = append([]byte(nil), marker...)
	}
}

// WithWindowSize sets the trailing window capacity; non-positive sizes
// keep DefaultWindowSize.
func WithWindowSize(size int) ReaderOption {
	return func(r *SentinelReader) {
		if size > 0 {
			r.window = &TrailingWindow{buf: make([]byte, size)}
		}
	}
}

// WithReaderLogger sets the logger and the resource identifier logged with it
func WithReaderLogger(logger *slog.Logger, uri string) ReaderOption {
	return func(r *SentinelReader) {
		r.logger = logger
		r.uri = uri
	}
}

// WithObserver registers a callback invoked once per Read with the result
// class ("data", "would_block", "eof", "sentinel", "error") and byte count.
func WithObserver(fn func(result string, n int)) ReaderOption {
	return func(r *SentinelReader) {
		r.observe = fn
	}
}

// NewSentinelReader wraps src. The window must be at least as large as the
// sentinel, otherwise a marker could never be seen whole.
func NewSentinelReader(src transport.Receiver, opts ...ReaderOption) (*SentinelReader, error) {
	r := &SentinelReader{
		src:      src,
		sentinel: []byte(Sentinel),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.window == nil {
		r.window = &TrailingWindow{buf: make([]byte, DefaultWindowSize)}
	}
	if len(r.sentinel) == 0 {
		return nil, fmt.Errorf("sentinel must not be empty")
	}
	if r.window.Cap() < len(r.sentinel) {
		return nil, fmt.Errorf("window of %d bytes cannot hold a %d byte sentinel",
			r.window.Cap(), len(r.sentinel))
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Read receives up to len(buf) bytes without blocking.
//
// It returns errors.ErrWouldBlock when nothing is queued, an EndOfStream
// error (wrapping io.EOF) on orderly shutdown, a SentinelDetected error once
// the marker has been seen, and a ReadFailure for any other socket error.
// Sentinel detection takes priority over returning data: bytes of the read
// that completes the marker are left in buf but n is 0. After a terminal
// result every call returns the same error without touching the socket.
func (r *SentinelReader) Read(buf []byte) (int, error) {
	if r.terminal != nil {
		return 0, r.terminal
	}
	if len(buf) == 0 {
		return 0, nil
	}

	n, err := r.src.Recv(buf)
	if err != nil {
		if errors.IsWouldBlock(err) {
			r.notify("would_block", 0)
			return 0, err
		}
		r.logger.Info("llhls: read failed", "uri", r.uri, "data_read", r.read, "error", err)
		return 0, r.finish(ReadFailed, "error", 0, err)
	}

	hit := false
	if n > 0 {
		hit = r.scan(buf[:n])
		r.window.Write(buf[:n])
		r.read += int64(n)
	}

	if hit || r.window.Contains(r.sentinel) {
		r.logger.Warn("llhls: error for uri", "uri", r.uri, "data_read", r.read)
		return 0, r.finish(ReadFailed, "sentinel", n, errors.NewSentinelError(r.read))
	}

	if n == 0 {
		r.logger.Info("llhls: done for uri", "uri", r.uri, "data_read", r.read)
		return 0, r.finish(ReadCompleted, "eof", 0, errors.NewEndOfStream())
	}

	r.notify("data", n)
	return n, nil
}

// scan looks for the sentinel in p joined to the bytes of the window that
// could start a marker completed by p. The window alone misses a marker
// that p also pushes out of it.
func (r *SentinelReader) scan(p []byte) bool {
	tail := r.window.Tail(len(r.sentinel) - 1)
	if len(tail) == 0 {
		return bytes.Contains(p, r.sentinel)
	}
	r.scratch = append(append(r.scratch[:0], tail...), p...)
	return bytes.Contains(r.scratch, r.sentinel)
}

func (r *SentinelReader) finish(state ReadState, result string, n int, err error) error {
	r.state = state
	r.terminal = err
	r.notify(result, n)
	return err
}

func (r *SentinelReader) notify(result string, n int) {
	if r.observe != nil {
		r.observe(result, n)
	}
}

// BytesRead returns the cumulative number of bytes received
func (r *SentinelReader) BytesRead() int64 {
	return r.read
}

// State returns the current reader state
func (r *SentinelReader) State() ReadState {
	return r.state
}

// Window exposes the trailing window for diagnostics
func (r *SentinelReader) Window() *TrailingWindow {
	return r.window
}

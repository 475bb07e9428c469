// Package client exposes the llhls chunk transport to a host pipeline.
//
// A Handle is opened once per chunk, driven by a single caller through
// Read and Write, and closed exactly once. Read never blocks in client
// mode: errors.ErrWouldBlock means "poll Fd and retry".
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nczempin/llhlsunix/config"
	"github.com/nczempin/llhlsunix/errors"
	"github.com/nczempin/llhlsunix/metrics"
	"github.com/nczempin/llhlsunix/protocol"
	"github.com/nczempin/llhlsunix/transport"
)

// Handle owns one socket and its stream state. It is not safe for
// concurrent use; the host serializes calls.
type Handle struct {
	id     uuid.UUID
	desc   protocol.Descriptor
	cfg    config.Config
	sock   *transport.UnixSocket
	sender transport.Sender
	reader *protocol.SentinelReader

	// request carries the request frame; nil means sock
	request transport.Sender

	state    State
	read     int64
	terminal error

	logger   *slog.Logger
	metrics  *metrics.Collector
	retry    *transport.RetryPolicy
	sentinel []byte
}

// Option configures Open
type Option func(*Handle)

// WithLogger sets the handle's logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// WithMetrics records diagnostics into c
func WithMetrics(c *metrics.Collector) Option {
	return func(h *Handle) {
		h.metrics = c
	}
}

// WithRetryPolicy overrides the connect and request retry policy
func WithRetryPolicy(p transport.RetryPolicy) Option {
	return func(h *Handle) {
		h.retry = &p
	}
}

// WithSentinel replaces the in-band error marker
func WithSentinel(marker []byte) Option {
	return func(h *Handle) {
		h.sentinel = marker
	}
}

// Open parses descriptor, connects (or in server mode binds, listens and
// accepts) and sends the request frame. On failure no descriptor is left
// open and the returned error carries the setup failure class.
func Open(ctx context.Context, descriptor string, cfg config.Config, opts ...Option) (*Handle, error) {
	h := &Handle{
		id:    uuid.New(),
		cfg:   cfg,
		state: Connecting,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("handle", h.id.String())

	if err := cfg.Validate(); err != nil {
		h.state = Failed
		return nil, errors.NewTransportError(errors.InvalidState, "invalid config", err)
	}

	desc, err := protocol.ParseDescriptor(descriptor)
	if err != nil {
		h.state = Failed
		return nil, err
	}
	h.desc = desc

	if err := h.connect(ctx); err != nil {
		h.state = Failed
		return nil, err
	}
	h.state = Connected

	if err := h.prepare(); err != nil {
		h.sock.Close()
		h.state = Failed
		return nil, err
	}

	if !cfg.Listen {
		framer := &protocol.RequestFramer{
			Retry:  h.retryPolicy(h.metrics.SendRetry),
			Logger: h.logger,
		}
		// A failed request is logged by the framer; the stream will end
		// with EOF or the sentinel instead.
		framer.Send(ctx, h.requestSender(), desc.ResourceID)
	}
	h.state = RequestSent

	return h, nil
}

func (h *Handle) requestSender() transport.Sender {
	if h.request != nil {
		return h.request
	}
	return h.sock
}

func (h *Handle) retryPolicy(onRetry func()) transport.RetryPolicy {
	var p transport.RetryPolicy
	if h.retry != nil {
		p = *h.retry
	} else {
		p = transport.DefaultRetryPolicy(h.cfg.RetryBackoff.Std())
	}
	inner := p.OnRetry
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		onRetry()
		if inner != nil {
			inner(attempt, delay, err)
		}
	}
	return p
}

func (h *Handle) connect(ctx context.Context) error {
	d := &transport.Dialer{
		Kind:   h.cfg.SocketKind,
		Retry:  h.retryPolicy(h.metrics.ConnectRetry),
		Logger: h.logger,
	}

	if h.cfg.Listen {
		d.Timeout = h.cfg.Timeout.Std()
		if d.Timeout == 0 {
			d.Timeout = h.cfg.HostTimeout.Std()
		}
		sock, err := d.Listen(ctx, h.desc.SocketPath)
		if err != nil {
			return err
		}
		h.sock = sock
		return nil
	}

	d.Timeout = h.cfg.EffectiveTimeout()
	sock, err := d.Dial(ctx, h.desc.SocketPath)
	if err != nil {
		return err
	}
	h.sock = sock
	return nil
}

func (h *Handle) prepare() error {
	sender, err := transport.NewSender(h.sock, h.cfg.WriteBackend)
	if err != nil {
		return err
	}
	h.sender = sender

	if !h.cfg.SentinelAware() {
		return nil
	}

	opts := []protocol.ReaderOption{
		protocol.WithWindowSize(h.cfg.WindowSize),
		protocol.WithReaderLogger(h.logger, h.desc.ResourceID),
		protocol.WithObserver(h.metrics.ObserveRead),
	}
	if h.sentinel != nil {
		opts = append(opts, protocol.WithSentinel(h.sentinel))
	}
	reader, err := protocol.NewSentinelReader(h.sock, opts...)
	if err != nil {
		h.destroySender()
		return errors.NewTransportError(errors.InvalidState, "invalid reader configuration", err)
	}
	h.reader = reader
	return nil
}

// Read fills buf with the next available stream bytes.
//
// Results: (n, nil) for data; errors.ErrWouldBlock when nothing is queued;
// an EndOfStream error (wrapping io.EOF) on successful completion; a
// SentinelDetected error when the server reported a failure in-band; a
// ReadFailure for any other socket error. Data delivered before a sentinel
// does not form a valid chunk.
func (h *Handle) Read(buf []byte) (int, error) {
	if h.state == Closed {
		return 0, errors.NewTransportError(errors.InvalidState, "handle closed", nil)
	}
	if h.terminal != nil {
		return 0, h.terminal
	}
	if h.state == RequestSent {
		h.state = Streaming
	}

	var n int
	var err error
	if h.reader != nil {
		n, err = h.reader.Read(buf)
	} else {
		n, err = h.readPlain(buf)
	}

	switch {
	case err == nil:
	case errors.IsWouldBlock(err):
	case errors.IsEndOfStream(err):
		h.state = Completed
		h.terminal = err
	default:
		h.state = Failed
		h.terminal = err
	}
	return n, err
}

// readPlain is the server-mode reader: no sentinel scan, and unless the
// handle is non-blocking it waits for input up to the configured timeout.
func (h *Handle) readPlain(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if !h.cfg.NonBlocking {
		if err := h.sock.WaitReadable(h.cfg.EffectiveTimeout()); err != nil {
			if errors.IsWouldBlock(err) {
				h.metrics.ObserveRead("would_block", 0)
			} else {
				h.metrics.ObserveRead("error", 0)
			}
			return 0, err
		}
	}

	n, err := h.sock.Recv(buf)
	switch {
	case err != nil && errors.IsWouldBlock(err):
		h.metrics.ObserveRead("would_block", 0)
		return 0, err
	case err != nil:
		h.metrics.ObserveRead("error", 0)
		return 0, err
	case n == 0:
		h.metrics.ObserveRead("eof", 0)
		h.logger.Info("llhls: done", "path", h.desc.SocketPath, "data_read", h.read)
		return 0, errors.NewEndOfStream()
	}

	h.read += int64(n)
	h.metrics.ObserveRead("data", n)
	return n, nil
}

// Write sends buf to the peer. Unless the handle is non-blocking it first
// waits up to the configured timeout for the socket to become writable and
// returns errors.ErrWouldBlock if it does not.
func (h *Handle) Write(buf []byte) (int, error) {
	if h.state == Closed {
		return 0, errors.NewTransportError(errors.InvalidState, "handle closed", nil)
	}

	if !h.cfg.NonBlocking {
		if err := h.sock.WaitWritable(h.cfg.EffectiveTimeout()); err != nil {
			return 0, err
		}
	}

	n, err := h.sender.Send(buf)
	if err != nil && !errors.IsWouldBlock(err) {
		h.state = Failed
		if h.terminal == nil {
			h.terminal = err
		}
	}
	return n, err
}

// Close releases the socket and, in server mode, unlinks the socket path.
// Calling it again is a no-op.
func (h *Handle) Close() error {
	if h.state == Closed {
		return nil
	}
	h.state = Closed
	h.destroySender()
	if h.sock == nil {
		return nil
	}
	return h.sock.Close()
}

func (h *Handle) destroySender() {
	if ring, ok := h.sender.(transport.RingSender); ok {
		ring.Destroy()
	}
	h.sender = nil
}

// Fd returns the socket descriptor for readiness polling, -1 once closed
func (h *Handle) Fd() int {
	if h.sock == nil {
		return -1
	}
	return h.sock.Fd()
}

// WaitReadable blocks until the socket has input or timeout elapses
func (h *Handle) WaitReadable(timeout time.Duration) error {
	if h.state == Closed {
		return errors.NewTransportError(errors.InvalidState, "handle closed", nil)
	}
	return h.sock.WaitReadable(timeout)
}

// State returns the lifecycle state
func (h *Handle) State() State {
	return h.state
}

// BytesRead returns the cumulative bytes received
func (h *Handle) BytesRead() int64 {
	if h.reader != nil {
		return h.reader.BytesRead()
	}
	return h.read
}

// Descriptor returns the parsed connection descriptor
func (h *Handle) Descriptor() protocol.Descriptor {
	return h.desc
}

// ID identifies the handle in logs
func (h *Handle) ID() uuid.UUID {
	return h.id
}

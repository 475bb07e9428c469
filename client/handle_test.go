package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nczempin/llhlsunix/config"
	"github.com/nczempin/llhlsunix/errors"
	"github.com/nczempin/llhlsunix/metrics"
	"github.com/nczempin/llhlsunix/protocol"
	"github.com/nczempin/llhlsunix/transport"
)

var unixTestCounter uint64

func testSocketPath(t *testing.T) string {
	t.Helper()
	count := atomic.AddUint64(&unixTestCounter, 1)
	path := fmt.Sprintf("/tmp/llhls_client_%d_%d.sock", os.Getpid(), count)
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })
	return path
}

// setupChunkServer serves one connection: it reads the NUL-terminated request
// frame (when expectFrame is set), reports it on the returned channel and
// then runs serverLogic.
func setupChunkServer(t *testing.T, expectFrame bool, serverLogic func(net.Conn)) (string, <-chan string, func()) {
	t.Helper()

	socketPath := testSocketPath(t)
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err, "failed to create chunk server")

	frames := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if expectFrame {
			frame, err := bufio.NewReader(conn).ReadBytes(0)
			if err != nil {
				return
			}
			frames <- string(frame)
		}
		serverLogic(conn)
	}()

	cleanup := func() {
		listener.Close()
		<-done
	}

	return socketPath, frames, cleanup
}

// connectPeer dials path until a server-mode handle accepts, then runs logic.
func connectPeer(path string, logic func(net.Conn)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var conn net.Conn
		var err error
		for i := 0; i < 200; i++ {
			conn, err = net.Dial("unix", path)
			if err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			return
		}
		defer conn.Close()
		logic(conn)
	}()
	return done
}

func serverConfig() config.Config {
	cfg := config.Default()
	cfg.Listen = true
	cfg.Timeout = config.Duration(2 * time.Second)
	return cfg
}

// nextResult reads until something other than WouldBlock is returned.
func nextResult(t *testing.T, h *Handle, buf []byte) (int, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := h.Read(buf)
		if !errors.IsWouldBlock(err) {
			return n, err
		}
		fds := []unix.PollFd{{Fd: int32(h.Fd()), Events: unix.POLLIN}}
		unix.Poll(fds, 50)
	}
	t.Fatal("timeout waiting for a read result")
	return 0, nil
}

// failingSender refuses every send.
type failingSender struct {
	calls int
}

func (f *failingSender) Send([]byte) (int, error) {
	f.calls++
	return 0, errors.NewTransportError(errors.WriteFailure, "send failed", unix.EPIPE)
}

func withRequestSender(tx transport.Sender) Option {
	return func(h *Handle) {
		h.request = tx
	}
}

func TestOpen_RequestThenDataThenEOF(t *testing.T) {
	path, frames, cleanup := setupChunkServer(t, true, func(conn net.Conn) {
		conn.Write([]byte("hello"))
	})
	defer cleanup()

	h, err := Open(context.Background(), "llhls:"+path+"?chunk42", config.Default())
	require.NoError(t, err)
	defer h.Close()

	require.Equal(t, RequestSent, h.State())
	require.Equal(t, path, h.Descriptor().SocketPath)
	require.Equal(t, "chunk42", h.Descriptor().ResourceID)

	select {
	case frame := <-frames:
		require.Equal(t, "chunk42\x00", frame)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for request frame")
	}

	buf := make([]byte, 64)
	n, err := nextResult(t, h, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, Streaming, h.State())

	_, err = nextResult(t, h, buf)
	require.True(t, errors.IsEndOfStream(err), "expected EndOfStream, got %v", err)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, Completed, h.State())
	require.EqualValues(t, 5, h.BytesRead())
}

func TestOpen_RequestSendFailureIsNotFatal(t *testing.T) {
	path, _, cleanup := setupChunkServer(t, false, func(conn net.Conn) {
		conn.Write([]byte("late"))
	})
	defer cleanup()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	collector := metrics.NewCollector(prometheus.NewRegistry())
	tx := &failingSender{}

	h, err := Open(context.Background(), "llhls:"+path+"?chunk9", config.Default(),
		WithLogger(logger),
		WithMetrics(collector),
		withRequestSender(tx),
	)
	require.NoError(t, err, "a failed request must not fail Open")
	defer h.Close()

	require.Equal(t, RequestSent, h.State())
	require.Equal(t, 2, tx.calls, "the request is sent once more after a failure")
	require.EqualValues(t, 1, testutil.ToFloat64(collector.SendRetriesCounter()))
	require.Contains(t, logs.String(), "llhls: request not sent")
	require.Contains(t, logs.String(), "uri=chunk9")

	// the stream is still read to its end
	buf := make([]byte, 64)
	n, err := nextResult(t, h, buf)
	require.NoError(t, err)
	require.Equal(t, "late", string(buf[:n]))
	_, err = nextResult(t, h, buf)
	require.True(t, errors.IsEndOfStream(err), "expected EndOfStream, got %v", err)
}

func TestOpen_PrepareFailureClosesSocket(t *testing.T) {
	peerRead := make(chan error, 1)
	path, _, cleanup := setupChunkServer(t, false, func(conn net.Conn) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := conn.Read(make([]byte, 16))
		peerRead <- err
	})
	defer cleanup()

	// a marker larger than the window cannot be detected
	marker := bytes.Repeat([]byte("x"), 2*protocol.DefaultWindowSize)
	_, err := Open(context.Background(), "llhls:"+path+"?seg", config.Default(), WithSentinel(marker))
	require.ErrorIs(t, err, errors.ErrInvalidState)

	select {
	case err := <-peerRead:
		require.ErrorIs(t, err, io.EOF, "the client descriptor should be closed")
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for the peer to see the close")
	}
}

func TestOpen_SplitSentinel(t *testing.T) {
	firstRead := make(chan struct{})
	path, _, cleanup := setupChunkServer(t, true, func(conn net.Conn) {
		conn.Write([]byte("abc<<<MA"))
		<-firstRead
		conn.Write([]byte("GIC>>>"))
	})
	defer cleanup()

	h, err := Open(context.Background(), "llhls:"+path+"?chunk42", config.Default(),
		WithSentinel([]byte("<<<MAGIC>>>")))
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, 64)
	n, err := nextResult(t, h, buf)
	close(firstRead)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	_, err = nextResult(t, h, buf)
	require.True(t, errors.IsSentinel(err), "expected SentinelError, got %v", err)
	require.Equal(t, Failed, h.State())

	_, again := h.Read(buf)
	require.True(t, errors.IsSentinel(again), "sentinel failure should be sticky, got %v", again)
}

func TestOpen_NoResourceSendsNoFrame(t *testing.T) {
	received := make(chan int, 1)
	path, _, cleanup := setupChunkServer(t, false, func(conn net.Conn) {
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _ := conn.Read(make([]byte, 16))
		received <- n
	})
	defer cleanup()

	h, err := Open(context.Background(), "llhls:"+path, config.Default())
	require.NoError(t, err)
	defer h.Close()

	require.Zero(t, <-received, "expected no request frame")
}

func TestOpen_AddressError(t *testing.T) {
	_, err := Open(context.Background(), "llhls:", config.Default())
	require.ErrorIs(t, err, errors.ErrAddress)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.WriteBackend = "epoll"
	_, err := Open(context.Background(), "llhls:/tmp/x.sock", cfg)
	require.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestOpen_ConnectError(t *testing.T) {
	sleeps := 0
	_, err := Open(context.Background(), "llhls:/tmp/llhls-client-missing.sock?c", config.Default(),
		WithRetryPolicy(transport.RetryPolicy{Sleep: func(time.Duration) { sleeps++ }}))
	require.ErrorIs(t, err, errors.ErrConnect)
	require.Zero(t, sleeps, "missing socket is not transient")
}

func TestOpen_ConnectRetryRecorded(t *testing.T) {
	path := testSocketPath(t)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrUnix{Name: path}))

	collector := metrics.NewCollector(prometheus.NewRegistry())
	sleeps := 0
	h, err := Open(context.Background(), "llhls:"+path, config.Default(),
		WithMetrics(collector),
		WithRetryPolicy(transport.RetryPolicy{Sleep: func(time.Duration) {
			sleeps++
			unix.Listen(fd, 1)
		}}))
	require.NoError(t, err, "Open should succeed after one retry")
	defer h.Close()

	require.Equal(t, 1, sleeps)
	require.EqualValues(t, 1, testutil.ToFloat64(collector.ConnectRetriesCounter()))
}

func TestHandle_ReadMetrics(t *testing.T) {
	path, _, cleanup := setupChunkServer(t, true, func(conn net.Conn) {
		conn.Write([]byte("12345678"))
	})
	defer cleanup()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	h, err := Open(context.Background(), "llhls:"+path+"?seg", config.Default(), WithMetrics(collector))
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, 64)
	_, err = nextResult(t, h, buf)
	require.NoError(t, err)
	_, err = nextResult(t, h, buf)
	require.True(t, errors.IsEndOfStream(err), "expected EndOfStream, got %v", err)

	require.EqualValues(t, 8, testutil.ToFloat64(collector.BytesCounter()))
	require.EqualValues(t, 1, testutil.ToFloat64(collector.ReadsCounter("eof")))
}

func TestHandle_Write(t *testing.T) {
	for _, nonBlocking := range []bool{false, true} {
		t.Run(fmt.Sprintf("nonblock=%v", nonBlocking), func(t *testing.T) {
			received := make(chan string, 1)
			path, _, cleanup := setupChunkServer(t, false, func(conn net.Conn) {
				buf := make([]byte, 64)
				n, _ := conn.Read(buf)
				received <- string(buf[:n])
			})
			defer cleanup()

			cfg := config.Default()
			cfg.NonBlocking = nonBlocking
			h, err := Open(context.Background(), "llhls:"+path, cfg)
			require.NoError(t, err)
			defer h.Close()

			n, err := h.Write([]byte("upload"))
			require.NoError(t, err)
			require.Equal(t, 6, n)

			select {
			case msg := <-received:
				require.Equal(t, "upload", msg)
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for message")
			}
		})
	}
}

func TestHandle_Close(t *testing.T) {
	path, _, cleanup := setupChunkServer(t, false, func(conn net.Conn) {})
	defer cleanup()

	h, err := Open(context.Background(), "llhls:"+path, config.Default())
	require.NoError(t, err)
	require.GreaterOrEqual(t, h.Fd(), 0)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	require.Equal(t, Closed, h.State())
	require.Equal(t, -1, h.Fd())

	_, err = h.Read(make([]byte, 8))
	require.ErrorIs(t, err, errors.ErrInvalidState)
	_, err = h.Write([]byte("x"))
	require.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestOpen_ServerMode(t *testing.T) {
	path := testSocketPath(t)
	peerDone := connectPeer(path, func(conn net.Conn) {
		conn.Write([]byte("pushed"))
	})

	h, err := Open(context.Background(), "llhls:"+path, serverConfig())
	require.NoError(t, err, "Open in server mode failed")

	var got bytes.Buffer
	buf := make([]byte, 64)
	for {
		n, err := h.Read(buf)
		got.Write(buf[:n])
		if errors.IsWouldBlock(err) {
			continue
		}
		if errors.IsEndOfStream(err) {
			break
		}
		require.NoError(t, err)
	}
	<-peerDone

	require.Equal(t, "pushed", got.String())
	require.EqualValues(t, 6, h.BytesRead())

	require.NoError(t, h.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "server-mode close should unlink the socket path")
}

func TestOpen_ServerModeWaitFailureRecorded(t *testing.T) {
	path := testSocketPath(t)
	peerDone := connectPeer(path, func(conn net.Conn) {})

	collector := metrics.NewCollector(prometheus.NewRegistry())
	h, err := Open(context.Background(), "llhls:"+path, serverConfig(), WithMetrics(collector))
	require.NoError(t, err)
	<-peerDone

	// the descriptor goes away underneath the handle
	require.NoError(t, h.sock.Close())

	_, err = h.Read(make([]byte, 8))
	require.Error(t, err)
	require.False(t, errors.IsWouldBlock(err))
	require.Equal(t, Failed, h.State())
	require.EqualValues(t, 1, testutil.ToFloat64(collector.ReadsCounter("error")))
	require.NoError(t, h.Close())
}

func TestOpen_ServerModeAddressInUse(t *testing.T) {
	path := testSocketPath(t)
	listener, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer listener.Close()

	cfg := config.Default()
	cfg.Listen = true
	_, err = Open(context.Background(), "llhls:"+path, cfg)
	require.ErrorIs(t, err, errors.ErrAddressInUse)

	_, err = os.Stat(path)
	require.NoError(t, err, "socket path must survive an address-in-use failure")
}

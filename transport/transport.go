package transport

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Receiver performs a single non-blocking receive.
// It returns errors.ErrWouldBlock when nothing is queued and (0, nil) on
// orderly peer shutdown.
type Receiver interface {
	Recv(buf []byte) (int, error)
}

// Sender performs a single send of buf to the connected peer.
type Sender interface {
	Send(buf []byte) (int, error)
}

// Transport is a connected (or accepted) Unix-domain socket.
type Transport interface {
	Receiver
	Sender

	// Fd returns the descriptor for external readiness polling.
	Fd() int

	// WaitReadable blocks until the descriptor is readable or timeout elapses.
	WaitReadable(timeout time.Duration) error

	// WaitWritable blocks until the descriptor is writable or timeout elapses.
	WaitWritable(timeout time.Duration) error

	// Close releases the descriptor. It is safe to call more than once.
	Close() error
}

// SocketKind selects the Unix socket type
type SocketKind int

const (
	Stream SocketKind = iota
	Datagram
	SeqPacket
)

func (k SocketKind) String() string {
	switch k {
	case Stream:
		return "stream"
	case Datagram:
		return "dgram"
	case SeqPacket:
		return "seqpacket"
	default:
		return fmt.Sprintf("SocketKind(%d)", int(k))
	}
}

func (k SocketKind) sockType() int {
	switch k {
	case Datagram:
		return unix.SOCK_DGRAM
	case SeqPacket:
		return unix.SOCK_SEQPACKET
	default:
		return unix.SOCK_STREAM
	}
}

// ParseSocketKind accepts "stream", "dgram"/"datagram" and "seqpacket".
// The empty string selects Stream.
func ParseSocketKind(s string) (SocketKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stream":
		return Stream, nil
	case "dgram", "datagram":
		return Datagram, nil
	case "seqpacket":
		return SeqPacket, nil
	default:
		return Stream, fmt.Errorf("unknown socket type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (k SocketKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *SocketKind) UnmarshalText(text []byte) error {
	parsed, err := ParseSocketKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

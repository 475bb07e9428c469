package transport

import "fmt"

// Write backends understood by NewSender.
const (
	BackendSyscall = "syscall"
	BackendIOURing = "iouring"
	BackendURing   = "uring"
)

// RingSender is a Sender that owns kernel resources beyond the socket.
type RingSender interface {
	Sender
	Destroy()
}

// ValidBackend reports whether name selects a known write backend.
// The empty string selects BackendSyscall.
func ValidBackend(name string) bool {
	switch name {
	case "", BackendSyscall, BackendIOURing, BackendURing:
		return true
	default:
		return false
	}
}

// NewSender returns the sender for backend writing to sock.
// BackendSyscall returns sock itself; the ring backends submit sends
// through io_uring and must be released with Destroy.
func NewSender(sock *UnixSocket, backend string) (Sender, error) {
	switch backend {
	case "", BackendSyscall:
		return sock, nil
	case BackendIOURing:
		s, err := newIOURingSender(sock.Fd())
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendURing:
		s, err := newURingSender(sock.Fd())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown write backend %q", backend)
	}
}

package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"syscall"
)

// TransportError represents the class of a transport failure
type TransportError int

const (
	TransportErrorNone TransportError = iota
	AddressFailure
	SocketCreateFailure
	ConnectFailure
	BindFailure
	AddressInUse
	AcceptFailure
	SendFailure
	WouldBlock
	ReadFailure
	WriteFailure
	SentinelDetected
	EndOfStream
	CloseFailure
	InvalidState
	IoUringInit
	IoUringSubmit
)

func (e TransportError) String() string {
	switch e {
	case TransportErrorNone:
		return "No error"
	case AddressFailure:
		return "Invalid address"
	case SocketCreateFailure:
		return "Socket creation failed"
	case ConnectFailure:
		return "Socket connection failed"
	case BindFailure:
		return "Socket bind failed"
	case AddressInUse:
		return "Address already in use"
	case AcceptFailure:
		return "Socket accept failed"
	case SendFailure:
		return "Request send failed"
	case WouldBlock:
		return "Operation would block"
	case ReadFailure:
		return "Socket read failed"
	case WriteFailure:
		return "Socket write failed"
	case SentinelDetected:
		return "Source reported failure"
	case EndOfStream:
		return "End of stream"
	case CloseFailure:
		return "Socket close failed"
	case InvalidState:
		return "Invalid transport state"
	case IoUringInit:
		return "io_uring initialization failed"
	case IoUringSubmit:
		return "io_uring submit failed"
	default:
		return fmt.Sprintf("Unknown transport error: %d", int(e))
	}
}

// Error is the error type returned by every layer of the transport
type Error struct {
	Kind    TransportError
	Message string
	// Errno is the raw OS error when the failure came from a syscall
	Errno      syscall.Errno
	underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "no error"
	}

	msg := e.Kind.String()
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}

	if e.underlying != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.underlying)
	}

	return msg
}

// Unwrap returns the underlying error for error chain support
func (e *Error) Unwrap() error {
	return e.underlying
}

// Is reports whether target is an *Error of the same kind.
// A target with an empty message matches any error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Message == "" || t.Message == e.Message)
}

// Kind-only targets for errors.Is.
var (
	ErrAddress      = &Error{Kind: AddressFailure}
	ErrConnect      = &Error{Kind: ConnectFailure}
	ErrBind         = &Error{Kind: BindFailure}
	ErrAddressInUse = &Error{Kind: AddressInUse}
	ErrSend         = &Error{Kind: SendFailure}
	ErrWouldBlock   = &Error{Kind: WouldBlock}
	ErrSentinel     = &Error{Kind: SentinelDetected}
	ErrEndOfStream  = &Error{Kind: EndOfStream}
	ErrInvalidState = &Error{Kind: InvalidState}
)

// NewTransportError creates a new transport error.
// When underlying carries a syscall.Errno it is recorded in Errno.
func NewTransportError(kind TransportError, message string, underlying error) *Error {
	e := &Error{
		Kind:       kind,
		Message:    message,
		underlying: underlying,
	}
	var errno syscall.Errno
	if stderrors.As(underlying, &errno) {
		e.Errno = errno
	}
	return e
}

// NewAddressError creates an error for a malformed or over-length descriptor
func NewAddressError(message string) *Error {
	return &Error{
		Kind:    AddressFailure,
		Message: message,
	}
}

// NewWouldBlock reports that no data is available without blocking
func NewWouldBlock(underlying error) *Error {
	return NewTransportError(WouldBlock, "", underlying)
}

// NewEndOfStream reports an orderly peer shutdown; it unwraps to io.EOF
func NewEndOfStream() *Error {
	return &Error{
		Kind:       EndOfStream,
		underlying: io.EOF,
	}
}

// NewSentinelError reports the in-band server failure marker
func NewSentinelError(bytesRead int64) *Error {
	return &Error{
		Kind:    SentinelDetected,
		Message: fmt.Sprintf("magic error marker after %d bytes", bytesRead),
	}
}

// KindOf returns the classification of err if it is (or wraps) an *Error
func KindOf(err error) (TransportError, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return TransportErrorNone, false
}

// IsWouldBlock reports whether err is the non-fatal "retry later" signal
func IsWouldBlock(err error) bool {
	k, ok := KindOf(err)
	return ok && k == WouldBlock
}

// IsEndOfStream reports whether err marks successful completion
func IsEndOfStream(err error) bool {
	k, ok := KindOf(err)
	return ok && k == EndOfStream
}

// IsSentinel reports whether err is the server-reported chunk failure
func IsSentinel(err error) bool {
	k, ok := KindOf(err)
	return ok && k == SentinelDetected
}

// IsHard reports whether err is an unexpected descriptor-level read or write failure
func IsHard(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == ReadFailure || k == WriteFailure)
}

package protocol

import (
	"fmt"
	"strings"

	"github.com/nczempin/llhlsunix/errors"
)

const (
	// Scheme is the descriptor prefix of the chunk transport.
	Scheme = "llhls:"

	// PlainScheme selects the plain Unix-socket variant of the same wire format.
	PlainScheme = "unix:"

	// LegacyPrefix is skipped after the scheme when a resource is present,
	// as in "llhls:///tmp/sock?res".
	LegacyPrefix = "//"

	// MaxSocketPath keeps the path safely below the 104/108 byte sun_path limit.
	MaxSocketPath = 90

	// MaxResourceID is the largest resource identifier that fits a request
	// frame together with its terminating NUL.
	MaxResourceID = 1023
)

// Descriptor is a parsed connection descriptor
type Descriptor struct {
	SocketPath string
	ResourceID string
}

// HasResource reports whether a request frame will be sent after connecting
func (d Descriptor) HasResource() bool {
	return d.ResourceID != ""
}

// String re-encodes the descriptor in the llhls wire form
func (d Descriptor) String() string {
	if d.ResourceID == "" {
		return Scheme + d.SocketPath
	}
	return Scheme + LegacyPrefix + d.SocketPath + "?" + d.ResourceID
}

// ParseDescriptor splits a descriptor of the form
//
//	llhls:<path>
//	llhls:[//]<path>?<resource>
//
// The resource is copied verbatim, it is not URL-decoded.
func ParseDescriptor(s string) (Descriptor, error) {
	rest := s
	if strings.HasPrefix(rest, Scheme) {
		rest = rest[len(Scheme):]
	} else if strings.HasPrefix(rest, PlainScheme) {
		rest = rest[len(PlainScheme):]
	}

	var d Descriptor
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		d.SocketPath = strings.TrimPrefix(rest[:i], LegacyPrefix)
		d.ResourceID = rest[i+1:]
	} else {
		d.SocketPath = rest
	}

	if d.SocketPath == "" {
		return Descriptor{}, errors.NewAddressError("empty socket path")
	}
	if len(d.SocketPath) > MaxSocketPath {
		return Descriptor{}, errors.NewAddressError(
			fmt.Sprintf("socket path is %d bytes, limit is %d", len(d.SocketPath), MaxSocketPath))
	}
	if strings.IndexByte(d.SocketPath, 0) >= 0 {
		return Descriptor{}, errors.NewAddressError("socket path contains NUL")
	}
	if strings.IndexByte(d.ResourceID, 0) >= 0 {
		return Descriptor{}, errors.NewAddressError("resource identifier contains NUL")
	}
	if len(d.ResourceID) > MaxResourceID {
		return Descriptor{}, errors.NewAddressError(
			fmt.Sprintf("resource identifier is %d bytes, limit is %d", len(d.ResourceID), MaxResourceID))
	}

	return d, nil
}

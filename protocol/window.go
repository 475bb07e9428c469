package protocol

import (
	"bytes"
	"fmt"
)

// DefaultWindowSize is the trailing window capacity
const DefaultWindowSize = 1024

// TrailingWindow keeps the last Cap() bytes of everything written to it,
// oldest first.
type TrailingWindow struct {
	buf []byte
	n   int
}

// NewTrailingWindow returns an empty window of the given capacity
func NewTrailingWindow(capacity int) (*TrailingWindow, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", capacity)
	}
	return &TrailingWindow{buf: make([]byte, capacity)}, nil
}

// Write appends p, discarding the oldest bytes beyond capacity. It never fails.
func (w *TrailingWindow) Write(p []byte) (int, error) {
	capacity := len(w.buf)
	written := len(p)

	if len(p) >= capacity {
		copy(w.buf, p[len(p)-capacity:])
		w.n = capacity
		return written, nil
	}

	if overflow := w.n + len(p) - capacity; overflow > 0 {
		copy(w.buf, w.buf[overflow:w.n])
		w.n -= overflow
	}
	w.n += copy(w.buf[w.n:], p)

	return written, nil
}

// Bytes returns the window contents. The slice is only valid until the next Write.
func (w *TrailingWindow) Bytes() []byte {
	return w.buf[:w.n]
}

// Tail returns the newest k bytes held, fewer if the window holds less.
// The slice is only valid until the next Write.
func (w *TrailingWindow) Tail(k int) []byte {
	if k <= 0 {
		return nil
	}
	if k > w.n {
		k = w.n
	}
	return w.buf[w.n-k : w.n]
}

// Len returns the number of bytes currently held
func (w *TrailingWindow) Len() int {
	return w.n
}

// Cap returns the fixed capacity
func (w *TrailingWindow) Cap() int {
	return len(w.buf)
}

// Contains reports whether pattern occurs contiguously in the window
func (w *TrailingWindow) Contains(pattern []byte) bool {
	return bytes.Contains(w.buf[:w.n], pattern)
}

// Reset empties the window
func (w *TrailingWindow) Reset() {
	w.n = 0
}

package protocol

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nczempin/llhlsunix/errors"
	"github.com/nczempin/llhlsunix/transport"
)

// scriptedSender fails the first `failures` sends, then accepts everything.
type scriptedSender struct {
	failures int
	short    bool
	frames   [][]byte
}

func (s *scriptedSender) Send(buf []byte) (int, error) {
	s.frames = append(s.frames, append([]byte(nil), buf...))
	if s.failures > 0 {
		s.failures--
		if s.short {
			return len(buf) - 1, nil
		}
		return 0, errors.NewTransportError(errors.WriteFailure, "send failed", syscall.EPIPE)
	}
	return len(buf), nil
}

func countingRetry(sleeps *int) transport.RetryPolicy {
	return transport.RetryPolicy{Sleep: func(time.Duration) { *sleeps++ }}
}

func TestEncodeRequest(t *testing.T) {
	require.Equal(t, []byte("chunk42\x00"), EncodeRequest("chunk42"))
	require.Nil(t, EncodeRequest(""))
}

func TestRequestFramer_Send(t *testing.T) {
	sleeps := 0
	tx := &scriptedSender{}
	f := &RequestFramer{Retry: countingRetry(&sleeps)}

	n, err := f.Send(context.Background(), tx, "chunk42")
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, [][]byte{[]byte("chunk42\x00")}, tx.frames)
	require.Zero(t, sleeps)
}

func TestRequestFramer_EmptyResourceIsNoop(t *testing.T) {
	tx := &scriptedSender{}
	f := &RequestFramer{}

	n, err := f.Send(context.Background(), tx, "")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, tx.frames)
}

func TestRequestFramer_RetriesOnce(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		short    bool
		wantErr  bool
	}{
		{"recovers after error", 1, false, false},
		{"recovers after short send", 1, true, false},
		{"gives up after two errors", 2, false, true},
		{"gives up after two short sends", 2, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeps := 0
			tx := &scriptedSender{failures: tt.failures, short: tt.short}
			f := &RequestFramer{Retry: countingRetry(&sleeps)}

			_, err := f.Send(context.Background(), tx, "seg")
			require.Len(t, tx.frames, 2)
			require.Equal(t, 1, sleeps)
			if tt.wantErr {
				require.ErrorIs(t, err, errors.ErrSend)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

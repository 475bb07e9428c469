package protocol

import (
	"context"
	"log/slog"
	"time"

	"github.com/nczempin/llhlsunix/errors"
	"github.com/nczempin/llhlsunix/transport"
)

// EncodeRequest returns the request frame for resourceID: the identifier
// followed by one NUL byte. An empty identifier has no frame.
func EncodeRequest(resourceID string) []byte {
	if resourceID == "" {
		return nil
	}
	frame := make([]byte, len(resourceID)+1)
	copy(frame, resourceID)
	return frame
}

// RequestFramer sends the single request frame of a connection
type RequestFramer struct {
	Retry  transport.RetryPolicy
	Logger *slog.Logger
}

// Send transmits the frame for resourceID on tx, retrying once after the
// retry backoff when the send fails or is short. It returns the bytes sent
// by the last attempt. A returned SendFailure is informational: the stream
// may still be read and will end with EOF or the sentinel.
func (f *RequestFramer) Send(ctx context.Context, tx transport.Sender, resourceID string) (int, error) {
	frame := EncodeRequest(resourceID)
	if frame == nil {
		return 0, nil
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retry := f.Retry
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("llhls: send failed, trying again", "uri", resourceID, "attempt", attempt, "error", err)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
	}

	sent := 0
	err := retry.Do(ctx, func() error {
		n, err := tx.Send(frame)
		sent = n
		if err != nil {
			return errors.NewTransportError(errors.SendFailure, "request send failed", err)
		}
		if n < len(frame) {
			return errors.NewTransportError(errors.SendFailure, "short request send", nil)
		}
		return nil
	}, nil)

	if err != nil {
		logger.Warn("llhls: request not sent", "uri", resourceID, "ret", sent, "error", err)
		return sent, err
	}

	logger.Info("llhls: requesting uri", "uri", resourceID, "ret", sent)
	return sent, nil
}

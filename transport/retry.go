package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultRetryBackoff is the pause between the first and the second attempt
// of a connect or request send.
const DefaultRetryBackoff = 300 * time.Microsecond

// RetryPolicy bounds how an operation is re-attempted.
// The zero value performs one retry after DefaultRetryBackoff.
type RetryPolicy struct {
	// Backoff yields the delay before each retry; nil means a constant
	// DefaultRetryBackoff.
	Backoff backoff.BackOff

	// Attempts is the total number of tries including the first; 0 means 2.
	Attempts int

	// Sleep replaces the context-aware timer wait, mainly for tests.
	Sleep func(time.Duration)

	// OnRetry is invoked before each backoff delay.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the single-retry policy with the given delay
func DefaultRetryPolicy(delay time.Duration) RetryPolicy {
	if delay <= 0 {
		delay = DefaultRetryBackoff
	}
	return RetryPolicy{
		Backoff:  backoff.NewConstantBackOff(delay),
		Attempts: 2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.Attempts <= 0 {
		return 2
	}
	return p.Attempts
}

// Do runs op until it succeeds, the attempts are used up, or retryable
// reports the failure as terminal. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func() error, retryable func(error) bool) error {
	b := p.Backoff
	if b == nil {
		b = backoff.NewConstantBackOff(DefaultRetryBackoff)
	}
	b.Reset()

	attempts := p.attempts()
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= attempts || (retryable != nil && !retryable(err)) {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if waitErr := p.wait(ctx, delay); waitErr != nil {
			return err
		}
	}
}

func (p RetryPolicy) wait(ctx context.Context, delay time.Duration) error {
	if p.Sleep != nil {
		p.Sleep(delay)
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package backoff

import (
	"context"
	"time"
)

// Retry runs op up to maxAttempts times, sleeping per policy between
// attempts while retryable reports true for the returned error. It returns
// the number of attempts made and the last error, or ctx.Err() if the
// context ends first. maxAttempts below 1 is treated as 1.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, op func() error) (int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		lastErr = op()
		if lastErr == nil {
			return attempt, nil
		}
		if retryable == nil || !retryable(lastErr) || attempt == maxAttempts {
			return attempt, lastErr
		}

		if err := wait(ctx, policy.Compute(attempt)); err != nil {
			return attempt, err
		}
	}
	return maxAttempts, lastErr
}

// wait blocks for d or until ctx is done. A non-positive d only reports
// whether ctx is already done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

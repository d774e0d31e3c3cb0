package storage

import (
	"context"
	"log/slog"
	"time"
)

// AutoRetry calls attempt until it succeeds, fails with an error that is not
// retryable, or has been retried nRetries times. It sleeps interval between
// attempts; a zero interval retries immediately.
func AutoRetry(ctx context.Context, nRetries int, interval time.Duration, attempt func() error) error {
	var err error
	for i := 0; ; i++ {
		if err = attempt(); err == nil || !IsRetryable(err) || i >= nRetries {
			return err
		}

		slog.Debug("retrying storage operation", "attempt", i+1, "of", nRetries, "error", err)
		if interval <= 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// AutoRetryValue is AutoRetry for attempts that produce a value.
func AutoRetryValue[T any](ctx context.Context, nRetries int, interval time.Duration, attempt func() (T, error)) (T, error) {
	var out T
	err := AutoRetry(ctx, nRetries, interval, func() error {
		v, err := attempt()
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

package flow

import (
	"context"
	"log/slog"
	"time"
)

// AttemptFunc is one execute attempt. attempt starts at 0.
type AttemptFunc func(ctx context.Context, attempt int) (any, error)

// FallbackFunc replaces the result after the final failed attempt.
type FallbackFunc func(ctx context.Context, cause error, attempt int) (any, error)

// Retry drives fn for up to attempts total tries, sleeping wait between
// them. Failed attempts log at warn with the label. After the final
// failure the fallback (when non-nil) supplies the result instead of the
// error. The sleep is cancellable; cancellation surfaces as ctx.Err().
func Retry(ctx context.Context, attempts int, wait time.Duration, fn AttemptFunc, fallback FallbackFunc, label string) (any, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		slog.Warn("node attempt failed", "node", label, "attempt", attempt, "of", attempts, "err", err)

		if attempt == attempts-1 {
			break
		}
		if wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if fallback != nil {
		return fallback(ctx, lastErr, attempts-1)
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

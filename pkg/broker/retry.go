package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryInterval = 30 * time.Second

func retryPolicy(ctx context.Context, attempts int, initial time.Duration) backoff.BackOff {
	if attempts < 1 {
		attempts = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// withRetry runs op up to attempts times with increasing delay. Errors
// wrapped in backoff.Permanent stop the loop immediately.
func withRetry(ctx context.Context, logger *slog.Logger, what string, attempts int, initial time.Duration, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, retryPolicy(ctx, attempts, initial), func(err error, wait time.Duration) {
		logger.Warn("retrying", "op", what, "attempt", attempt, "wait", wait, "error", err)
	})
}

// handle runs handler for msg with local redelivery. It reports whether the
// message may be acknowledged: true after success or once the attempts are
// spent, false when ctx was cancelled mid-way.
func handle(ctx context.Context, logger *slog.Logger, attempts int, initial time.Duration, handler Handler, msg Message) bool {
	err := withRetry(ctx, logger, "handle "+msg.Topic, attempts, initial, func() error {
		return handler(ctx, msg)
	})
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	logger.Error("dropping message after failed handling",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "key", msg.Key, "error", err)
	return true
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

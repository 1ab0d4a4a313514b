package adapter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"task-sync-service/internal/logger"
)

// RetryHandler wraps fallible operations with bounded exponential backoff.
// Only transient failures (network, rate limit) are retried; everything else
// propagates immediately.
type RetryHandler struct {
	MaxRetries int
	// Backoff is the base delay unit; attempt n sleeps Backoff << n.
	Backoff time.Duration
}

func NewRetryHandler(maxRetries int) *RetryHandler {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryHandler{MaxRetries: maxRetries, Backoff: time.Second}
}

// Do runs fn, retrying transient failures up to MaxRetries additional times
// with delays of 1x, 2x, 4x, 8x the base unit. After exhausting retries the
// last transient error is returned. Context cancellation aborts the backoff
// sleep.
func (r *RetryHandler) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			logger.Log.Error("Non-retryable error",
				zap.String("op", op), zap.Error(err))
			return err
		}

		lastErr = err
		if attempt == r.MaxRetries {
			break
		}

		delay := r.Backoff << uint(attempt)
		logger.Log.Warn("Attempt failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	logger.Log.Error("All attempts failed",
		zap.String("op", op),
		zap.Int("attempts", r.MaxRetries+1),
		zap.Error(lastErr))
	return lastErr
}

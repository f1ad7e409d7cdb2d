// Package reliability retries operations that fail transiently, such as
// the first connection to a database that is still starting.
package reliability

import (
	"context"
	"time"

	"github.com/kasuganosora/dbscope/pkg/logging"
	"github.com/pkg/errors"
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries    int
	RetryInterval time.Duration
	// BackoffFactor 每次重试后间隔的倍数，小于 1 时按 1 处理
	BackoffFactor float64
	// Retryable decides whether err is worth another attempt. nil retries
	// every error.
	Retryable func(err error) bool
}

// DefaultRetryPolicy 默认策略：重试 3 次，间隔 1 秒，每次翻倍
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		RetryInterval: time.Second,
		BackoffFactor: 2,
	}
}

// ErrMaxRetries is the cause of the error Retry returns once every
// attempt has failed.
var ErrMaxRetries = errors.New("max retries exceeded")

// Retry calls fn until it succeeds, the policy is exhausted, fn returns
// a non-retryable error, or ctx is done. The last error of fn is kept in
// the returned error's message.
func Retry(ctx context.Context, policy RetryPolicy, logger logging.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	interval := policy.RetryInterval
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if attempt == policy.MaxRetries {
			break
		}

		logger.Warn("attempt %d/%d failed: %v, retrying in %v", attempt+1, policy.MaxRetries+1, err, interval)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrapf(ctx.Err(), "retry aborted after %d attempts, last error: %v", attempt+1, lastErr)
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * factor)
	}

	return errors.Wrapf(ErrMaxRetries, "%d retries, last error: %v", policy.MaxRetries, lastErr)
}

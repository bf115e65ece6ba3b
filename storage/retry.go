package storage

import (
	"context"
	"errors"
	"time"

	"k8s.io/klog/v2"
)

// Defaults used when a RetryPolicy field is left zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// RetryPolicy retries an operation with linearly increasing delay: after
// attempt n fails, it sleeps BaseDelay*n before attempt n+1.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay unit between attempts.
	BaseDelay time.Duration
	// Retryable reports whether an error is transient and worth another
	// attempt. A nil Retryable retries every error.
	Retryable func(error) bool
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (p RetryPolicy) baseDelay() time.Duration {
	if p.BaseDelay > 0 {
		return p.BaseDelay
	}
	return DefaultBaseDelay
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// exhausts MaxAttempts, in which case the last error is returned. The
// backoff sleep is interrupted by context cancellation.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	max := p.maxAttempts()
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == max {
			break
		}
		klog.Warningf("Retry %d/%d: %v", attempt, max, err)
		select {
		case <-time.After(p.baseDelay() * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Transient reports whether an error is worth retrying. Context
// cancellation never is.
func Transient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

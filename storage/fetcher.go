package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// RetrievalError reports that a shard's byte stream could not be fetched
// after every retry attempt was exhausted. It is fatal for the sample
// lookup that triggered the fetch.
type RetrievalError struct {
	Key string
	// Attempts is the number of fetch attempts actually made: fewer than
	// the policy's maximum when a non-retryable error or cancellation
	// stopped the retries early.
	Attempts int
	Err      error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieving %q failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Fetcher retrieves shard byte streams with retry and, optionally, a
// lightweight existence probe before each attempt.
type Fetcher struct {
	Bucket Bucket
	Retry  RetryPolicy
	// Probe enables a Stat call before each fetch attempt. A failed probe
	// counts as a failed attempt and is retried like any other transient
	// error.
	Probe bool
}

// Fetch returns the byte stream for key. Transient failures are retried per
// the fetcher's policy; exhausting all attempts returns a *RetrievalError.
// The caller owns the returned ReadCloser.
func (f *Fetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	var attempts int
	err := f.Retry.Do(ctx, func() error {
		attempts++
		if f.Probe {
			if _, err := f.Bucket.Stat(ctx, key); err != nil {
				return errors.Wrapf(err, "object %q not found", key)
			}
		}
		r, err := f.Bucket.Get(ctx, key)
		if err != nil {
			return err
		}
		rc = r
		return nil
	})
	if err != nil {
		return nil, &RetrievalError{Key: key, Attempts: attempts, Err: err}
	}
	return rc, nil
}

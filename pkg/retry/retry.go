// Package retry runs short I/O calls with a bounded number of attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do calls fn up to attempts times. Each call gets its own deadline of
// timeout; between calls it sleeps backoff × attempt. It stops early on
// success, on a Permanent error or when ctx is done.
func Do(ctx context.Context, attempts int, timeout, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return err
}

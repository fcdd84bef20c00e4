// Package retry provides exponential backoff with jitter for reconnect loops.
//
// Money-movement operations are never retried through this package; the
// ledger engine reports failures to its caller. Retry is for idempotent
// plumbing such as pinging the store or fetching a model artifact.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes a backoff schedule.
type Policy struct {
	// MaxAttempts caps the number of calls. Zero retries until ctx is done.
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single sleep. Zero means no cap.
	MaxDelay time.Duration
	// Notify, if set, is called before each sleep.
	Notify func(attempt int, err error, next time.Duration)
}

// DefaultPolicy is used by the scoring worker's reconnect loop.
var DefaultPolicy = Policy{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}

// Backoff returns the jittered sleep before retry number attempt (0-based):
// BaseDelay doubled per attempt, capped at MaxDelay, with +-25% jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
		if delay <= 0 { // overflow
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := delay / 4
	return delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempt
// budget is spent, or ctx is cancelled. The last error from fn is returned
// when attempts run out; ctx.Err() when cancelled.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; p.MaxAttempts <= 0 || attempt < p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if p.MaxAttempts > 0 && attempt == p.MaxAttempts-1 {
			break
		}

		sleep := p.Backoff(attempt)
		if p.Notify != nil {
			p.Notify(attempt+1, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

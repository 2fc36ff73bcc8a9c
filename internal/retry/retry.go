package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultPolicy matches the provider-facing defaults: base 1s, cap 60s,
// five retries after the initial attempt.
var DefaultPolicy = Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxRetries: 5}

// Policy bounds the exponential backoff applied to outbound provider calls.
// It must never wrap a local ledger mutation: retrying a committed mutation
// would break exactly-once semantics.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Delay computes the wait before the given attempt: min(base*2^attempt, max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether the attempt counter has used up the policy.
func (p Policy) Exhausted(attempts int) bool {
	return attempts > p.MaxRetries
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable: network timeouts, provider 5xx,
// rate limits. Validation and signature failures stay unwrapped and are
// never retried.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether the error was marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Do runs fn, retrying transient failures with exponential backoff until the
// policy is exhausted or the context is done. Non-transient failures return
// immediately.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// Package retry implements the step retry policy: a pure backoff schedule
// composed with a generic run-with-retry wrapper.
package retry

import (
	"context"
	"errors"
	"time"
)

// Backoff maps a zero-based attempt number to the delay before the next attempt.
type Backoff func(attempt int) time.Duration

// Exponential waits 2^attempt seconds: 1s, 2s, 4s, ...
func Exponential(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// None never waits between attempts.
func None(int) time.Duration { return 0 }

// Policy controls how many times a failed operation is retried.
type Policy struct {
	// Retries is the number of retries after the first attempt. Zero or
	// negative means exactly one attempt.
	Retries int
	// Backoff defaults to Exponential.
	Backoff Backoff
}

// Delay returns the wait before retrying after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return Exponential(attempt)
	}
	return p.Backoff(attempt)
}

// Attempts returns the maximum number of attempts under p.
func (p Policy) Attempts() int {
	if p.Retries < 0 {
		return 1
	}
	return p.Retries + 1
}

// permanentError marks an error that no retry can fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, fails permanently, ctx is done, or the policy
// is exhausted. onFailure (optional) observes every failed attempt before any
// backoff wait. The returned error is the last attempt's error with any
// Permanent wrapper removed; when ctx ends first it also matches ctx.Err().
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error, onFailure func(attempt int, err error)) error {
	attempts := p.Attempts()
	for attempt := 0; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(attempt, err)
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt+1 >= attempts {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return withCause(err, cerr)
		}
		if werr := wait(ctx, p.Delay(attempt)); werr != nil {
			return withCause(err, werr)
		}
	}
}

// withCause joins cause onto err unless err already carries it.
func withCause(err, cause error) error {
	if errors.Is(err, cause) {
		return err
	}
	return errors.Join(err, cause)
}

// wait sleeps for d or until ctx is done. The timer is always released.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

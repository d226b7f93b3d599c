// Package retry provides bounded retries with exponential backoff for
// operations that fail transiently, such as SQLite lock contention.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds how often and how long Do keeps trying.
type Policy struct {
	Attempts int           // total tries, including the first
	Base     time.Duration // backoff ceiling after the first failure
	Cap      time.Duration // upper bound for any single backoff ceiling
}

// DefaultPolicy suits short lock contention: three tries inside a second or so.
var DefaultPolicy = Policy{
	Attempts: 3,
	Base:     100 * time.Millisecond,
	Cap:      2 * time.Second,
}

// Retryable decides whether an error is transient. Errors it rejects are
// returned to the caller unchanged and immediately.
type Retryable func(error) bool

// Do runs fn until it succeeds, the policy is exhausted, or ctx ends.
// Backoff ceilings double from p.Base up to p.Cap; each delay is drawn
// from the upper half of the current ceiling so contended writers always
// get some breathing room. The error returned after exhaustion wraps the
// last failure.
func Do(ctx context.Context, p Policy, retryable Retryable, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if werr := sleep(ctx, p.delay(attempt)); werr != nil {
				return werr
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// delay picks a duration in [ceiling/2, ceiling], where the ceiling for
// retry n is Base·2^(n-1) capped at Cap.
func (p Policy) delay(attempt int) time.Duration {
	ceiling := p.Base << (attempt - 1)
	if ceiling > p.Cap || ceiling <= 0 {
		ceiling = p.Cap
	}
	half := ceiling / 2
	if half <= 0 {
		return ceiling
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

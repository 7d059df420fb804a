package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds the retry loop: exponential delay with full jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default matches the bound the storage layer expects for write conflicts.
var Default = Policy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// Retry runs fn up to p.MaxAttempts times, sleeping between attempts. An
// error is retried only while retryable(err) holds; the last error is
// returned once attempts are exhausted.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay(attempt)):
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

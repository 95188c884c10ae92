package sqlite

import (
	"context"
	"fmt"
	"time"

	"agentloom/internal/domain"
)

const (
	DefaultRetries    = 5
	DefaultRetryDelay = 30 * time.Millisecond
)

// RetryPolicy retries busy store calls with linear backoff. The zero value
// uses DefaultRetries and DefaultRetryDelay.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	OnBusy   func(attempt int, err error)
}

// Do runs fn until it succeeds, fails with a non-busy error, or attempts run
// out. Exhausted busy errors wrap domain.ErrTransientIO.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultRetries
	}
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		if p.OnBusy != nil {
			p.OnBusy(attempt, err)
		}
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
}

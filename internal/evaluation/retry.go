package evaluation

import (
	"context"
	"time"
)

// RetryPolicy caps the total number of generation attempts and sleeps a fixed
// backoff between them. The zero value makes a single attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	return max(1, p.MaxAttempts)
}

func (p RetryPolicy) wait(ctx context.Context) error {
	if p.Backoff <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

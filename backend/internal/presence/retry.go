package presence

import (
	"context"
	"errors"
	"time"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/store"
)

// RetryPolicy is the backoff applied to best-effort store and cache calls.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

var DefaultRetry = RetryPolicy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second}

// retry calls fn until it succeeds, fails with a permanent error, or the
// attempts run out. The delay doubles after each failure up to p.Max.
func retry[T any](ctx context.Context, p RetryPolicy, fn func() (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)
	var (
		v   T
		err error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		v, err = fn()
		if err == nil || permanent(err) || attempt == attempts-1 {
			return v, err
		}
		backoff := p.Base * time.Duration(1<<attempt)
		if p.Max > 0 && backoff > p.Max {
			backoff = p.Max
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return v, ctx.Err()
		case <-timer.C:
		}
	}
	return v, err
}

func permanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrUnknownSession) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

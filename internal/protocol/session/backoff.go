package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrRedialExhausted = errors.New("session: redial attempts exhausted")

// BackOff returns the fixed-delay policy for command link re-dial: one
// Delay before each of MaxAttempts attempts, then backoff.Stop.
func (r ReconnectConfig) BackOff(ctx context.Context) backoff.BackOff {
	attempts := r.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.Delay), uint64(attempts)),
		ctx,
	)
}

// Redial runs attempt until it succeeds or the policy stops. attempt receives
// the 1-based attempt number.
func Redial(ctx context.Context, cfg ReconnectConfig, attempt func(n int) error) error {
	b := cfg.BackOff(ctx)
	var last error
	for n := 1; ; n++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return err
			}
			if last == nil {
				return ErrRedialExhausted
			}
			return fmt.Errorf("%w after %d attempts: %w", ErrRedialExhausted, n-1, last)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		if err := attempt(n); err != nil {
			last = err
			continue
		}
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

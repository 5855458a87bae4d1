package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"vmenergy/internal/clock"
	"vmenergy/internal/logging"
)

// Policy is a bounded retry: at most Attempts calls with Delay between them,
// the delay doubling up to MaxDelay.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
	Logger   *logging.Logger
}

// Stop wraps err so Do returns it without further attempts.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a Stop error, the attempts run
// out, or ctx is done.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	c := p.Clock
	if c == nil {
		c = clock.RealClock{}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(c), uint64(attempts-1)), ctx)

	calls := 0
	var lastErr error
	err := backoff.RetryNotifyWithTimer(func() error {
		calls++
		lastErr = op(ctx)
		return lastErr
	}, b, func(err error, next time.Duration) {
		p.Logger.Debug("retry.attempt.failed", "Operation failed, retrying", map[string]interface{}{
			"operation": name,
			"attempt":   calls,
			"next":      next.String(),
			"error":     err.Error(),
		})
	}, &clockTimer{ctx: ctx, clock: c})
	if err == nil || ctx.Err() != nil {
		return err
	}
	var perm *backoff.PermanentError
	if errors.As(lastErr, &perm) {
		return err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, calls, err)
}

func (p Policy) exponential(c clock.Clock) *backoff.ExponentialBackOff {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Delay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		Stop:                backoff.Stop,
		Clock:               c,
	}
	b.Reset()
	return b
}

// clockTimer drives backoff waits through a clock.Clock, so a MockClock
// makes retries instant and records each delay.
type clockTimer struct {
	ctx   context.Context
	clock clock.Clock
	ch    chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.ch = make(chan time.Time, 1)
	if err := t.clock.Sleep(t.ctx, d); err == nil {
		t.ch <- t.clock.Now()
	}
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.ch }

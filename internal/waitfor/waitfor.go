// Package waitfor provides the retry-with-timeout combinator used wherever the page has
// to catch up with a DOM mutation (popup menus appearing, listboxes closing).
package waitfor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when the condition never held within the policy's budget.
var ErrTimeout = errors.New("condition not met before timeout")

var errNotYet = errors.New("not yet")

// Policy describes an exponential polling schedule.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Timeout    time.Duration
}

// DefaultPolicy is the popup discovery schedule: 50ms growing by 1.6x up to 400ms, for at
// most 3s.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    50 * time.Millisecond,
		Max:        400 * time.Millisecond,
		Multiplier: 1.6,
		Timeout:    3 * time.Second,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	// Polling intervals stay deterministic so tests can reason about attempt counts.
	b.RandomizationFactor = 0
	b.MaxElapsedTime = p.Timeout
	b.Reset()
	return b
}

// Poll runs check immediately and then on the policy's schedule until it reports done,
// returns an error, or the budget is spent. An error from check stops polling at once.
func Poll[T any](ctx context.Context, p Policy, check func(context.Context) (T, bool, error)) (T, error) {
	op := func() (T, error) {
		v, done, err := check(ctx)
		if err != nil {
			return v, backoff.Permanent(err)
		}
		if !done {
			return v, errNotYet
		}
		return v, nil
	}

	v, err := backoff.RetryWithData(op, backoff.WithContext(p.backOff(), ctx))
	if errors.Is(err, errNotYet) {
		return v, fmt.Errorf("%w after %s", ErrTimeout, p.Timeout)
	}
	return v, err
}

// Until is Poll for conditions that carry no value.
func Until(ctx context.Context, p Policy, cond func(context.Context) (bool, error)) error {
	_, err := Poll(ctx, p, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := cond(ctx)
		return struct{}{}, ok, err
	})
	return err
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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

package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeTimeout
	outcomeRejected
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeTimeout:
		return "timeout"
	default:
		return "rejected"
	}
}

// withTimeout runs fn under a deadline of d and reports whether it
// succeeded, timed out or failed. fn keeps running in the background after
// a timeout until it observes its context.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, outcome, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.v, outcomeOK, nil
		}
		if errors.Is(r.err, ErrTimeout) || (errors.Is(r.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
			return zero, outcomeTimeout, fmt.Errorf("%w after %s: %w", ErrTimeout, d, r.err)
		}
		return zero, outcomeRejected, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, outcomeTimeout, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, outcomeRejected, ctx.Err()
	}
}

// endSession wraps Service.EndSession for withTimeout.
func endSession(svc Service, reason string) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, svc.EndSession(ctx, reason)
	}
}

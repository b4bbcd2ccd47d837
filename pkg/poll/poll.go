// Package poll provides a bounded polling combinator. Every wait-for-condition
// loop in the system (session prompt detection, registration file appearance,
// process exit confirmation) goes through Until so that timeout and
// cancellation behavior is uniform.
package poll

import (
	"context"
	"time"
)

// Outcome classifies how a poll ended.
type Outcome int

const (
	// Ready means the condition was observed before the deadline.
	Ready Outcome = iota
	// TimedOut means the deadline passed without the condition holding.
	TimedOut
	// Cancelled means the context was cancelled while waiting.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result carries the outcome of a poll and, when Ready, the observed value.
type Result[T any] struct {
	Outcome Outcome
	Value   T
}

// Sleeper abstracts time.Sleep for tests.
type Sleeper func(time.Duration)

// Until invokes check every interval until it reports done, the timeout
// elapses, or ctx is cancelled. The first check runs immediately. A non-nil
// error from check aborts the poll and is returned as-is.
func Until[T any](ctx context.Context, interval, timeout time.Duration, check func() (T, bool, error)) (Result[T], error) {
	return UntilWithSleeper(ctx, interval, timeout, time.Sleep, check)
}

// UntilWithSleeper is Until with an injectable sleep function.
func UntilWithSleeper[T any](ctx context.Context, interval, timeout time.Duration, sleep Sleeper, check func() (T, bool, error)) (Result[T], error) {
	var zero T
	deadline := time.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return Result[T]{Outcome: Cancelled, Value: zero}, nil
		}
		v, done, err := check()
		if err != nil {
			return Result[T]{Outcome: TimedOut, Value: zero}, err
		}
		if done {
			return Result[T]{Outcome: Ready, Value: v}, nil
		}
		if time.Now().After(deadline) {
			return Result[T]{Outcome: TimedOut, Value: zero}, nil
		}
		sleep(interval)
	}
}

// UntilTrue is Until specialized to a boolean condition.
func UntilTrue(ctx context.Context, interval, timeout time.Duration, check func() bool) (Result[struct{}], error) {
	return Until(ctx, interval, timeout, func() (struct{}, bool, error) {
		return struct{}{}, check(), nil
	})
}

// Package retry wraps fallible remote operations with bounded
// exponential backoff. Only errors classified as transient are retried;
// everything else surfaces to the caller on the first attempt. The
// final error is always returned unchanged so callers can still match
// on sentinel types.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// Policy bounds the retry loop. An operation is attempted
// MaxRetries + 1 times in total.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultPolicy suits remote model and tool calls: four attempts,
// one-second initial delay doubling up to thirty seconds.
var DefaultPolicy = Policy{
	MaxRetries:   3,
	InitialDelay: time.Second,
	Multiplier:   2,
	MaxDelay:     30 * time.Second,
}

// Invoker runs operations under a Policy.
type Invoker struct {
	policy Policy
	logger *slog.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an invoker with the given policy.
func New(policy Policy, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Do runs fn until it succeeds, exhausts the attempt budget, or fails
// with a non-retryable error. The delay between attempts grows by the
// policy multiplier and is capped at MaxDelay. The last error is
// returned as-is.
func Do[T any](ctx context.Context, inv *Invoker, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := inv.policy.InitialDelay
	for attempt := 0; attempt <= inv.policy.MaxRetries; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == inv.policy.MaxRetries {
			break
		}

		inv.logger.Warn("retryable failure, backing off",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", inv.policy.MaxRetries+1,
			"delay", delay,
			"error", err,
		)

		if err := inv.sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay = nextDelay(delay, inv.policy)
	}

	return zero, lastErr
}

// nextDelay grows the backoff by the multiplier, capped at MaxDelay.
func nextDelay(d time.Duration, p Policy) time.Duration {
	next := time.Duration(float64(d) * p.Multiplier)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// sleepCtx blocks for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transientError marks a wrapped error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Retryable() bool { return true }

// Transient marks err as retryable. Remote clients wrap rate-limit and
// server-side failures with it so the invoker knows to try again.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsRetryable classifies an error. Explicitly marked transient errors,
// network timeouts, and connection-level resets are retryable; context
// cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var marked interface{ Retryable() bool }
	if errors.As(err, &marked) {
		return marked.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

package mzbuild

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/def-/materialize/pkg/mzbuild/mzerrors"
)

// withRetryBudget retries fn with exponential backoff and jitter until it
// succeeds or the elapsed wall-clock time exceeds budget. A zero or
// negative budget means try exactly once. The only locally-recovered
// condition in this orchestrator is a transient pull failure; everything
// else propagates immediately.
func withRetryBudget(ctx context.Context, budget time.Duration, fn func(ctx context.Context) error) error {
	const (
		initialDelay = 500 * time.Millisecond
		maxDelay     = 10 * time.Second
		multiplier   = 2.0
	)

	deadline := time.Now().Add(budget)
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if budget <= 0 || time.Now().After(deadline) {
			return mzerrors.Subprocess("pull", 1).With("cause", lastErr.Error())
		}

		delay := time.Duration(float64(initialDelay) * math.Pow(multiplier, float64(attempt)))
		if delay > maxDelay {
			delay = maxDelay
		}
		delay += time.Duration(rand.Int63n(int64(delay/10 + 1)))

		if remaining := time.Until(deadline); delay > remaining {
			delay = remaining
		}
		if delay <= 0 {
			return mzerrors.Subprocess("pull", 1).With("cause", lastErr.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

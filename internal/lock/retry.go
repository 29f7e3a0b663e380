package lock

import (
	"context"
	"time"
)

// retryAcquire calls attempt until it succeeds, fails, or waitFor elapses.
// The final attempt happens at the deadline, so a zero waitFor is exactly
// one attempt.
func retryAcquire(ctx context.Context, waitFor, interval time.Duration, attempt func(context.Context) (bool, error)) (bool, error) {
	deadline := time.Now().Add(waitFor)

	for {
		ok, err := attempt(ctx)
		if err != nil || ok {
			return ok, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		wait := interval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

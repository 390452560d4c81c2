// Package resilience provides small retry/backoff helpers used by the
// worker-RPC transport (internal/worker.Remote.Do wraps its dial call with
// Retry). The scheduler's own fault handling never retries a dead worker;
// this package is only for transient failures that occur before a worker is
// declared dead (e.g. a dial hiccup) — a dial failure that already carries a
// *sched.WorkerDiedError should wrap it in Permanent so Retry surfaces it
// unretried instead of spending the backoff budget on a peer that is gone.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Permanent marks an error as not worth retrying. Retry returns Err
// immediately, unwrapped, the first time fn returns a Permanent rather than
// spending the remaining attempts and backoff on it.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// Retry executes fn with exponential backoff and full jitter, up to attempts
// times. It never participates in scheduler fault recovery: a caller that
// wants the "worker died" path must wrap that error in Permanent so it
// surfaces unretried.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("dagsched")
	attemptCounter, _ := meter.Int64Counter("dagsched_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("dagsched_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("dagsched_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		var perm Permanent
		if errors.As(err, &perm) {
			failCounter.Add(ctx, 1)
			return zero, perm.Err
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

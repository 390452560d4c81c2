package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/dagsched/internal/resilience"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	value, err := resilience.Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	wantErr := errors.New("still failing")
	_, err := resilience.Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsImmediatelyOnPermanent(t *testing.T) {
	calls := 0
	wantErr := errors.New("peer gone")
	_, err := resilience.Retry(context.Background(), 5, time.Millisecond, func() (int, error) {
		calls++
		return 0, resilience.Permanent{Err: wantErr}
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls, "a Permanent error must not be retried")
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	_, err := resilience.Retry(ctx, 10, 50*time.Millisecond, func() (int, error) {
		calls++
		return 0, errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
}

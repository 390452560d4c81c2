package cronsched_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/dagsched/internal/cronsched"
)

func TestTriggerFiresOnSchedule(t *testing.T) {
	trig := cronsched.NewTrigger(noopmetric.NewMeterProvider().Meter("test"))
	var runs int32

	require.NoError(t, trig.AddSchedule("every-second", "* * * * * *", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	trig.Start()
	defer trig.Stop(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestTriggerRemoveSchedule(t *testing.T) {
	trig := cronsched.NewTrigger(noopmetric.NewMeterProvider().Meter("test"))
	require.NoError(t, trig.AddSchedule("once", "* * * * * *", func(ctx context.Context) error { return nil }))
	trig.RemoveSchedule("once")
	// Re-adding after removal must not error (no duplicate-entry leak).
	assert.NoError(t, trig.AddSchedule("once", "* * * * * *", func(ctx context.Context) error { return nil }))
}

package cancel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/dagsched/internal/cancel"
)

func TestRegistryCancelStopsContext(t *testing.T) {
	reg := cancel.NewRegistry(noopmetric.NewMeterProvider().Meter("test"))
	ctx := reg.Register(context.Background(), "run-1")

	status, ok := reg.Status("run-1")
	require.True(t, ok)
	assert.Equal(t, cancel.StatusRunning, status)

	require.NoError(t, reg.Cancel(context.Background(), "run-1", "user requested"))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected derived context to be cancelled")
	}

	status, ok = reg.Status("run-1")
	require.True(t, ok)
	assert.Equal(t, cancel.StatusCancelled, status)
}

func TestRegistryCancelUnknownRun(t *testing.T) {
	reg := cancel.NewRegistry(noopmetric.NewMeterProvider().Meter("test"))
	err := reg.Cancel(context.Background(), "missing", "reason")
	assert.Error(t, err)
}

func TestRegistryFinishReleasesEntry(t *testing.T) {
	reg := cancel.NewRegistry(noopmetric.NewMeterProvider().Meter("test"))
	_ = reg.Register(context.Background(), "run-2")
	reg.Finish("run-2")

	_, ok := reg.Status("run-2")
	assert.False(t, ok)
}

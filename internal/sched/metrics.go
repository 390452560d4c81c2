package sched

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics bundles the tracer and counters the scheduler core emits into,
// built once per process and shared across runs. Mirrors the
// instrument-per-concern shape the rest of the service wires its otel
// collaborators with.
type Metrics struct {
	tracer trace.Tracer

	thunksFired    metric.Int64Counter
	thunksFinished metric.Int64Counter
	cacheHits      metric.Int64Counter
	metaFired      metric.Int64Counter
	workerDeaths   metric.Int64Counter
	readyDepth     metric.Int64ObservableGauge
}

// NewMetrics builds the scheduler's instruments from a meter and tracer.
// state, if non-nil, is observed for the ready-queue depth gauge; pass nil
// from contexts that only need the counters (e.g. tests).
func NewMetrics(tracer trace.Tracer, meter metric.Meter, state *State) (*Metrics, error) {
	m := &Metrics{tracer: tracer}

	var err error
	m.thunksFired, err = meter.Int64Counter("dagsched_thunks_fired_total",
		metric.WithDescription("thunks dispatched to a worker"))
	if err != nil {
		return nil, err
	}
	m.thunksFinished, err = meter.Int64Counter("dagsched_thunks_finished_total",
		metric.WithDescription("thunks whose result has been recorded"))
	if err != nil {
		return nil, err
	}
	m.cacheHits, err = meter.Int64Counter("dagsched_cache_hits_total",
		metric.WithDescription("thunks resolved via the cache-ref shortcut without re-dispatch"))
	if err != nil {
		return nil, err
	}
	m.metaFired, err = meter.Int64Counter("dagsched_meta_fired_total",
		metric.WithDescription("meta thunks executed in-process"))
	if err != nil {
		return nil, err
	}
	m.workerDeaths, err = meter.Int64Counter("dagsched_worker_deaths_total",
		metric.WithDescription("worker-death events handled by the fault handler"))
	if err != nil {
		return nil, err
	}

	if state != nil {
		m.readyDepth, err = meter.Int64ObservableGauge("dagsched_ready_queue_depth",
			metric.WithDescription("thunks currently ready to dispatch"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				state.mu.Lock()
				depth := int64(len(state.ready))
				state.mu.Unlock()
				o.Observe(depth)
				return nil
			}),
		)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

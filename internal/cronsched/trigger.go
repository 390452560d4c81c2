// Package cronsched implements periodic re-submission of a DAG-producing
// closure on a cron schedule, without the workflow-store and event-filter
// machinery that belongs to an out-of-scope front end.
package cronsched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DAGFactory builds a fresh root Thunk (and its processor/worker set) for
// one run. It is opaque to this package — the caller closes over whatever
// sched.Thunk graph and sched.Worker pool a triggered run should use — so
// this package need not import internal/sched itself.
type DAGFactory func(ctx context.Context) error

// Trigger owns a cron schedule that re-invokes a DAGFactory on a fixed
// cadence.
type Trigger struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID

	runsTotal metric.Int64Counter
	runsFail  metric.Int64Counter
	tracer    trace.Tracer
}

// NewTrigger builds a Trigger with seconds-precision cron parsing.
func NewTrigger(meter metric.Meter) *Trigger {
	runsTotal, _ := meter.Int64Counter("dagsched_cron_runs_total")
	runsFail, _ := meter.Int64Counter("dagsched_cron_run_failures_total")
	return &Trigger{
		cron:      cron.New(cron.WithSeconds()),
		entries:   make(map[string]cron.EntryID),
		runsTotal: runsTotal,
		runsFail:  runsFail,
		tracer:    otel.Tracer("dagsched-cronsched"),
	}
}

// Start begins firing scheduled entries.
func (t *Trigger) Start() { t.cron.Start() }

// Stop gracefully stops the cron loop, honoring ctx's deadline.
func (t *Trigger) Stop(ctx context.Context) error {
	stopCtx := t.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers name to run factory on cronExpr, replacing any
// existing schedule registered under the same name.
func (t *Trigger) AddSchedule(name, cronExpr string, factory DAGFactory) error {
	t.mu.Lock()
	if prev, ok := t.entries[name]; ok {
		t.cron.Remove(prev)
		delete(t.entries, name)
	}
	t.mu.Unlock()

	id, err := t.cron.AddFunc(cronExpr, func() {
		t.run(context.Background(), name, factory)
	})
	if err != nil {
		return fmt.Errorf("add cron schedule %s: %w", name, err)
	}

	t.mu.Lock()
	t.entries[name] = id
	t.mu.Unlock()

	slog.Info("cron schedule added", "name", name, "cron", cronExpr)
	return nil
}

// RemoveSchedule cancels a previously registered schedule, if any.
func (t *Trigger) RemoveSchedule(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.entries[name]; ok {
		t.cron.Remove(id)
		delete(t.entries, name)
	}
}

func (t *Trigger) run(ctx context.Context, name string, factory DAGFactory) {
	ctx, span := t.tracer.Start(ctx, "scheduler_init", trace.WithAttributes(attribute.String("schedule", name)))
	defer span.End()

	t.runsTotal.Add(ctx, 1)
	if err := factory(ctx); err != nil {
		t.runsFail.Add(ctx, 1)
		slog.Error("scheduled run failed", "name", name, "error", err)
	}
}

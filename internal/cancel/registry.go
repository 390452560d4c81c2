// Package cancel implements the cross-run cancellation registry: tracking
// in-flight compute_dag runs by run ID and letting a caller cancel one by
// ID, scoped to the three states the core scheduler itself defines.
package cancel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Status is the lifecycle state of a tracked run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// entry pairs a run's cancel func with its bookkeeping.
type entry struct {
	cancel      context.CancelFunc
	status      Status
	reason      string
	cancelledAt time.Time
}

// Registry tracks active compute_dag runs so any caller holding a run ID
// can cancel it, without needing a reference to the run's own goroutine.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewRegistry builds an empty registry with its own metric instrument.
func NewRegistry(meter metric.Meter) *Registry {
	cancellations, _ := meter.Int64Counter("dagsched_run_cancellations_total")
	return &Registry{
		entries:       make(map[string]*entry),
		cancellations: cancellations,
		tracer:        otel.Tracer("dagsched-cancel"),
	}
}

// Register wraps ctx with a cancel func and records runID as running,
// returning the derived context a caller should pass to sched.Run.
func (r *Registry) Register(ctx context.Context, runID string) context.Context {
	derived, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.entries[runID] = &entry{cancel: cancel, status: StatusRunning}
	r.mu.Unlock()
	return derived
}

// Finish marks runID finished and releases its cancel func. Safe to call
// even if runID was never registered or was already cancelled.
func (r *Registry) Finish(runID string) {
	r.mu.Lock()
	e, ok := r.entries[runID]
	if ok {
		delete(r.entries, runID)
	}
	r.mu.Unlock()
	if ok && e.status == StatusRunning {
		e.cancel()
	}
}

// Cancel stops a running compute_dag invocation by canceling its context,
// which sched.Run observes on its next select iteration.
func (r *Registry) Cancel(ctx context.Context, runID, reason string) error {
	ctx, span := r.tracer.Start(ctx, "cancel",
		trace.WithAttributes(attribute.String("run_id", runID), attribute.String("reason", reason)),
	)
	defer span.End()

	r.mu.Lock()
	e, ok := r.entries[runID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("run %s: not found", runID)
	}
	if e.status != StatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("run %s: already %s", runID, e.status)
	}
	e.status = StatusCancelled
	e.reason = reason
	e.cancelledAt = time.Now()
	r.mu.Unlock()

	e.cancel()
	r.cancellations.Add(ctx, 1)
	return nil
}

// Status reports the tracked state of runID.
func (r *Registry) Status(runID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runID]
	if !ok {
		return "", false
	}
	return e.status, true
}

// Package store implements the run ledger: a durable, BoltDB-backed audit
// trail of compute_dag invocations, scoped to what the scheduler core
// itself observes — no task-type payloads, since task execution is out of
// the scheduler's scope.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var bucketRuns = []byte("runs")

// Status is the terminal state of one compute_dag run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusHalted    Status = "halted"
	StatusFailed    Status = "failed"
)

// FaultEvent records one Fault Handler invocation observed during a run.
type FaultEvent struct {
	Worker     string    `json:"worker"`
	ReplannedN int       `json:"replanned_n"`
	At         time.Time `json:"at"`
}

// Run is one compute_dag invocation's audit record.
type Run struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
	Status    Status       `json:"status"`
	Faults    []FaultEvent `json:"faults,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Ledger is the durable, observational run history. It persists entries
// written by a caller driving compute_dag; it is not itself resumable
// scheduling state — there is no persistent scheduling across process
// restarts.
type Ledger struct {
	db *bbolt.DB

	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) a BoltDB-backed ledger at path.
func Open(path string, meter metric.Meter) (*Ledger, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	var writeLatency metric.Float64Histogram
	if meter != nil {
		writeLatency, _ = meter.Float64Histogram("dagsched_ledger_write_ms")
	}

	return &Ledger{db: db, writeLatency: writeLatency}, nil
}

// Close closes the underlying BoltDB handle.
func (l *Ledger) Close() error { return l.db.Close() }

// StartRun records a new running entry, returning it so the caller can
// thread it through RecordFault and Finish.
func (l *Ledger) StartRun(runID string) (*Run, error) {
	r := &Run{ID: runID, StartedAt: time.Now(), Status: StatusRunning}
	return r, l.put(r)
}

// RecordFault appends a fault event to the run and persists it.
func (l *Ledger) RecordFault(r *Run, worker string, replanned int) error {
	r.Faults = append(r.Faults, FaultEvent{Worker: worker, ReplannedN: replanned, At: time.Now()})
	return l.put(r)
}

// Finish marks the run terminal with status and persists it.
func (l *Ledger) Finish(r *Run, status Status, runErr error) error {
	r.Status = status
	r.EndedAt = time.Now()
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return l.put(r)
}

// Get loads a run record by ID.
func (l *Ledger) Get(runID string) (*Run, bool, error) {
	var r Run
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRuns).Get([]byte(runID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &r)
	})
	if err != nil {
		return nil, false, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &r, found, nil
}

func (l *Ledger) put(r *Run) error {
	start := time.Now()
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	err = l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(r.ID), data)
	})
	if l.writeLatency != nil {
		l.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return fmt.Errorf("put run %s: %w", r.ID, err)
	}
	return nil
}

package sched

import "fmt"

// ErrHalted is returned by Run when the halt flag was set (dynamic halt
// command, unrecognized dynamic command, or an InvariantError). A run whose
// context is cancelled returns ctx.Err() instead.
var ErrHalted = &haltedError{}

type haltedError struct{}

func (*haltedError) Error() string { return "scheduler halted" }

// ErrNoWorkers is returned when the processor list becomes empty: with no
// workers left to dispatch to, the ready queue can never drain and the run
// would otherwise deadlock forever.
var ErrNoWorkers = fmt.Errorf("no workers available to dispatch to")

// ErrDeadlock is returned if the main loop's ready/running sets both empty
// out while unfinished thunks remain — an invariant violation that should
// never happen in a correctly-built DAG, surfaced rather than hung on.
var ErrDeadlock = fmt.Errorf("scheduler deadlock: no ready or running thunks but graph incomplete")

// WorkerDiedError marks an exception as a retriable worker-death signal,
// distinguishing it from a thunk-raised error that must bubble to the
// caller unretried.
type WorkerDiedError struct {
	Proc Processor
	Err  error
}

func (e *WorkerDiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %s died: %v", e.Proc.ID(), e.Err)
	}
	return fmt.Sprintf("worker %s died", e.Proc.ID())
}

func (e *WorkerDiedError) Unwrap() error { return e.Err }

// InvariantError marks a scheduler-internal invariant break or an invalid
// dynamic command: logged as a warning and treated as a halt trigger rather
// than a fatal error.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "scheduler invariant violated: " + e.Msg }

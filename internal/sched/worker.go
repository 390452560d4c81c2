package sched

import "context"

// TaskRequest is everything a Worker needs to run one dispatched Thunk.
type TaskRequest struct {
	ThunkID   int64
	FuncName  string
	Func      func(ctx any, args []any) (any, error)
	Args      []any
	GetResult bool
	Persist   bool
	Cache     bool
	Options   SchedulerOptions
	Handle    *SchedulerHandle
}

// Worker is the remote-execution collaborator the dispatcher hands fired
// Thunks to. A concrete implementation (package worker) runs do_task on the
// target host: materializing any chunk references it still holds, choosing
// a concrete processor within the host, invoking execute, and wrapping the
// result. Do must return a *WorkerDiedError (directly or via errors.As) when
// the failure means the worker process itself is gone, so the fault
// handler can distinguish it from an ordinary thunk-raised error.
type Worker interface {
	Processor() Processor
	Do(ctx context.Context, req TaskRequest) (any, error)
}

// CompletionMsg is what arrives on the scheduler's completion channel: the
// processor that ran the thunk, its ID, and either a result or a captured
// error.
type CompletionMsg struct {
	Proc    Processor
	ThunkID int64
	Value   any
	Err     error
}

// dispatchAsync spawns the asynchronous remote call for req on worker,
// recovering any panic in the wrapper itself and delivering it on done with
// the same shape a returned error would have.
func dispatchAsync(ctx context.Context, worker Worker, req TaskRequest, done chan<- CompletionMsg) {
	go func() {
		proc := worker.Processor()
		defer func() {
			if r := recover(); r != nil {
				done <- CompletionMsg{Proc: proc, ThunkID: req.ThunkID, Err: panicError{r}}
			}
		}()
		value, err := worker.Do(ctx, req)
		done <- CompletionMsg{Proc: proc, ThunkID: req.ThunkID, Value: value, Err: err}
	}()
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in worker dispatch wrapper" }
func (p panicError) Unwrap() error {
	if err, ok := p.v.(error); ok {
		return err
	}
	return nil
}

package sched

import (
	"context"
	"errors"
	"log/slog"
)

// Run is the compute_dag main loop: build the Compute State for root, fire
// one thunk per worker, then loop completions through the fault handler or
// completion handler until root's value is ready, the run is halted, or
// workers run out. It returns root's cached value.
func Run(ctx context.Context, root *Thunk, procs []Processor, ws workers, sopts SchedulerOptions, m *Metrics) (any, error) {
	s := newState(root, procs)
	done := make(chan CompletionMsg, 64)

	for _, p := range procs {
		wc := s.registerWorkerChans(p)
		go listenDynamic(s, p, wc, s.setHalt)
	}
	defer s.closeAllWorkerChans()

	for _, p := range procs {
		fireNext(ctx, s, p, ws, sopts, m, done, false)
	}

	for {
		s.mu.Lock()
		empty := s.readyRunningEmptyLocked()
		procsLeft := len(s.procs)
		s.mu.Unlock()

		if empty {
			break
		}
		if procsLeft == 0 {
			return nil, ErrNoWorkers
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.haltCh:
			return nil, ErrHalted
		case msg := <-done:
			s.mu.Lock()
			t, ok := s.thunkDict[msg.ThunkID]
			s.mu.Unlock()
			if !ok {
				// A completion whose thunk ID was never registered in this
				// run's thunkDict is not one of ours; ignore it.
				continue
			}

			if msg.Err != nil {
				var died *WorkerDiedError
				if errors.As(msg.Err, &died) {
					m.workerDeaths.Add(ctx, 1)
					handleFault(s, msg.Proc, t)
					feedIdleProcs(ctx, s, ws, sopts, m, done)
					continue
				}
				var inv *InvariantError
				if errors.As(msg.Err, &inv) {
					slog.Warn("scheduler invariant violated, halting", "thunk_id", t.ID, "error", msg.Err)
					s.setHalt()
					return nil, ErrHalted
				}
				return nil, msg.Err
			}

			immediateNext := finishTask(ctx, s, t, msg.Value, true)
			m.thunksFinished.Add(ctx, 1)
			fireNext(ctx, s, msg.Proc, ws, sopts, m, done, immediateNext)
			feedIdleProcs(ctx, s, ws, sopts, m, done)
		}

		s.mu.Lock()
		_, rootDone := s.finished[root]
		s.mu.Unlock()
		if rootDone {
			break
		}
	}

	if s.isHalted() {
		return nil, ErrHalted
	}

	s.mu.Lock()
	value, ok := s.cache[root]
	s.mu.Unlock()
	if !ok {
		return nil, ErrDeadlock
	}
	return value, nil
}

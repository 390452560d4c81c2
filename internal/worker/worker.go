// Package worker implements the worker-RPC collaborator: the async remote
// dispatch fireTask hands thunks off to, and an in-process fake pool used
// by tests and the demo binary to exercise the fault handler without a
// real network.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/dagsched/internal/chunk"
	"github.com/swarmguard/dagsched/internal/resilience"
	"github.com/swarmguard/dagsched/internal/sched"
)

// Remote is a sched.Worker backed by a gRPC-shaped async client call: Do
// blocks the calling goroutine (spawned by dispatchAsync, never the
// scheduler's own goroutine) on a single do_task invocation, translating a
// transport failure into a *sched.WorkerDiedError the way a real dial to a
// dead worker process would via codes.Unavailable.
type Remote struct {
	proc  sched.Processor
	store *chunk.Store

	// inflight bounds the number of concurrent do_task calls this worker
	// host accepts, mirroring a real worker's finite execution slots.
	inflight *semaphore.Weighted

	// procs lists every processor identity this host can execute a task
	// as; choose runs choose_processor over them before Func/dial runs. A
	// host that only ever executes as its own single proc — the common
	// case — leaves both nil, and Do skips straight to proc.
	procs  []sched.Processor
	choose ChoosePred

	// dial is the transport hook: in production this issues the gRPC
	// call and maps its status code to either a result or
	// *sched.WorkerDiedError; tests substitute an in-process function so no
	// network is involved. Retry wraps it with backoff for
	// transient dial failures — a *sched.WorkerDiedError is wrapped in
	// resilience.Permanent first so a dead peer still surfaces unretried.
	dial func(ctx context.Context, req sched.TaskRequest) (any, error)
}

// NewRemote builds a Remote worker with capacity concurrent in-flight
// do_task calls, backed by store for any chunk it materializes locally.
// procs and choose implement choose_processor: procs is the set of
// processor identities this host may execute a dispatched thunk as, and
// choose picks among them on every Do call. Pass nil for both when the host
// backs exactly one processor (Do then just uses proc).
func NewRemote(proc sched.Processor, store *chunk.Store, capacity int64, procs []sched.Processor, choose ChoosePred, dial func(ctx context.Context, req sched.TaskRequest) (any, error)) *Remote {
	return &Remote{
		proc:     proc,
		store:    store,
		inflight: semaphore.NewWeighted(capacity),
		procs:    procs,
		choose:   choose,
		dial:     dial,
	}
}

func (r *Remote) Processor() sched.Processor { return r.proc }

// Do acquires an execution slot, runs choose_processor if this host was given
// candidate processors, and materializes the task's chunk arguments. With a
// dial hook it hands the task to dial (retrying a transient dial failure
// with backoff) and returns dial's result as is, without wrapping it in a
// chunk.Ref; without one it runs the task's func locally and wraps the
// outcome in a chunk.Ref when the thunk requested caching.
func (r *Remote) Do(ctx context.Context, req sched.TaskRequest) (any, error) {
	if err := r.inflight.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire execution slot on %s: %w", r.proc.ID(), err)
	}
	defer r.inflight.Release(1)

	chosen := r.proc
	if r.choose != nil && len(r.procs) > 0 {
		p, ok := r.choose(r.procs)
		if !ok {
			return nil, &sched.WorkerDiedError{Proc: r.proc, Err: fmt.Errorf("choose_processor: no eligible processor among %d candidates", len(r.procs))}
		}
		chosen = p
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		if ref, ok := a.(sched.ChunkRef); ok {
			v, err := ref.Materialize(ctx)
			if err != nil {
				return nil, fmt.Errorf("materialize arg %d for thunk %d: %w", i, req.ThunkID, err)
			}
			args[i] = v
			continue
		}
		args[i] = a
	}
	req.Args = args

	if r.dial != nil {
		return resilience.Retry(ctx, 3, 20*time.Millisecond, func() (any, error) {
			v, err := r.dial(ctx, req)
			if err == nil {
				return v, nil
			}
			var died *sched.WorkerDiedError
			if errors.As(err, &died) {
				return nil, resilience.Permanent{Err: err}
			}
			return nil, err
		})
	}

	value, err := req.Func(req.Handle, req.Args)
	if err != nil {
		return nil, err
	}
	// Cache requests the result be retained as a chunk reference for a
	// future cache-ref shortcut; GetResult overrides that and forces the
	// raw value back to the scheduler even for a cached thunk.
	if req.Cache && !req.GetResult {
		return r.store.Put(fmt.Sprintf("thunk-%d@%s", req.ThunkID, chosen.ID()), value), nil
	}
	return value, nil
}

// ChoosePred is the choose_processor predicate: given every processor
// identity a host can execute a dispatched thunk as, it picks the one to
// actually run on (e.g. preferring one with free capacity), separately from
// the scheduler-level choice of which host to dispatch to at all. The
// ready-queue selector itself never calls this — it only inspects Affinity
// to pick a host — Remote.Do calls it once per task for hosts configured
// with candidate processors. FakeWorkerPool backs exactly one
// processor per host, so choose_processor there is a no-op by construction
// and fakeWorker.Do never calls this.
type ChoosePred func(candidates []sched.Processor) (sched.Processor, bool)

// PreferFirstLive is the simplest ChoosePred: the first candidate still
// present in live, in the order given.
func PreferFirstLive(live map[string]struct{}) ChoosePred {
	return func(candidates []sched.Processor) (sched.Processor, bool) {
		for _, c := range candidates {
			if _, ok := live[c.ID()]; ok {
				return c, true
			}
		}
		return nil, false
	}
}

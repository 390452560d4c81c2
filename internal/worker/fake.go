package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/dagsched/internal/chunk"
	"github.com/swarmguard/dagsched/internal/sched"
)

// FakeWorkerPool is an in-process sched.Worker collaborator used by tests
// and the demo binary: it runs thunk funcs directly, with no network, and
// can be told to Kill a named worker to exercise the fault handler
// deterministically.
type FakeWorkerPool struct {
	mu      sync.Mutex
	workers map[string]*chunk.Store
	dead    map[string]bool
}

// NewFakeWorkerPool builds a pool with one processor per given ID.
func NewFakeWorkerPool(ids ...string) *FakeWorkerPool {
	p := &FakeWorkerPool{
		workers: make(map[string]*chunk.Store),
		dead:    make(map[string]bool),
	}
	for _, id := range ids {
		p.workers[id] = chunk.NewStore(sched.OSProc{Pid: id})
	}
	return p
}

// Processors returns the identities of the processors not yet Killed. Their
// order is not defined (it follows map iteration).
func (p *FakeWorkerPool) Processors() []sched.Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sched.Processor, 0, len(p.workers))
	for id, store := range p.workers {
		if !p.dead[id] {
			out = append(out, store.Processor())
		}
	}
	return out
}

// Workers returns the sched.Worker lookup (including dead ones, so an
// in-flight call still resolves and can observe the kill).
func (p *FakeWorkerPool) Workers() map[string]sched.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]sched.Worker, len(p.workers))
	for id, store := range p.workers {
		out[id] = &fakeWorker{pool: p, id: id, store: store}
	}
	return out
}

// Kill marks a worker dead: any Do call against it, in flight or
// subsequent, returns *sched.WorkerDiedError.
func (p *FakeWorkerPool) Kill(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[id] = true
}

func (p *FakeWorkerPool) isDead(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead[id]
}

type fakeWorker struct {
	pool  *FakeWorkerPool
	id    string
	store *chunk.Store
}

func (w *fakeWorker) Processor() sched.Processor { return w.store.Processor() }

// Do runs req directly with no network involved. Every fakeWorker backs
// exactly one processor, so choose_processor has nothing to pick among here
// — see ChoosePred's doc comment for where it is actually exercised.
func (w *fakeWorker) Do(ctx context.Context, req sched.TaskRequest) (any, error) {
	if w.pool.isDead(w.id) {
		return nil, &sched.WorkerDiedError{Proc: w.Processor()}
	}

	args := make([]any, len(req.Args))
	for i, a := range req.Args {
		if ref, ok := a.(sched.ChunkRef); ok {
			v, err := ref.Materialize(ctx)
			if err != nil {
				return nil, err
			}
			args[i] = v
			continue
		}
		args[i] = a
	}

	value, err := req.Func(req.Handle, args)
	if err != nil {
		return nil, err
	}

	if w.pool.isDead(w.id) {
		return nil, &sched.WorkerDiedError{Proc: w.Processor()}
	}

	// Cache requests the result be retained as a chunk reference for a
	// future cache-ref shortcut; GetResult overrides that and forces the
	// raw value back to the scheduler even for a cached thunk.
	if req.Cache && !req.GetResult {
		return w.store.Put(fmt.Sprintf("thunk-%d", req.ThunkID), value), nil
	}
	return value, nil
}

// Package chunk implements the data-chunk reference the scheduler holds
// opaquely (sched.ChunkRef): a reference-counted handle to a value resident
// on one worker, with a local free-cache that Unrelease can reclaim from
// without a network round-trip.
package chunk

import (
	"context"
	"fmt"
	"sync"

	"github.com/swarmguard/dagsched/internal/sched"
)

// Store is the per-worker in-process datum store a Ref's Materialize/Free
// calls round-trip to. A real deployment would back this with a
// network-attached store; this in-process implementation is the seam a
// real one plugs into.
type Store struct {
	proc sched.Processor

	mu    sync.Mutex
	live  map[string]any // id -> value, held while refcount > 0
	freed map[string]any // id -> value, held while cache == true after Free
}

// NewStore creates an empty datum store for the given processor identity.
func NewStore(proc sched.Processor) *Store {
	return &Store{
		proc:  proc,
		live:  make(map[string]any),
		freed: make(map[string]any),
	}
}

// Processor returns the identity of the worker this store belongs to.
func (st *Store) Processor() sched.Processor { return st.proc }

// Put registers a freshly computed value under id, returning a Ref with
// refcount 1.
func (st *Store) Put(id string, value any) *Ref {
	st.mu.Lock()
	st.live[id] = value
	st.mu.Unlock()
	refs := int32(1)
	return &Ref{store: st, id: id, refs: &refs}
}

// Ref is the concrete sched.ChunkRef: an opaque handle naming a datum in its
// owning Store by id. Refs are cheap to copy; all copies share the same
// underlying count and data.
type Ref struct {
	store *Store
	id    string
	refs  *int32
}

// Processor reports which worker holds the referenced datum.
func (r *Ref) Processor() sched.Processor { return r.store.proc }

// Materialize returns the datum, fetching it back from the freed-but-cached
// set if it was already Freed with cache=true, or erroring if it's gone.
func (r *Ref) Materialize(ctx context.Context) (any, error) {
	st := r.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if v, ok := st.live[r.id]; ok {
		return v, nil
	}
	if v, ok := st.freed[r.id]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("chunk %s: no longer resident on %s", r.id, st.proc.ID())
}

// Free releases the reference. With cache=true the datum moves to the
// freed-but-cached set, reclaimable by Unrelease; force=true drops it
// outright regardless of cache.
func (r *Ref) Free(ctx context.Context, force, cache bool) error {
	st := r.store
	st.mu.Lock()
	defer st.mu.Unlock()
	v, ok := st.live[r.id]
	if !ok {
		return nil
	}
	delete(st.live, r.id)
	if cache && !force {
		st.freed[r.id] = v
	}
	return nil
}

// Unrelease attempts to reclaim a previously Freed(cache=true) datum
// without a Materialize round-trip — the cache-ref shortcut. ok is false
// once the datum has actually been evicted.
func (r *Ref) Unrelease(ctx context.Context) (value any, ok bool, err error) {
	st := r.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if v, found := st.freed[r.id]; found {
		st.live[r.id] = v
		delete(st.freed, r.id)
		return v, true, nil
	}
	if v, found := st.live[r.id]; found {
		return v, true, nil
	}
	return nil, false, nil
}

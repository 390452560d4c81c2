package sched

import "context"

// ChunkRef is an opaque handle to data living on a specific worker. The
// scheduler never inspects the data itself — only whether a reference is
// held, where it lives, and how to materialize/free/unrelease it. A
// concrete implementation lives in package chunk; this is the seam an
// external data-chunk store is plugged in through.
type ChunkRef interface {
	// Processor reports which worker currently holds the referenced data.
	Processor() Processor

	// Materialize fetches (or returns already-resident) the underlying
	// value, blocking on the network if needed.
	Materialize(ctx context.Context) (any, error)

	// Free releases the reference. If cache is true the worker may retain
	// the datum in a local cache for a subsequent Unrelease; force demands
	// immediate reclamation regardless.
	Free(ctx context.Context, force, cache bool) error

	// Unrelease attempts to reclaim a previously-Freed value from the
	// worker's local cache without a network round-trip. ok is false if the
	// data is gone and a full Materialize/re-dispatch is required.
	Unrelease(ctx context.Context) (value any, ok bool, err error)
}

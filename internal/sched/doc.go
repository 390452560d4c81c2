// Package sched implements the core distributed task-graph scheduler: a
// dependency-ordered dispatch loop over a DAG of Thunks, worker-affinity
// matching, result caching with reference-counted memory reclamation, and
// mid-execution fault recovery that re-plans live work without restarting
// the whole graph.
//
// The package deliberately does not know how a Thunk's function actually
// runs on a worker (see the Worker interface) or how intermediate results
// are materialized and freed (see the ChunkRef interface) — those are
// external collaborators, supplied by the caller of Run.
package sched

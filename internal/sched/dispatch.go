package sched

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// workers is the lookup from a live processor's ID to its Worker
// collaborator, used by fireTask to find where to send a remote dispatch.
type workers map[string]Worker

// fireTask is the dispatcher: t must already have been removed from ready,
// and every Thunk input of t must already be in cache. It handles, in
// order, the cache-ref shortcut, in-process meta execution, and remote
// dispatch — recursively firing the next ready thunk on proc whenever a
// step completes synchronously.
func fireTask(ctx context.Context, s *State, t *Thunk, proc Processor, ws workers, sopts SchedulerOptions, m *Metrics, done chan<- CompletionMsg) {
	ctx, span := m.tracer.Start(ctx, "compute",
		trace.WithAttributes(attribute.Int64("thunk_id", t.ID), attribute.String("processor", proc.ID())),
	)
	defer span.End()

	// 1. Cache-ref shortcut.
	if t.Cache && t.CacheRef != nil {
		value, ok, err := t.CacheRef.Unrelease(ctx)
		if err != nil {
			slog.Warn("unrelease failed", "thunk_id", t.ID, "error", err)
		}
		if ok {
			m.cacheHits.Add(ctx, 1)
			immediateNext := finishTask(ctx, s, t, value, false)
			fireNext(ctx, s, proc, ws, sopts, m, done, immediateNext)
			return
		}
		s.mu.Lock()
		t.CacheRef = nil
		s.mu.Unlock()
	}

	// 2. Meta thunk: runs in-process, never touches the network.
	if t.Meta {
		s.mu.Lock()
		s.thunkDict[t.ID] = t
		s.mu.Unlock()
		args := materializeLocalArgs(ctx, s, t)
		value, err := t.Func(ctx, args)
		if err != nil {
			// A meta thunk's own error is a thunk-raised failure, not a
			// worker death — it is handled like any other completion error
			// by the caller of fireTask (the main loop), so report it
			// through the same channel rather than swallowing it here.
			done <- CompletionMsg{Proc: proc, ThunkID: t.ID, Err: err}
			return
		}
		m.metaFired.Add(ctx, 1)
		immediateNext := finishTask(ctx, s, t, value, true)
		fireNext(ctx, s, proc, ws, sopts, m, done, immediateNext)
		return
	}

	// 3. Remote dispatch.
	merged := Merge(sopts, t.Options)
	targetProc := proc
	if merged.Single != "" {
		s.mu.Lock()
		_, live := s.liveProcIDsLocked()[merged.Single]
		s.mu.Unlock()
		if w, ok := ws[merged.Single]; ok && live {
			targetProc = w.Processor()
		}
	}
	if targetProc.ID() != proc.ID() {
		s.mu.Lock()
		delete(s.busy, proc.ID())
		s.busy[targetProc.ID()] = struct{}{}
		s.mu.Unlock()
	}
	w, ok := ws[targetProc.ID()]
	if !ok {
		done <- CompletionMsg{Proc: targetProc, ThunkID: t.ID, Err: &InvariantError{Msg: "no worker registered for " + targetProc.ID()}}
		return
	}

	var handle *SchedulerHandle
	if t.Dynamic {
		handle = s.handleFor(targetProc)
	}

	args := make([]any, len(t.Inputs))
	s.mu.Lock()
	for i, in := range t.Inputs {
		if pt, ok := in.(*Thunk); ok {
			args[i] = s.cache[pt]
		} else {
			args[i] = in
		}
	}
	s.thunkDict[t.ID] = t
	s.mu.Unlock()

	req := TaskRequest{
		ThunkID:   t.ID,
		FuncName:  t.FuncName,
		Func:      t.Func,
		Args:      args,
		GetResult: t.GetResult,
		Persist:   t.Persist,
		Cache:     t.Cache,
		Options:   merged,
		Handle:    handle,
	}
	m.thunksFired.Add(ctx, 1)
	dispatchAsync(ctx, w, req, done)
}

// fireNext tries to dispatch one more ready thunk to proc after a
// synchronous step (cache-ref hit or meta execution) completed.
func fireNext(ctx context.Context, s *State, proc Processor, ws workers, sopts SchedulerOptions, m *Metrics, done chan<- CompletionMsg, immediateNext bool) {
	next, ok := s.popWithAffinity(proc, immediateNext)
	if !ok {
		s.mu.Lock()
		delete(s.busy, proc.ID())
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	s.running[next] = struct{}{}
	s.busy[proc.ID()] = struct{}{}
	s.mu.Unlock()
	fireTask(ctx, s, next, proc, ws, sopts, m, done)
}

// feedIdleProcs tries to dispatch one ready thunk to every live processor
// with no outstanding dispatch — needed after a fault replan or a
// completion on one proc surfaces work another, already-idle proc could
// take.
func feedIdleProcs(ctx context.Context, s *State, ws workers, sopts SchedulerOptions, m *Metrics, done chan<- CompletionMsg) {
	s.mu.Lock()
	idle := s.idleProcsLocked()
	s.mu.Unlock()
	for _, p := range idle {
		fireNext(ctx, s, p, ws, sopts, m, done, false)
	}
}

// materializeLocalArgs resolves a meta thunk's inputs to concrete values in
// the scheduler process, materializing any chunk references.
func materializeLocalArgs(ctx context.Context, s *State, t *Thunk) []any {
	args := make([]any, len(t.Inputs))
	for i, in := range t.Inputs {
		var raw any
		if pt, ok := in.(*Thunk); ok {
			s.mu.Lock()
			raw = s.cache[pt]
			s.mu.Unlock()
		} else {
			raw = in
		}
		if ref, ok := raw.(ChunkRef); ok {
			v, err := ref.Materialize(ctx)
			if err != nil {
				args[i] = nil
				continue
			}
			args[i] = v
			continue
		}
		args[i] = raw
	}
	return args
}

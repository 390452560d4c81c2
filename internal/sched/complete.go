package sched

import (
	"context"
	"log/slog"
	"sort"
)

// freeRequest captures one input whose last consumer just finished, so the
// actual Free RPC can run after the lock is released.
type freeRequest struct {
	input *Thunk
	ref   ChunkRef
	cache bool
}

// finishTask is the completion handler: it records node's result, unblocks
// dependents, frees inputs whose last consumer just finished (when free is
// true), and moves node from running to finished. It returns immediateNext,
// the hint that node unblocked exactly one dependent whose data is likely
// still resident on the worker that just produced it.
func finishTask(ctx context.Context, s *State, node *Thunk, value any, free bool) bool {
	s.mu.Lock()

	if node.Cache {
		if ref, ok := value.(ChunkRef); ok {
			node.CacheRef = ref
		}
	}

	s.cache[node] = value

	deps := make([]*Thunk, 0, len(s.dependents[node]))
	for dep := range s.dependents[node] {
		deps = append(deps, dep)
	}
	sort.Slice(deps, func(i, j int) bool {
		ki1, ki2 := nodeOrder(s.analysis, deps[i])
		kj1, kj2 := nodeOrder(s.analysis, deps[j])
		return ki1 < kj1 || (ki1 == kj1 && ki2 < kj2)
	})

	unblocked := 0
	for _, dep := range deps {
		parents, ok := s.waiting[dep]
		if !ok {
			continue
		}
		delete(parents, node)
		if len(parents) == 0 {
			delete(s.waiting, dep)
			s.insertReadyLocked(dep)
			unblocked++
		}
	}
	immediateNext := len(s.dependents[node]) == 1 && unblocked == 1

	var toFree []freeRequest
	if free {
		for _, in := range node.Inputs {
			input, ok := in.(*Thunk)
			if !ok {
				continue
			}
			consumers, ok := s.waitingData[input]
			if !ok {
				continue
			}
			delete(consumers, node)
			if len(consumers) == 0 {
				delete(s.waitingData, input)
				if ref, ok := s.cache[input].(ChunkRef); ok {
					toFree = append(toFree, freeRequest{input: input, ref: ref, cache: input.Cache})
				} else if !input.Persist {
					delete(s.cache, input)
				}
			}
		}
	}

	delete(s.running, node)
	s.finished[node] = struct{}{}

	s.mu.Unlock()

	for _, fr := range toFree {
		if fr.input.Persist {
			continue
		}
		if err := fr.ref.Free(ctx, false, fr.cache); err != nil {
			slog.Warn("free input failed", "thunk_id", fr.input.ID, "error", err)
		}
		s.mu.Lock()
		delete(s.cache, fr.input)
		s.mu.Unlock()
	}

	return immediateNext
}

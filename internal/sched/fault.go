package sched

import (
	"log/slog"
	"sort"
)

// handleFault is the fault handler: it removes the dead worker, determines
// which cached results were lost with it, and re-plans the failed thunk
// together with every other thunk whose own cached result also lived on the
// dead worker — setting each one's waiting set to those of its Thunk inputs
// that are themselves being replanned and re-inserting everything with no
// such input straight into ready, in topological-priority order.
//
// Recovery scope is deliberately narrow: ancestor recovery covers thunks
// whose own materialized/cached result resided on the dead worker, found by
// one scan of cache for chunk references on it, not every finished consumer reachable from
// the failure — a finished consumer that already captured its input's value
// before the crash does not need to re-run merely because that ancestor's
// chunk is now gone.
func handleFault(s *State, dead Processor, failed *Thunk) {
	s.mu.Lock()

	s.removeProcLocked(dead)
	delete(s.busy, dead.ID())

	lost := map[*Thunk]struct{}{failed: {}}
	for t, v := range s.cache {
		ref, ok := v.(ChunkRef)
		if !ok {
			continue
		}
		if ref.Processor() != nil && ref.Processor().ID() == dead.ID() {
			lost[t] = struct{}{}
		}
	}

	ordered := make([]*Thunk, 0, len(lost))
	for t := range lost {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		ki1, ki2 := nodeOrder(s.analysis, ordered[i])
		kj1, kj2 := nodeOrder(s.analysis, ordered[j])
		return ki1 < kj1 || (ki1 == kj1 && ki2 < kj2)
	})

	for _, t := range ordered {
		delete(s.cache, t)
		delete(s.finished, t)
		delete(s.running, t)

		parentsInLost := make(map[*Thunk]struct{})
		for _, in := range t.Inputs {
			if pt, ok := in.(*Thunk); ok {
				if _, ok := lost[pt]; ok {
					parentsInLost[pt] = struct{}{}
				}
			}
		}
		if len(parentsInLost) == 0 {
			s.insertReadyLocked(t)
		} else {
			s.waiting[t] = parentsInLost
		}
	}

	s.mu.Unlock()

	s.closeWorkerChans(dead)

	slog.Warn("worker died, replanned affected thunks",
		"processor", dead.ID(),
		"replanned", len(lost),
	)
}

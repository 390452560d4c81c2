package sched

import (
	"sort"
	"sync"
)

// workerChans is the pair of channels backing one worker's dynamic control
// connection.
type workerChans struct {
	in  chan busMessage
	out chan busMessage
}

// State is the single mutable struct tracking everything about one
// compute_dag run: waiting/ready/running/finished sets, the result cache,
// the dependents map, per-worker dynamic channels, and the halt flag. All
// mutation happens under mu; mu is held only while reading/updating these
// fields, never while blocked on a channel or a remote call.
type State struct {
	mu sync.Mutex

	analysis *Analysis

	dependents  map[*Thunk]map[*Thunk]struct{}
	waiting     map[*Thunk]map[*Thunk]struct{}
	waitingData map[*Thunk]map[*Thunk]struct{}
	ready       []*Thunk // sorted descending by nodeOrder; highest priority is last
	running     map[*Thunk]struct{}
	finished    map[*Thunk]struct{}
	cache       map[*Thunk]any
	thunkDict   map[int64]*Thunk

	procs       []Processor
	workerChans map[string]*workerChans
	busy        map[string]struct{} // proc IDs with an outstanding dispatch

	halt   bool
	haltCh chan struct{}
}

// newState builds the initial Compute State for root: every reachable
// Thunk starts in waiting, except leaves (no Thunk inputs) which start
// directly in ready.
func newState(root *Thunk, procs []Processor) *State {
	a := Analyze(root)
	s := &State{
		analysis:    a,
		dependents:  a.Dependents,
		waiting:     make(map[*Thunk]map[*Thunk]struct{}),
		waitingData: make(map[*Thunk]map[*Thunk]struct{}),
		running:     make(map[*Thunk]struct{}),
		finished:    make(map[*Thunk]struct{}),
		cache:       make(map[*Thunk]any),
		thunkDict:   make(map[int64]*Thunk),
		procs:       append([]Processor(nil), procs...),
		workerChans: make(map[string]*workerChans),
		busy:        make(map[string]struct{}),
		haltCh:      make(chan struct{}),
	}

	for _, t := range a.All {
		parents := make(map[*Thunk]struct{})
		consumers := make(map[*Thunk]struct{})
		for _, in := range t.Inputs {
			if pt, ok := in.(*Thunk); ok {
				parents[pt] = struct{}{}
			}
		}
		for dep := range a.Dependents[t] {
			consumers[dep] = struct{}{}
		}
		if len(parents) > 0 {
			s.waiting[t] = parents
		}
		if len(consumers) > 0 {
			s.waitingData[t] = consumers
		}
	}

	for _, t := range a.All {
		if _, blocked := s.waiting[t]; !blocked {
			s.insertReadyLocked(t)
		}
	}

	return s
}

// insertReadyLocked inserts t into ready maintaining the priority ordering
// (highest priority at the end). Caller must hold mu.
func (s *State) insertReadyLocked(t *Thunk) {
	key1, key2 := nodeOrder(s.analysis, t)
	// ready is sorted descending by nodeOrder (so the smallest, i.e.
	// highest-priority, key ends up last).
	idx := sort.Search(len(s.ready), func(i int) bool {
		k1, k2 := nodeOrder(s.analysis, s.ready[i])
		return k1 < key1 || (k1 == key1 && k2 < key2)
	})
	s.ready = append(s.ready, nil)
	copy(s.ready[idx+1:], s.ready[idx:])
	s.ready[idx] = t
}

// removeReadyAtLocked removes and returns the Thunk at index i in ready.
func (s *State) removeReadyAtLocked(i int) *Thunk {
	t := s.ready[i]
	s.ready = append(s.ready[:i], s.ready[i+1:]...)
	return t
}

// liveProcIDsLocked returns the set of currently-registered worker IDs.
func (s *State) liveProcIDsLocked() map[string]struct{} {
	live := make(map[string]struct{}, len(s.procs))
	for _, p := range s.procs {
		live[p.ID()] = struct{}{}
	}
	return live
}

// removeProcLocked drops proc from the live processor list.
func (s *State) removeProcLocked(proc Processor) {
	out := s.procs[:0]
	for _, p := range s.procs {
		if p.ID() != proc.ID() {
			out = append(out, p)
		}
	}
	s.procs = out
}

func (s *State) isHalted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halt
}

// setHalt marks the run halted and, the first time it's called, closes
// haltCh so the main loop's select wakes even while blocked on the
// completion channel.
func (s *State) setHalt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halt {
		return
	}
	s.halt = true
	close(s.haltCh)
}

// idleProcsLocked returns the live processors with no outstanding
// dispatch, so the main loop can feed them newly-ready work that a fault
// replan or a completion on a different proc just created.
func (s *State) idleProcsLocked() []Processor {
	idle := make([]Processor, 0, len(s.procs))
	for _, p := range s.procs {
		if _, ok := s.busy[p.ID()]; !ok {
			idle = append(idle, p)
		}
	}
	return idle
}

// readyRunningEmptyLocked reports whether both ready and running are empty,
// i.e. the run has nothing left to make progress on.
func (s *State) readyRunningEmptyLocked() bool {
	return len(s.ready) == 0 && len(s.running) == 0
}

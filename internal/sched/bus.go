package sched

import (
	"log/slog"
	"sync"
)

// busCommand names a control message a running dynamic Thunk can send to
// the scheduler.
type busCommand string

const (
	cmdHalt      busCommand = "halt"
	cmdGetDAGIDs busCommand = "get_dag_ids"
)

// busMessage is one message traveling over a dynamic handle's channels, in
// either direction: (thunk_id, cmd, data) inbound, or a reply outbound.
type busMessage struct {
	ThunkID int64
	Cmd     busCommand
	Data    any
}

// SchedulerHandle is the capability passed as the first argument to a
// Thunk marked Dynamic. It owns two channel endpoints; clones share the
// same endpoints, and closing them (on halt) makes Send/Recv on any clone
// fail cleanly.
type SchedulerHandle struct {
	thunkID int64
	in      chan<- busMessage // scheduler's in_chan: thunk -> scheduler
	out     <-chan busMessage // scheduler's out_chan: scheduler -> thunk

	mu     sync.Mutex
	closed bool
}

// Send delivers a command to the scheduler. It returns ErrHalted once the
// handle (or its underlying worker channel) has been closed.
func (h *SchedulerHandle) Send(cmd string, data any) (err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHalted
	}
	h.mu.Unlock()

	defer func() { // channel may close concurrently with send
		if recover() != nil {
			err = ErrHalted
		}
	}()
	h.in <- busMessage{ThunkID: h.thunkID, Cmd: busCommand(cmd), Data: data}
	return nil
}

// Recv blocks for the scheduler's reply, returning false once the channel
// has been closed (e.g. by Halt).
func (h *SchedulerHandle) Recv() (any, bool) {
	msg, ok := <-h.out
	if !ok {
		return nil, false
	}
	return msg.Data, true
}

// Halt sends the halt command and blocks until the scheduler has at least
// observed it; the channel close that follows is the acknowledgment, not a
// fixed sleep-based grace period. Any reply still queued for this handle
// while it waits is discarded.
func (h *SchedulerHandle) Halt() {
	_ = h.Send(string(cmdHalt), nil)
	for range h.out {
	}
}

// GetDAGIDs asks the scheduler for the dependency map keyed by wire thunk
// IDs.
func (h *SchedulerHandle) GetDAGIDs() (map[int64][]int64, bool) {
	if err := h.Send(string(cmdGetDAGIDs), nil); err != nil {
		return nil, false
	}
	v, ok := h.Recv()
	if !ok {
		return nil, false
	}
	m, ok := v.(map[int64][]int64)
	return m, ok
}

// handleFor returns a new dynamic handle bound to proc's worker channels, to
// be passed to a Dynamic thunk as its first argument, or nil if proc has no
// registered channels.
func (s *State) handleFor(proc Processor) *SchedulerHandle {
	s.mu.Lock()
	wc, ok := s.workerChans[proc.ID()]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return &SchedulerHandle{in: wc.in, out: wc.out}
}

// registerWorkerChans allocates the per-worker dynamic channel pair and
// records it under mu.
func (s *State) registerWorkerChans(proc Processor) *workerChans {
	wc := &workerChans{
		in:  make(chan busMessage, 8),
		out: make(chan busMessage, 8),
	}
	s.mu.Lock()
	s.workerChans[proc.ID()] = wc
	s.mu.Unlock()
	return wc
}

// closeWorkerChans closes one worker's dynamic channels, making any pending
// Send/Recv on a handle bound to them fail or observe closure.
func (s *State) closeWorkerChans(proc Processor) {
	s.mu.Lock()
	wc, ok := s.workerChans[proc.ID()]
	delete(s.workerChans, proc.ID())
	s.mu.Unlock()
	if ok {
		close(wc.in)
		close(wc.out)
	}
}

// closeAllWorkerChans closes every registered worker's dynamic channels,
// used on halt.
func (s *State) closeAllWorkerChans() {
	s.mu.Lock()
	all := s.workerChans
	s.workerChans = make(map[string]*workerChans)
	s.mu.Unlock()
	for _, wc := range all {
		close(wc.in)
		close(wc.out)
	}
}

// listenDynamic runs one per live worker, draining commands from its
// in_chan until the channel is closed. onHalt is invoked when a halt
// command (or an unrecognized command) arrives, to inject SchedulerHalted
// into the main loop.
func listenDynamic(s *State, proc Processor, wc *workerChans, onHalt func()) {
	for msg := range wc.in {
		switch msg.Cmd {
		case cmdHalt:
			onHalt()
		case cmdGetDAGIDs:
			reply := dagIDs(s)
			select {
			case wc.out <- busMessage{ThunkID: msg.ThunkID, Data: reply}:
			default:
			}
		default:
			slog.Warn("unrecognized dynamic command", "processor", proc.ID(), "cmd", msg.Cmd)
			onHalt()
		}
	}
}

// dagIDs builds {tid -> {dep_tid...}} from dependents, for get_dag_ids.
func dagIDs(s *State) map[int64][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]int64, len(s.dependents))
	for t, deps := range s.dependents {
		ids := make([]int64, 0, len(deps))
		for dep := range deps {
			ids = append(ids, dep.ID)
		}
		out[t.ID] = ids
	}
	return out
}
